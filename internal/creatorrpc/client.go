package creatorrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/rendis/stagecraft/internal/assembly"
	"github.com/rendis/stagecraft/internal/retry"
	"github.com/rendis/stagecraft/internal/validation"
	"github.com/rendis/stagecraft/pkg/schema"
)

// Client talks to one creator server.
type Client struct {
	conn      *grpc.ClientConn
	validator *validation.Validator
	retry     retry.Policy
	breakers  *Breakers
	logger    *slog.Logger
	dialOpts  []grpc.DialOption
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithValidator checks every resolve response against the response schema.
func WithValidator(v *validation.Validator) ClientOption {
	return func(c *Client) { c.validator = v }
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithBreakers shares a breaker registry between clients.
func WithBreakers(b *Breakers) ClientOption {
	return func(c *Client) {
		if b != nil {
			c.breakers = b
		}
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialOptions appends gRPC dial options, for example a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// Dial creates a client for target. The connection is established lazily.
func Dial(target string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		retry:    retry.Default(),
		breakers: NewBreakers(DefaultBreakerConfig(), nil),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, c.dialOpts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial creator server %s: %w", target, err)
	}
	c.conn = conn
	return c, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Services asks the server which creators it hosts and returns one remote
// service per creator.
func (c *Client) Services(ctx context.Context) ([]assembly.CreatorService, error) {
	var out DescribeResponse
	if err := c.conn.Invoke(ctx, describeMethod, &DescribeRequest{}, &out); err != nil {
		return nil, fromStatus("describe", err)
	}
	services := make([]assembly.CreatorService, 0, len(out.Services))
	for _, info := range out.Services {
		services = append(services, c.Service(info.Name, info.Kinds))
	}
	return services, nil
}

// Service returns a remote handle for a creator the server hosts.
func (c *Client) Service(name string, kinds []string) *RemoteService {
	return &RemoteService{client: c, name: name, kinds: kinds}
}

// RemoteService is a creator service reached over gRPC.
type RemoteService struct {
	client *Client
	name   string
	kinds  []string
}

func (s *RemoteService) Name() string    { return s.name }
func (s *RemoteService) Kinds() []string { return s.kinds }

// Resolve calls the remote creator, retrying transport failures and
// refusing calls while the creator's circuit is open.
func (s *RemoteService) Resolve(ctx context.Context, req *schema.ResolveRequest) (*schema.ResolveResponse, error) {
	c := s.client
	if err := c.breakers.Allow(s.name); err != nil {
		return nil, err
	}

	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	call := &ResolveCall{Service: s.name, Request: req}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := retry.Wait(ctx, retry.Backoff(c.retry, attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		var raw json.RawMessage
		err := c.conn.Invoke(ctx, resolveMethod, call, &raw)
		if err == nil {
			c.breakers.Success(s.name)
			return s.decode(raw)
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
		c.logger.DebugContext(ctx, "retrying creator call",
			slog.String("service", s.name),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	switch {
	case ctx.Err() != nil || status.Code(lastErr) == codes.Canceled:
		c.breakers.Release(s.name)
	case IsRetryable(lastErr):
		if state := c.breakers.Failure(s.name); state == CircuitOpen {
			c.logger.WarnContext(ctx, "creator circuit opened", slog.String("service", s.name))
		}
	default:
		// The server answered.
		c.breakers.Success(s.name)
	}
	return nil, fromStatus(s.name, lastErr)
}

func (s *RemoteService) decode(raw json.RawMessage) (*schema.ResolveResponse, error) {
	if s.client.validator != nil {
		return s.client.validator.DecodeResolveResponse(raw)
	}
	var resp schema.ResolveResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode resolve response").WithCause(err)
	}
	return &resp, nil
}

// fromStatus maps a gRPC failure onto the assembly error codes.
func fromStatus(what string, err error) error {
	if errors.Is(err, context.Canceled) {
		return schema.NewErrorf(schema.ErrCodeCancelled, "%s: cancelled", what).WithCause(err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeCreatorFailed, "%s: %v", what, err).WithCause(err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return schema.NewErrorf(schema.ErrCodeServiceUnavailable, "%s: %s", what, st.Message()).WithCause(err)
	case codes.Canceled:
		return schema.NewErrorf(schema.ErrCodeCancelled, "%s: %s", what, st.Message()).WithCause(err)
	case codes.NotFound:
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s: %s", what, st.Message()).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeCreatorFailed, "%s: %s", what, st.Message()).WithCause(err)
}
