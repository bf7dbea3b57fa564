package assembly

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/stagecraft/internal/workpool"
	"github.com/rendis/stagecraft/pkg/schema"
)

// Defaults for the direct binding.
const (
	DefaultPoolSize         = 5
	DefaultIterationTimeout = 5 * time.Minute
)

// Binding resolves one iteration's request against the registered services
// and returns every service response. Any service error fails the iteration.
type Binding interface {
	ResolveAll(ctx context.Context, req *schema.ResolveRequest) ([]*schema.ResolveResponse, error)
}

// DirectBinding calls each supporting service concurrently on a bounded pool.
type DirectBinding struct {
	services []CreatorService
	pool     *workpool.Pool
	timeout  time.Duration
}

// DirectOption configures a DirectBinding.
type DirectOption func(*DirectBinding)

// WithPool runs service calls on p instead of a private pool.
func WithPool(p *workpool.Pool) DirectOption {
	return func(b *DirectBinding) { b.pool = p }
}

// WithPoolSize sets the size of the private pool.
func WithPoolSize(n int) DirectOption {
	return func(b *DirectBinding) {
		if n > 0 {
			b.pool = workpool.New(n)
		}
	}
}

// WithIterationTimeout bounds each ResolveAll call.
func WithIterationTimeout(d time.Duration) DirectOption {
	return func(b *DirectBinding) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewDirectBinding creates a binding over services.
func NewDirectBinding(services []CreatorService, opts ...DirectOption) *DirectBinding {
	b := &DirectBinding{
		services: services,
		pool:     workpool.New(DefaultPoolSize),
		timeout:  DefaultIterationTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Services returns the registered services.
func (b *DirectBinding) Services() []CreatorService { return b.services }

// ResolveAll fans the request out to every service supporting one of its
// kinds. Responses keep the order of the registered services.
func (b *DirectBinding) ResolveAll(ctx context.Context, req *schema.ResolveRequest) ([]*schema.ResolveResponse, error) {
	selected := selectServices(b.services, req.Kinds())
	if len(selected) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	out := make([]*schema.ResolveResponse, len(selected))
	batch := b.pool.NewBatch()
	for i, svc := range selected {
		i, svc := i, svc
		batch.Go(ctx, func(ctx context.Context) error {
			resp, err := svc.Resolve(ctx, req)
			if err != nil {
				return serviceError(svc.Name(), err)
			}
			if resp == nil {
				resp = &schema.ResolveResponse{}
			}
			if len(resp.ErrorMessages) > 0 {
				return schema.NewErrorf(schema.ErrCodeCreatorFailed, "%s: %s",
					svc.Name(), strings.Join(resp.ErrorMessages, "; "))
			}
			resp.Service = svc.Name()
			out[i] = resp
			return nil
		})
	}

	select {
	case <-batch.Done():
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeAssemblyTimeout,
				"assembly iteration exceeded %s", b.timeout).WithCause(err)
		}
		return nil, schema.NewError(schema.ErrCodeCancelled, "assembly cancelled").WithCause(err)
	}
	if err := batch.Err(); err != nil {
		return nil, unionError(err)
	}
	return out, nil
}

func serviceError(name string, err error) error {
	if se, ok := schema.AsStageError(err); ok {
		return schema.NewErrorf(se.Code, "%s: %s", name, se.Message).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeCreatorFailed, "%s: %s", name, err).WithCause(err)
}

// unionError folds the joined errors of an iteration into one error whose
// message lists every failure. A single distinct code is kept.
func unionError(err error) error {
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	if len(errs) == 1 {
		if se, ok := schema.AsStageError(errs[0]); ok {
			return se
		}
	}

	code := ""
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
		c := schema.ErrCodeCreatorFailed
		if se, ok := schema.AsStageError(e); ok {
			c = se.Code
			msgs[i] = se.Message
		}
		switch code {
		case "", c:
			code = c
		default:
			code = schema.ErrCodeCreatorFailed
		}
	}
	return schema.NewError(code, fmt.Sprintf("%d creator services failed: %s", len(errs), strings.Join(msgs, "; "))).
		WithDetails(map[string]any{"errors": msgs}).
		WithCause(err)
}
