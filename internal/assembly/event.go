package assembly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stagecraft/internal/streaming"
	"github.com/rendis/stagecraft/internal/validation"
	"github.com/rendis/stagecraft/pkg/schema"
)

// DefaultAwaitTimeout bounds how long the event binding waits for the
// correlated response.
const DefaultAwaitTimeout = 2 * time.Minute

// batchResponse is the single correlated notification a Responder publishes
// for one request: every service response, or the union of their errors.
type batchResponse struct {
	Responses     []json.RawMessage `json:"responses,omitempty"`
	ErrorMessages []string          `json:"errorMessages,omitempty"`
	Code          string            `json:"code,omitempty"`
}

// EventBinding publishes the pending set once per iteration and blocks on
// exactly one correlated response.
type EventBinding struct {
	bus       streaming.Bus
	validator *validation.Validator
	timeout   time.Duration
	newID     func() string
}

// EventOption configures an EventBinding.
type EventOption func(*EventBinding)

// WithAwaitTimeout bounds the wait for the correlated response.
func WithAwaitTimeout(d time.Duration) EventOption {
	return func(b *EventBinding) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithCorrelationIDs overrides correlation id generation.
func WithCorrelationIDs(gen func() string) EventOption {
	return func(b *EventBinding) { b.newID = gen }
}

// NewEventBinding creates a publish/await binding. v validates each service
// response carried by the notification.
func NewEventBinding(bus streaming.Bus, v *validation.Validator, opts ...EventOption) *EventBinding {
	b := &EventBinding{bus: bus, validator: v, timeout: DefaultAwaitTimeout, newID: uuid.NewString}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ResolveAll publishes req and waits for its correlated response.
func (b *EventBinding) ResolveAll(ctx context.Context, req *schema.ResolveRequest) ([]*schema.ResolveResponse, error) {
	correlation := b.newID()
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	// Subscribe before publishing so the response cannot be missed.
	ch, unsubscribe, err := b.bus.Subscribe(ctx, streaming.Filter{
		Topics: []string{streaming.TopicResolveResponse},
		Key:    correlation,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeServiceUnavailable, "subscribe for resolve response").WithCause(err)
	}
	defer unsubscribe()

	out := *req
	out.CorrelationID = correlation
	payload, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encode resolve request: %w", err)
	}
	if err := b.bus.Publish(ctx, streaming.Message{
		Topic:   streaming.TopicResolveRequest,
		Key:     correlation,
		Payload: payload,
	}); err != nil {
		return nil, schema.NewError(schema.ErrCodeServiceUnavailable, "publish resolve request").WithCause(err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeServiceUnavailable, "subscription closed awaiting %s", correlation)
		}
		return b.decode(msg.Payload)
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeAssemblyTimeout,
			"no resolve response for %s within %s", correlation, b.timeout).WithCause(ctx.Err())
	}
}

func (b *EventBinding) decode(raw json.RawMessage) ([]*schema.ResolveResponse, error) {
	var batch batchResponse
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode resolve response batch").WithCause(err)
	}
	if len(batch.ErrorMessages) > 0 {
		code := batch.Code
		if code == "" {
			code = schema.ErrCodeCreatorFailed
		}
		return nil, schema.NewError(code, strings.Join(batch.ErrorMessages, "; ")).
			WithDetails(map[string]any{"errors": batch.ErrorMessages})
	}
	out := make([]*schema.ResolveResponse, 0, len(batch.Responses))
	for _, r := range batch.Responses {
		var resp *schema.ResolveResponse
		var err error
		if b.validator != nil {
			resp, err = b.validator.DecodeResolveResponse(r)
		} else {
			resp = &schema.ResolveResponse{}
			err = json.Unmarshal(r, resp)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

// Responder serves resolve requests published on a bus by running them
// through a binding, usually a DirectBinding over local services.
type Responder struct {
	bus       streaming.Bus
	binding   Binding
	validator *validation.Validator
	logger    *slog.Logger
}

// NewResponder creates a responder. A nil logger means slog.Default().
func NewResponder(bus streaming.Bus, binding Binding, v *validation.Validator, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{bus: bus, binding: binding, validator: v, logger: logger}
}

// Start subscribes to resolve requests and serves them until stop is called
// or ctx is done. The subscription is active when Start returns.
func (r *Responder) Start(ctx context.Context) (stop func(), err error) {
	ch, unsubscribe, err := r.bus.Subscribe(ctx, streaming.Filter{Topics: []string{streaming.TopicResolveRequest}})
	if err != nil {
		return nil, fmt.Errorf("subscribe to resolve requests: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				go r.serve(ctx, msg)
			}
		}
	}()
	return func() {
		cancel()
		unsubscribe()
		<-done
	}, nil
}

func (r *Responder) serve(ctx context.Context, msg streaming.Message) {
	log := r.logger.With(slog.String("correlation_id", msg.Key))

	var batch batchResponse
	req, err := r.decodeRequest(msg.Payload)
	if err == nil {
		var responses []*schema.ResolveResponse
		responses, err = r.binding.ResolveAll(ctx, req)
		for _, resp := range responses {
			if resp == nil {
				continue
			}
			raw, mErr := json.Marshal(resp)
			if mErr != nil {
				err = mErr
				break
			}
			batch.Responses = append(batch.Responses, raw)
		}
	}
	if err != nil {
		batch = batchResponse{ErrorMessages: []string{err.Error()}, Code: schema.ErrCodeCreatorFailed}
		if se, ok := schema.AsStageError(err); ok {
			batch.ErrorMessages = []string{se.Message}
			batch.Code = se.Code
		}
		log.Warn("resolve request failed", slog.String("error", err.Error()))
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		log.Error("encode resolve response", slog.String("error", err.Error()))
		return
	}
	if err := r.bus.Publish(ctx, streaming.Message{
		Topic:   streaming.TopicResolveResponse,
		Key:     msg.Key,
		Payload: payload,
	}); err != nil {
		log.Error("publish resolve response", slog.String("error", err.Error()))
		return
	}
	log.Debug("resolve request served", slog.Int("responses", len(batch.Responses)))
}

func (r *Responder) decodeRequest(raw json.RawMessage) (*schema.ResolveRequest, error) {
	if r.validator != nil {
		return r.validator.DecodeResolveRequest(raw)
	}
	var req schema.ResolveRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode resolve request").WithCause(err)
	}
	return &req, nil
}
