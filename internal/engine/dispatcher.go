package engine

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stagecraft/internal/failure"
	"github.com/rendis/stagecraft/internal/steps"
	"github.com/rendis/stagecraft/pkg/schema"
)

const tracerName = "github.com/rendis/stagecraft/internal/engine"

// Dispatcher selects the strategy for a node's execution mode and converts
// every error or panic escaping it into a FAILED terminal result.
type Dispatcher struct {
	registry   *steps.Registry
	strategies map[schema.ExecutionMode]Strategy
	tracer     trace.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithIDGenerator overrides how child instance ids are generated.
func WithIDGenerator(gen IDGenerator) DispatcherOption {
	return func(d *Dispatcher) { d.strategies = strategies(gen) }
}

// WithTracer sets the tracer used for start and resume spans.
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// NewDispatcher creates a dispatcher resolving steps from registry.
func NewDispatcher(registry *steps.Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		strategies: strategies(uuid.NewString),
		tracer:     otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start runs the entry point of the node's strategy.
func (d *Dispatcher) Start(ctx context.Context, inv steps.Invocation) Outcome {
	return d.run(ctx, "Dispatcher.Start", inv, func(ctx context.Context, s Strategy, req Request) (Outcome, error) {
		return s.Start(ctx, req)
	})
}

// Resume delivers a completed join to the node's strategy. exec is the
// waiting state persisted by the previous call.
func (d *Dispatcher) Resume(ctx context.Context, inv steps.Invocation, exec schema.ExecutableResponse, responses map[string]schema.ResponseData) Outcome {
	return d.run(ctx, "Dispatcher.Resume", inv, func(ctx context.Context, s Strategy, req Request) (Outcome, error) {
		req.Executable = exec
		return s.Resume(ctx, req, responses)
	})
}

func (d *Dispatcher) run(ctx context.Context, name string, inv steps.Invocation, call func(context.Context, Strategy, Request) (Outcome, error)) (out Outcome) {
	ctx, span := d.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("stagecraft.instance_id", inv.InstanceID()),
		attribute.String("stagecraft.node_id", inv.Node.ID),
		attribute.String("stagecraft.node_type", inv.Node.Type),
		attribute.String("stagecraft.execution_mode", string(inv.Node.ExecutionMode)),
	))
	defer span.End()

	fail := func(err error) Outcome {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome(HandleTerminalResult{InstanceID: inv.InstanceID(), Result: failure.Translate(err)})
	}

	defer func() {
		if r := recover(); r != nil {
			out = fail(failure.FromPanic(r))
		}
	}()

	step, err := d.registry.Get(inv.Node.Type)
	if err != nil {
		return fail(schema.NewError(schema.ErrCodeStepNotFound, err.Error()).
			WithNode(inv.Node.ID).
			WithFailureTypes(schema.FailureConfiguration).
			WithCause(err))
	}
	if step.Mode() != inv.Node.ExecutionMode {
		return fail(schema.NewErrorf(schema.ErrCodeFramework,
			"node declares mode %s but step %q runs as %s", inv.Node.ExecutionMode, inv.Node.Type, step.Mode()).
			WithNode(inv.Node.ID).
			WithFailureTypes(schema.FailureConfiguration))
	}
	strategy, ok := d.strategies[step.Mode()]
	if !ok {
		return fail(schema.NewErrorf(schema.ErrCodeFramework, "no strategy for mode %s", step.Mode()).WithNode(inv.Node.ID))
	}

	out, err = call(ctx, strategy, Request{Invocation: inv, Step: step})
	if err != nil {
		return fail(err)
	}
	if term, ok := out.Terminal(); ok && term.Result.Status == schema.StatusFailed {
		msg := "step failed"
		if term.Result.Failure != nil && term.Result.Failure.ErrorMessage != "" {
			msg = term.Result.Failure.ErrorMessage
		}
		span.SetStatus(codes.Error, msg)
	}
	return out
}
