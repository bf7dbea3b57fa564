package assembly

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stagecraft/pkg/schema"
)

const tracerName = "github.com/rendis/stagecraft/internal/assembly"

// DefaultMaxDepth bounds the number of resolution iterations.
const DefaultMaxDepth = 10

// Coordinator assembles a plan by repeatedly handing the unresolved blobs to
// creator services until none are left.
type Coordinator struct {
	binding  Binding
	maxDepth int
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxDepth overrides the iteration bound.
func WithMaxDepth(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer sets the tracer used for assembly spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// NewCoordinator creates a coordinator resolving through b.
func NewCoordinator(b Binding, opts ...Option) *Coordinator {
	c := &Coordinator{
		binding:  b,
		maxDepth: DefaultMaxDepth,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Assemble resolves root into a plan. Any service failure, id collision or
// unresolved blob aborts the whole assembly; no partial plan is returned.
func (c *Coordinator) Assemble(ctx context.Context, root schema.DependencyBlob, initial map[string]any) (*schema.Plan, error) {
	if root.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "root dependency has no id")
	}
	ctx, span := c.tracer.Start(ctx, "Coordinator.Assemble", trace.WithAttributes(
		attribute.String("stagecraft.root_id", root.ID),
		attribute.String("stagecraft.root_kind", root.ResolvedKind()),
		attribute.Int("stagecraft.max_depth", c.maxDepth),
	))
	defer span.End()

	state := seed(root, initial)
	for len(state.pending) > 0 && state.iteration < c.maxDepth {
		next, err := c.iterate(ctx, state)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.WarnContext(ctx, "assembly failed",
				slog.Int("iteration", state.iteration+1), slog.String("error", err.Error()))
			return nil, err
		}
		state = next
	}

	plan, err := state.plan()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("stagecraft.iterations", state.iteration),
		attribute.Int("stagecraft.nodes", len(plan.Nodes)),
	)
	c.logger.InfoContext(ctx, "plan assembled",
		slog.String("starting_node", plan.StartingNodeID),
		slog.Int("nodes", len(plan.Nodes)),
		slog.Int("iterations", state.iteration))
	return plan, nil
}

func (c *Coordinator) iterate(ctx context.Context, state foldState) (foldState, error) {
	req := state.request()
	ctx, span := c.tracer.Start(ctx, "Coordinator.iteration", trace.WithAttributes(
		attribute.Int("stagecraft.iteration", state.iteration+1),
		attribute.Int("stagecraft.pending", len(req.Dependencies)),
		attribute.StringSlice("stagecraft.kinds", req.Kinds()),
	))
	defer span.End()

	responses, err := c.binding.ResolveAll(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}
	next, err := state.step(responses)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}
	c.logger.DebugContext(ctx, "assembly iteration",
		slog.Int("iteration", next.iteration),
		slog.Int("responses", len(responses)),
		slog.Int("nodes", len(next.nodes)),
		slog.Int("pending", len(next.pending)))
	return next, nil
}
