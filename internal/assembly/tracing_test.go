package assembly

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rendis/stagecraft/pkg/schema"
)

func TestAssemble_FailureRecordsErrorSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	coord := NewCoordinator(NewDirectBinding(nil), WithTracer(tp.Tracer("test")))
	_, err := coord.Assemble(context.Background(), schema.DependencyBlob{ID: "orphan"}, nil)
	requireCode(t, err, schema.ErrCodeUnresolvedDependency)

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		byName[s.Name()] = s
	}
	require.Contains(t, byName, "Coordinator.Assemble")
	require.Contains(t, byName, "Coordinator.iteration")

	root := byName["Coordinator.Assemble"]
	assert.Equal(t, codes.Error, root.Status().Code)
	assert.Contains(t, root.Status().Description, "unresolved nodes: [orphan]")
	assert.Equal(t, codes.Error, byName["Coordinator.iteration"].Status().Code)
	assert.Equal(t, root.SpanContext().TraceID(), byName["Coordinator.iteration"].SpanContext().TraceID())
}

func TestAssemble_SuccessSpanCarriesCounts(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	svc := leafService("leaf", "root", nil, func(id string) string { return id })
	starting := NewService("start", []string{"root"}, func(context.Context, *schema.ResolveRequest) (*schema.ResolveResponse, error) {
		return &schema.ResolveResponse{StartingNodeID: "r"}, nil
	})
	coord := NewCoordinator(NewDirectBinding([]CreatorService{svc, starting}), WithTracer(tp.Tracer("test")))
	_, err := coord.Assemble(context.Background(), schema.DependencyBlob{ID: "r", Kind: "root"}, nil)
	require.NoError(t, err)

	var root sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "Coordinator.Assemble" {
			root = s
		}
	}
	require.NotNil(t, root)
	assert.Equal(t, codes.Unset, root.Status().Code)
	attrs := map[string]int64{}
	for _, kv := range root.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInt64()
	}
	assert.Equal(t, int64(1), attrs["stagecraft.iterations"])
	assert.Equal(t, int64(1), attrs["stagecraft.nodes"])
}
