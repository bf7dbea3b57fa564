package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, Shutdown(context.Background(), tp))
}

func TestInit_ExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var out bytes.Buffer
	tp, err := Init(context.Background(), Config{Enabled: true, SampleRate: 1, Version: "test", Output: &out})
	require.NoError(t, err)
	assert.Same(t, tp, otel.GetTracerProvider())

	_, span := otel.Tracer("stagecraft-test").Start(context.Background(), "Coordinator.Assemble")
	span.End()
	require.NoError(t, Shutdown(context.Background(), tp))

	var exported struct {
		Name string `json:"Name"`
	}
	require.NoError(t, json.NewDecoder(&out).Decode(&exported))
	assert.Equal(t, "Coordinator.Assemble", exported.Name)
}

func TestInit_SampleRateBounds(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, SampleRate: 1.5})
	assert.ErrorContains(t, err, "sample rate")
	assert.NoError(t, Shutdown(context.Background(), nil))
}
