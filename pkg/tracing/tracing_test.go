package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestStartSpan_NoTracer(t *testing.T) {
	SetTracer(nil)

	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()

	assert.NotNil(t, span)
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetTraceParent(ctx))
}

func TestStartSpan_WithTracer(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	SetTracer(provider.Tracer("fern-test"))
	defer SetTracer(nil)

	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()

	assert.Len(t, GetTraceID(ctx), 32)
	assert.Contains(t, GetTraceParent(ctx), GetTraceID(ctx))
}

func TestSetup(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "fern"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = Setup(context.Background(), Config{Endpoint: "localhost:4317", Protocol: "thrift"})
	assert.ErrorContains(t, err, "unsupported OTLP protocol")
}
