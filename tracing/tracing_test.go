package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/wyfcoding/quantcore/config"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestSpanTagsAndError(t *testing.T) {
	rec := installRecorder(t)

	ctx, span := StartSpan(context.Background(), "xva.batch")
	AddTag(ctx, "batch", 3)
	AddTag(ctx, "trade", "SWAP")
	AddTag(ctx, "paths", []int{1})
	SetError(ctx, nil)
	SetError(ctx, errors.New("regression failed"))
	assert.True(t, trace.SpanContextFromContext(ctx).HasTraceID())
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "xva.batch", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Attributes(), 3)
}

func TestContextRoundTripThroughCarrier(t *testing.T) {
	installRecorder(t)

	ctx, span := StartSpan(context.Background(), "xva.run")
	defer span.End()
	carrier := InjectContext(ctx)
	require.NotEmpty(t, carrier)

	child, childSpan := StartSpan(ExtractContext(context.Background(), carrier), "xva.batch")
	defer childSpan.End()
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(child).TraceID())
	assert.Equal(t, span.SpanContext().SpanID(), childSpan.(sdktrace.ReadOnlySpan).Parent().SpanID())
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(config.TracingConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.False(t, trace.SpanContextFromContext(context.Background()).IsValid())
}
