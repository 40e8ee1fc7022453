package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestAttributeCarrierRoundTripsTraceContext(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	prop := propagation.TraceContext{}
	attrs := attributeCarrier{}
	prop.Inject(ctx, attrs)
	require.Contains(t, attrs.Keys(), "traceparent")

	got := trace.SpanContextFromContext(prop.Extract(context.Background(), attrs))
	require.Equal(t, traceID, got.TraceID())
	require.Equal(t, spanID, got.SpanID())
}

func TestPublishWithoutPublisher(t *testing.T) {
	_, err := New(nil).Publish(context.Background(), "s-1", map[string]string{"a": "b"})
	require.ErrorContains(t, err, "not configured")
	New(nil).Stop()
}
