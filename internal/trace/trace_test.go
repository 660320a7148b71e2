package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func mustSpanContext(t *testing.T, traceID, spanID string, sampled bool) SpanContext {
	t.Helper()
	tid, err := oteltrace.TraceIDFromHex(traceID)
	require.NoError(t, err)
	sid, err := oteltrace.SpanIDFromHex(spanID)
	require.NoError(t, err)

	flags := oteltrace.TraceFlags(0)
	if sampled {
		flags = oteltrace.FlagsSampled
	}
	return oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: flags,
	})
}

func TestEncodeParseTraceparent_RoundTrips(t *testing.T) {
	sc := mustSpanContext(t, "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7", true)
	header := EncodeTraceparent(sc)

	got, err := ParseTraceparent(header)
	require.NoError(t, err)
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
	assert.Equal(t, sc.IsSampled(), got.IsSampled())
}

func TestParseTraceparent_RejectsMalformedHeader(t *testing.T) {
	cases := []string{
		"",
		"not-a-traceparent",
		"01-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		"00-00000000000000000000000000000000-00f067aa0ba902b7-01",
		"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-zz",
	}
	for _, c := range cases {
		_, err := ParseTraceparent(c)
		assert.Error(t, err, "expected error for %q", c)
	}
}

func TestLoggingTracer_StartCreatesValidSpanContext(t *testing.T) {
	tracer := NewLoggingTracer(nil)
	ctx, span := tracer.Start(context.Background(), "proxy.forward", WithSpanKind(SpanKindClient))
	defer span.End()

	sc := span.SpanContext()
	assert.True(t, sc.IsValid())

	fromCtx, ok := SpanContextFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, sc.TraceID(), fromCtx.TraceID())
	assert.Equal(t, sc.SpanID(), fromCtx.SpanID())
}

func TestLoggingTracer_StartWithParentKeepsTraceID(t *testing.T) {
	tracer := NewLoggingTracer(nil)
	parent := mustSpanContext(t, "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7", true)

	_, span := tracer.Start(context.Background(), "child", WithParent(parent))
	defer span.End()

	got := span.SpanContext()
	assert.Equal(t, parent.TraceID(), got.TraceID())
	assert.NotEqual(t, parent.SpanID(), got.SpanID())
}
