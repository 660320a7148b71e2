package trace

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// ErrInvalidTraceparent is returned when a traceparent header doesn't
// decode to a valid span context.
var ErrInvalidTraceparent = errors.New("trace: malformed traceparent header")

// propagator does the actual W3C Trace Context encode/decode; this
// package only adapts it to the http.Header types the proxy already
// works with.
var propagator = propagation.TraceContext{}

// EncodeTraceparent renders sc as a W3C traceparent header value.
func EncodeTraceparent(sc SpanContext) string {
	ctx := oteltrace.ContextWithSpanContext(context.Background(), sc)
	carrier := propagation.HeaderCarrier(http.Header{})
	propagator.Inject(ctx, carrier)
	return carrier.Get("traceparent")
}

// ParseTraceparent decodes a W3C traceparent header value into a
// SpanContext, rejecting versions other than 00, malformed values and
// all-zero trace/span IDs.
func ParseTraceparent(header string) (SpanContext, error) {
	if len(header) < 3 || header[:3] != "00-" {
		return SpanContext{}, ErrInvalidTraceparent
	}
	carrier := propagation.HeaderCarrier(http.Header{})
	carrier.Set("traceparent", header)

	ctx := propagator.Extract(context.Background(), carrier)
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return SpanContext{}, ErrInvalidTraceparent
	}
	return sc, nil
}

func newTraceID() oteltrace.TraceID {
	var id oteltrace.TraceID
	_, _ = rand.Read(id[:])
	return id
}

func newSpanID() oteltrace.SpanID {
	var id oteltrace.SpanID
	_, _ = rand.Read(id[:])
	return id
}

// ContextWithSpanContext attaches sc to ctx so downstream code can
// propagate it without threading it through every function signature.
func ContextWithSpanContext(ctx context.Context, sc SpanContext) context.Context {
	return oteltrace.ContextWithSpanContext(ctx, sc)
}

// SpanContextFromContext retrieves the SpanContext attached by
// ContextWithSpanContext or LoggingTracer.Start, if any.
func SpanContextFromContext(ctx context.Context) (SpanContext, bool) {
	sc := oteltrace.SpanContextFromContext(ctx)
	return sc, sc.IsValid()
}
