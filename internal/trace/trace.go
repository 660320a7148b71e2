// Package trace provides the proxy's request tracing: a small
// Tracer/Span interface backed by structured logging, built directly on
// go.opentelemetry.io/otel/trace's SpanContext/TraceID/SpanID types and
// its standard W3C TraceContext propagator, so spans correlate across
// the mesh even where no OTel collector is deployed and a real exporter
// can be dropped in behind the same Tracer interface later.
package trace

import (
	"context"
	"log/slog"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// SpanContext identifies a span's position in a trace. It is the
// standard OpenTelemetry type, not a reimplementation.
type SpanContext = oteltrace.SpanContext

// Tracer starts spans.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)
}

// Span records attributes and timing for one traced operation.
type Span interface {
	End()
	SetAttributes(attrs ...Attribute)
	SetStatus(code StatusCode, description string)
	RecordError(err error)
	SpanContext() SpanContext
}

// SpanOption configures a span at creation time.
type SpanOption func(*spanConfig)

type spanConfig struct {
	kind       SpanKind
	attributes []Attribute
	parent     *SpanContext
}

// SpanKind classifies a span's role in a request.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

// StatusCode records span outcome.
type StatusCode int

const (
	StatusCodeOK StatusCode = iota
	StatusCodeError
)

// Attribute is a span metadata key-value pair.
type Attribute struct {
	Key   string
	Value any
}

func String(key, value string) Attribute     { return Attribute{Key: key, Value: value} }
func Int(key string, value int) Attribute    { return Attribute{Key: key, Value: value} }
func Bool(key string, value bool) Attribute  { return Attribute{Key: key, Value: value} }

// WithSpanKind sets the span's kind.
func WithSpanKind(kind SpanKind) SpanOption {
	return func(cfg *spanConfig) { cfg.kind = kind }
}

// WithAttributes seeds initial attributes.
func WithAttributes(attrs ...Attribute) SpanOption {
	return func(cfg *spanConfig) { cfg.attributes = append(cfg.attributes, attrs...) }
}

// WithParent continues an existing trace, typically decoded from an
// inbound traceparent header via ParseTraceparent.
func WithParent(parent SpanContext) SpanOption {
	return func(cfg *spanConfig) { cfg.parent = &parent }
}

// LoggingTracer emits span end, error status and recorded errors as
// structured log lines; Start itself logs nothing. It
// carries no sampling or export logic; a real exporter (otlptrace,
// stdouttrace) can be wired in later behind the same Tracer interface
// without touching callers.
type LoggingTracer struct {
	logger *slog.Logger
}

// NewLoggingTracer builds a LoggingTracer. If logger is nil, slog's
// default logger is used.
func NewLoggingTracer(logger *slog.Logger) *LoggingTracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingTracer{logger: logger}
}

func (t *LoggingTracer) Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	cfg := &spanConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	traceID := newTraceID()
	if cfg.parent != nil && cfg.parent.HasTraceID() {
		traceID = cfg.parent.TraceID()
	}

	sc := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     newSpanID(),
		TraceFlags: oteltrace.FlagsSampled,
	})

	span := &loggingSpan{
		name:       name,
		attributes: cfg.attributes,
		logger:     t.logger,
		startTime:  time.Now(),
		sc:         sc,
	}
	return oteltrace.ContextWithSpanContext(ctx, sc), span
}

type loggingSpan struct {
	name       string
	attributes []Attribute
	logger     *slog.Logger
	startTime  time.Time
	sc         SpanContext
}

func (s *loggingSpan) End() {
	s.logger.Debug("span ended", "name", s.name, "trace_id", s.sc.TraceID().String(), "span_id", s.sc.SpanID().String(), "duration", time.Since(s.startTime))
}

func (s *loggingSpan) SetAttributes(attrs ...Attribute) {
	s.attributes = append(s.attributes, attrs...)
}

func (s *loggingSpan) SetStatus(code StatusCode, description string) {
	if code == StatusCodeError {
		s.logger.Warn("span error status", "name", s.name, "trace_id", s.sc.TraceID().String(), "description", description)
	}
}

func (s *loggingSpan) RecordError(err error) {
	s.logger.Error("span error", "name", s.name, "trace_id", s.sc.TraceID().String(), "error", err)
}

func (s *loggingSpan) SpanContext() SpanContext { return s.sc }
