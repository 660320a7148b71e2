// Package proxy implements the Dynamic Reverse Proxy (C8): a single HTTP
// handler that extracts a target service from the request path, resolves
// an instance via the Discovery Cache and Load Balancer, and forwards the
// request under a per-destination circuit breaker and deadline.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	apierrors "github.com/vitaliisemenov/svcmesh/internal/api/errors"
	"github.com/vitaliisemenov/svcmesh/internal/balancer"
	"github.com/vitaliisemenov/svcmesh/internal/models"
	"github.com/vitaliisemenov/svcmesh/internal/trace"
)

// copyBufferSize is the streaming copy buffer used for both the request and
// response bodies (§4.8 step 3).
const copyBufferSize = 64 << 10

// Discoverer is the subset of the Discovery Cache the proxy needs.
type Discoverer interface {
	SelectableInstances(service string) []models.InstanceRecord
}

// Picker is the subset of the Load Balancer the proxy needs.
type Picker interface {
	Pick(service string, candidates []models.InstanceRecord) (models.InstanceRecord, bool)
}

// Config controls route parsing.
type Config struct {
	// PathPrefixes are the accepted first path segments identifying a
	// proxied request, matched case-insensitively (default "svc", "api",
	// "gateway").
	PathPrefixes []string
}

// DefaultConfig returns the spec default prefixes.
func DefaultConfig() Config {
	return Config{PathPrefixes: []string{"svc", "api", "gateway"}}
}

// Handler is the Dynamic Proxy's http.Handler.
type Handler struct {
	cfg        Config
	prefixes   map[string]struct{}
	discoverer Discoverer
	balancer   Picker
	tracer     trace.Tracer
	inFlight   *inFlightTracker
	breakers   *breakerRegistry
	logger     *slog.Logger

	generalTransport      http.RoundTripper
	largeTransferTransport http.RoundTripper
}

// New builds a Handler. discoverer and balancer are typically
// *discovery.Cache and *balancer.Balancer respectively.
func New(cfg Config, discoverer Discoverer, lb Picker, tracer trace.Tracer, logger *slog.Logger) *Handler {
	if len(cfg.PathPrefixes) == 0 {
		cfg = DefaultConfig()
	}
	if tracer == nil {
		tracer = trace.NewLoggingTracer(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}

	prefixes := make(map[string]struct{}, len(cfg.PathPrefixes))
	for _, p := range cfg.PathPrefixes {
		prefixes[strings.ToLower(p)] = struct{}{}
	}

	return &Handler{
		cfg:                    cfg,
		prefixes:               prefixes,
		discoverer:             discoverer,
		balancer:               lb,
		tracer:                 tracer,
		inFlight:               newInFlightTracker(),
		breakers:               newBreakerRegistry(),
		logger:                 logger.With("component", "proxy"),
		generalTransport:       newGeneralTransport(),
		largeTransferTransport: newLargeTransferTransport(),
	}
}

// InFlight exposes the proxy's per-instance outstanding-request counter so
// it can be handed to a balancer.New call using PolicyLeastInFlight.
func (h *Handler) InFlight() balancer.InFlightCounter { return h.inFlight }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service, subpath, ok := h.extractRoute(r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no service segment in request path", "")
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(trace.String("service", service)))
	defer span.End()

	candidates := h.discoverer.SelectableInstances(service)
	instance, ok := h.balancer.Pick(service, candidates)
	if !ok {
		span.SetStatus(trace.StatusCodeError, "no healthy instances")
		writeJSONError(w, http.StatusServiceUnavailable, string(apierrors.CodeNoHealthyInstances),
			"no healthy instances available", service)
		return
	}

	destination := instance.Address()
	br := h.breakers.get(destination)
	admitted, _ := br.allow()
	if !admitted {
		span.SetStatus(trace.StatusCodeError, "circuit open")
		writeJSONError(w, http.StatusServiceUnavailable, string(apierrors.CodeCircuitOpen),
			"circuit breaker open for destination", service)
		return
	}

	end := h.inFlight.Begin(instance.ID)
	defer end()

	status, err := h.forward(ctx, w, r, instance, subpath)
	if err != nil {
		span.RecordError(err)
	}

	switch {
	case err == nil && status > 0 && status < 500:
		br.recordSuccess()
	case err != nil && isTimeout(err):
		br.recordFailure()
	default:
		br.recordFailure()
	}
}

// extractRoute splits {prefix}/{serviceName}/{subpath...} from the request
// path, matching prefix case-insensitively against the configured set.
func (h *Handler) extractRoute(path string) (service, subpath string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	segments := strings.SplitN(trimmed, "/", 3)
	if len(segments) < 2 {
		return "", "", false
	}
	if _, known := h.prefixes[strings.ToLower(segments[0])]; !known {
		return "", "", false
	}
	service = segments[1]
	if service == "" {
		return "", "", false
	}
	if len(segments) == 3 {
		subpath = "/" + segments[2]
	} else {
		subpath = "/"
	}
	return service, subpath, true
}

// forward builds and dispatches the upstream request, streaming the
// response headers-first and the body via a fixed-size copy buffer
// (§4.8 steps 3-5). It returns the upstream status code, or an error if
// the call never reached a response.
func (h *Handler) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, instance models.InstanceRecord, subpath string) (int, error) {
	upstreamURL := "http://" + instance.Address() + subpath
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	deadline := deadlineFor(r.ContentLength)
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, r.Method, upstreamURL, r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, string(apierrors.CodeUpstreamUnavailable), err.Error(), instance.Service)
		return 0, err
	}
	req.ContentLength = r.ContentLength
	req.Header = r.Header.Clone()
	stripHopByHopHeaders(req.Header)

	if sc, ok := trace.SpanContextFromContext(ctx); ok {
		req.Header.Set("traceparent", trace.EncodeTraceparent(sc))
	}

	transport := h.generalTransport
	if isLargeTransfer(r.ContentLength) {
		transport = h.largeTransferTransport
	}

	resp, err := transport.RoundTrip(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			writeJSONError(w, http.StatusGatewayTimeout, string(apierrors.CodeUpstreamTimeout), "upstream timed out", instance.Service)
		} else {
			writeJSONError(w, http.StatusServiceUnavailable, string(apierrors.CodeUpstreamUnavailable), err.Error(), instance.Service)
		}
		return 0, err
	}
	defer resp.Body.Close()

	outHeader := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			outHeader.Add(k, v)
		}
	}
	stripHopByHopHeaders(outHeader)
	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, copyBufferSize)
	if _, copyErr := io.CopyBuffer(w, resp.Body, buf); copyErr != nil {
		h.logger.Warn("response body copy interrupted", "service", instance.Service, "error", copyErr)
	}

	return resp.StatusCode, nil
}

func isTimeout(err error) bool {
	if ne, ok := err.(net.Error); ok {
		return ne.Timeout()
	}
	return err == context.DeadlineExceeded
}

type proxyErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Service string `json:"service,omitempty"`
}

// writeJSONError writes the {error, message, service} body required by
// §4.8 step 2's failure contract.
func writeJSONError(w http.ResponseWriter, status int, code, message, service string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(proxyErrorBody{Error: code, Message: message, Service: service})
}
