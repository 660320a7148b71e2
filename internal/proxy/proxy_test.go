package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

type fakeDiscoverer struct {
	byService map[string][]models.InstanceRecord
}

func (f *fakeDiscoverer) SelectableInstances(service string) []models.InstanceRecord {
	return f.byService[service]
}

type fakePicker struct {
	pick models.InstanceRecord
	ok   bool
}

func (f *fakePicker) Pick(service string, candidates []models.InstanceRecord) (models.InstanceRecord, bool) {
	if !f.ok {
		return models.InstanceRecord{}, false
	}
	return f.pick, true
}

func TestHandler_ExtractRoute(t *testing.T) {
	h := New(Config{PathPrefixes: []string{"svc"}}, nil, nil, nil, nil)

	service, subpath, ok := h.extractRoute("/svc/orders/v1/items")
	require.True(t, ok)
	assert.Equal(t, "orders", service)
	assert.Equal(t, "/v1/items", subpath)

	service, subpath, ok = h.extractRoute("/svc/orders")
	require.True(t, ok)
	assert.Equal(t, "orders", service)
	assert.Equal(t, "/", subpath)

	_, _, ok = h.extractRoute("/unknown/orders")
	assert.False(t, ok)

	_, _, ok = h.extractRoute("/svc")
	assert.False(t, ok)
}

func TestHandler_NoHealthyInstancesReturns503(t *testing.T) {
	h := New(DefaultConfig(), &fakeDiscoverer{}, &fakePicker{ok: false}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/svc/orders/anything", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body proxyErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NO_HEALTHY_INSTANCES", body.Error)
	assert.Equal(t, "orders", body.Service)
}

func TestHandler_ForwardsToUpstreamAndStripsHopByHop(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/items", r.URL.Path)
		w.Header().Set("Connection", "close")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	host, port := splitHostPort(t, upstream.URL)
	instance := models.InstanceRecord{ID: "i1", Service: "orders", Host: host, Port: port, Health: models.HealthHealthy, Weight: 100}

	h := New(DefaultConfig(), &fakeDiscoverer{}, &fakePicker{pick: instance, ok: true}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/svc/orders/v1/items", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Empty(t, rec.Header().Get("Connection"))
}

func TestHandler_CircuitOpenShortCircuits(t *testing.T) {
	instance := models.InstanceRecord{ID: "i1", Service: "orders", Host: "127.0.0.1", Port: 1, Health: models.HealthHealthy, Weight: 100}
	h := New(DefaultConfig(), &fakeDiscoverer{}, &fakePicker{pick: instance, ok: true}, nil, nil)

	br := h.breakers.get(instance.Address())
	for i := 0; i < defaultFailureThreshold; i++ {
		br.recordFailure()
	}

	req := httptest.NewRequest(http.MethodGet, "/svc/orders/v1/items", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body proxyErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CIRCUIT_OPEN", body.Error)
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	trimmed := strings.TrimPrefix(rawURL, "http://")
	parts := strings.SplitN(trimmed, ":", 2)
	require.Len(t, parts, 2)
	port := 0
	for _, c := range parts[1] {
		port = port*10 + int(c-'0')
	}
	return parts[0], port
}
