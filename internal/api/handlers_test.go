package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/svcmesh/internal/balancer"
	"github.com/vitaliisemenov/svcmesh/internal/feed"
	"github.com/vitaliisemenov/svcmesh/internal/models"
	"github.com/vitaliisemenov/svcmesh/internal/store"
)

func newTestRouter(t *testing.T) (*mux.Router, store.Store) {
	t.Helper()
	st := store.NewMemoryStore(nil)
	f := feed.New(st, nil, nil)
	lb := balancer.New(balancer.PolicyRoundRobin, nil)

	cfg := DefaultRouterConfig(nil)
	cfg.Store = st
	cfg.Feed = f
	cfg.Balancer = lb
	cfg.EnableRateLimit = false

	return NewRouter(cfg), st
}

func TestRegister_Success(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(registerRequest{ServiceName: "orders", Host: "10.0.0.5", Port: 8080})
	req := httptest.NewRequest(http.MethodPost, "/api/registry/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.InstanceID)
}

func TestRegister_ValidationError(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(registerRequest{ServiceName: "orders"})
	req := httptest.NewRequest(http.MethodPost, "/api/registry/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_DefaultWeightAppliedWhenOmitted(t *testing.T) {
	router, st := newTestRouter(t)

	body, _ := json.Marshal(registerRequest{ServiceName: "orders", Host: "10.0.0.5", Port: 8080})
	req := httptest.NewRequest(http.MethodPost, "/api/registry/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	got, err := st.Get(req.Context(), resp.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Weight)
}

func TestRegister_ExplicitZeroWeightPreserved(t *testing.T) {
	router, st := newTestRouter(t)

	zero := 0
	body, _ := json.Marshal(registerRequest{ServiceName: "orders", Host: "10.0.0.5", Port: 8080, Weight: &zero})
	req := httptest.NewRequest(http.MethodPost, "/api/registry/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	got, err := st.Get(req.Context(), resp.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Weight)
}

func TestHeartbeat_WrongServiceNameIsNotFound(t *testing.T) {
	router, st := newTestRouter(t)

	body, _ := json.Marshal(registerRequest{ServiceName: "orders", Host: "10.0.0.5", Port: 8080})
	req := httptest.NewRequest(http.MethodPost, "/api/registry/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var resp registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	_ = st

	hbBody, _ := json.Marshal(heartbeatRequest{InstanceID: resp.InstanceID, ServiceName: "billing"})
	hbReq := httptest.NewRequest(http.MethodPost, "/api/registry/heartbeat", bytes.NewReader(hbBody))
	hbRec := httptest.NewRecorder()
	router.ServeHTTP(hbRec, hbReq)

	assert.Equal(t, http.StatusNotFound, hbRec.Code)
}

func TestHeartbeat_UnknownInstanceIsNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(heartbeatRequest{InstanceID: "does-not-exist"})
	req := httptest.NewRequest(http.MethodPost, "/api/registry/heartbeat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiscover_FiltersByHealthyOnly(t *testing.T) {
	router, st := newTestRouter(t)

	body, _ := json.Marshal(registerRequest{ServiceName: "orders", Host: "10.0.0.5", Port: 8080})
	req := httptest.NewRequest(http.MethodPost, "/api/registry/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var resp registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.NoError(t, st.SetHealth(req.Context(), resp.InstanceID, models.HealthUnhealthy))

	discoverReq := httptest.NewRequest(http.MethodGet, "/api/registry/discover/orders?healthyOnly=true", nil)
	discoverRec := httptest.NewRecorder()
	router.ServeHTTP(discoverRec, discoverReq)

	var discoverResp discoverResponse
	require.NoError(t, json.Unmarshal(discoverRec.Body.Bytes(), &discoverResp))
	assert.Empty(t, discoverResp.Instances)
}

func TestInstance_NoHealthyInstancesReturns503(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/registry/instance/orders", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServices_ListsRegisteredServiceNames(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(registerRequest{ServiceName: "orders", Host: "10.0.0.5", Port: 8080})
	req := httptest.NewRequest(http.MethodPost, "/api/registry/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	svcReq := httptest.NewRequest(http.MethodGet, "/api/registry/services", nil)
	svcRec := httptest.NewRecorder()
	router.ServeHTTP(svcRec, svcReq)

	var names []string
	require.NoError(t, json.Unmarshal(svcRec.Body.Bytes(), &names))
	assert.Equal(t, []string{"orders"}, names)
}

func TestChanges_ReturnsAddedAndRemoved(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(registerRequest{ServiceName: "orders", Host: "10.0.0.5", Port: 8080})
	req := httptest.NewRequest(http.MethodPost, "/api/registry/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var resp registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	deregReq := httptest.NewRequest(http.MethodPost, "/api/registry/deregister/"+resp.InstanceID, nil)
	deregRec := httptest.NewRecorder()
	router.ServeHTTP(deregRec, deregReq)
	require.Equal(t, http.StatusOK, deregRec.Code)

	changesReq := httptest.NewRequest(http.MethodGet, "/api/registry/changes?sinceVersion=0", nil)
	changesRec := httptest.NewRecorder()
	router.ServeHTTP(changesRec, changesReq)

	var changes changesResponse
	require.NoError(t, json.Unmarshal(changesRec.Body.Bytes(), &changes))
	assert.Len(t, changes.AddedOrUpdated, 1)
	assert.Len(t, changes.Removed, 1)
}

func TestHealthCheckHandler_ReportsStoreStatus(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
