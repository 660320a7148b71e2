package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apierrors "github.com/vitaliisemenov/svcmesh/internal/api/errors"
	"github.com/vitaliisemenov/svcmesh/internal/api/middleware"
	"github.com/vitaliisemenov/svcmesh/internal/balancer"
	"github.com/vitaliisemenov/svcmesh/internal/feed"
	"github.com/vitaliisemenov/svcmesh/internal/models"
	"github.com/vitaliisemenov/svcmesh/internal/store"
)

// RegistryHandlers implements the Registry API (C4) HTTP surface from §6:
// register, deregister, heartbeat, discover, instance, services, instances,
// changes, and the /ws/registry push endpoint.
type RegistryHandlers struct {
	store    store.Store
	feed     *feed.Feed
	balancer *balancer.Balancer
	logger   *slog.Logger
}

// NewRegistryHandlers builds the handler set. balancer is used only by
// Pick (the server-side "just give me one instance" convenience the spec
// names in §4.4); may be nil if that endpoint is not exposed.
func NewRegistryHandlers(st store.Store, f *feed.Feed, lb *balancer.Balancer, logger *slog.Logger) *RegistryHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistryHandlers{store: st, feed: f, balancer: lb, logger: logger.With("component", "registry_api")}
}

type registerRequest struct {
	ServiceName    string            `json:"serviceName" validate:"required,min=1,max=128"`
	Host           string            `json:"host" validate:"required,max=255"`
	Port           int               `json:"port" validate:"required,min=1,max=65535"`
	Version        string            `json:"version" validate:"max=64"`
	Metadata       map[string]string `json:"metadata"`
	HealthCheckURL string            `json:"healthCheckUrl" validate:"omitempty,url"`
	// Weight is a pointer so a request that omits the field gets
	// models.DefaultWeight while an explicit 0 ("never select me") is
	// preserved verbatim.
	Weight *int `json:"weight" validate:"omitempty,min=0,max=1000"`
}

type registerResponse struct {
	Success    bool   `json:"success"`
	InstanceID string `json:"instanceId,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Register handles POST /api/registry/register.
func (h *RegistryHandlers) Register(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.WriteError(w, apierrors.ValidationError("invalid JSON body: "+err.Error()).WithRequestID(requestID))
		return
	}

	if err := middleware.ValidateStruct(req); err != nil {
		apierrors.WriteError(w, apierrors.ValidationError("invalid register request").
			WithDetails(middleware.FormatValidationErrors(err)).WithRequestID(requestID))
		return
	}

	weight := models.DefaultWeight
	if req.Weight != nil {
		weight = *req.Weight
	}

	rec, err := h.store.Register(r.Context(), models.InstanceRecord{
		Service:        req.ServiceName,
		Host:           req.Host,
		Port:           req.Port,
		VersionTag:     req.Version,
		Metadata:       req.Metadata,
		HealthCheckURL: req.HealthCheckURL,
		Weight:         weight,
		Health:         models.HealthHealthy,
	})
	if err != nil {
		h.writeStoreError(w, requestID, err, "")
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{Success: true, InstanceID: rec.ID})
}

// Deregister handles POST /api/registry/deregister/{instanceId}.
func (h *RegistryHandlers) Deregister(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	instanceID := mux.Vars(r)["instanceId"]

	if err := h.store.Deregister(r.Context(), instanceID); err != nil {
		h.writeStoreError(w, requestID, err, instanceID)
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{Success: true})
}

type heartbeatRequest struct {
	InstanceID  string `json:"instanceId" validate:"required"`
	ServiceName string `json:"serviceName"`
}

type heartbeatResponse struct {
	Success bool `json:"success"`
}

// Heartbeat handles POST /api/registry/heartbeat. Per §4.4, an instance id
// that is absent OR whose stored service name differs from the request is
// reported not-found, preventing one service's heartbeat from reviving
// another service's id.
func (h *RegistryHandlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.WriteError(w, apierrors.ValidationError("invalid JSON body: "+err.Error()).WithRequestID(requestID))
		return
	}
	if err := middleware.ValidateStruct(req); err != nil {
		apierrors.WriteError(w, apierrors.ValidationError("invalid heartbeat request").
			WithDetails(middleware.FormatValidationErrors(err)).WithRequestID(requestID))
		return
	}

	if req.ServiceName != "" {
		existing, err := h.store.Get(r.Context(), req.InstanceID)
		if err != nil {
			h.writeStoreError(w, requestID, err, req.InstanceID)
			return
		}
		if existing.Service != req.ServiceName {
			apierrors.WriteError(w, apierrors.NotFoundError("instance").WithRequestID(requestID))
			return
		}
	}

	if _, err := h.store.Heartbeat(r.Context(), req.InstanceID); err != nil {
		h.writeStoreError(w, requestID, err, req.InstanceID)
		return
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{Success: true})
}

type discoverResponse struct {
	ServiceName string                  `json:"serviceName"`
	Instances   []models.InstanceRecord `json:"instances"`
}

// Discover handles GET /api/registry/discover/{serviceName}.
func (h *RegistryHandlers) Discover(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	serviceName := mux.Vars(r)["serviceName"]

	all, err := h.store.ListByService(r.Context(), serviceName)
	if err != nil {
		h.writeStoreError(w, requestID, err, "")
		return
	}

	filtered := filterInstances(all, r.URL.Query())
	writeJSON(w, http.StatusOK, discoverResponse{ServiceName: serviceName, Instances: filtered})
}

// Instance handles GET /api/registry/instance/{serviceName}: a single
// server-side pick via C7, matching §4.4's `pick` operation.
func (h *RegistryHandlers) Instance(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	serviceName := mux.Vars(r)["serviceName"]

	all, err := h.store.ListByService(r.Context(), serviceName)
	if err != nil {
		h.writeStoreError(w, requestID, err, "")
		return
	}

	filtered := filterInstances(all, r.URL.Query())
	if h.balancer == nil {
		apierrors.WriteError(w, apierrors.InternalError("no load balancer configured").WithRequestID(requestID))
		return
	}

	selectable := make([]models.InstanceRecord, 0, len(filtered))
	for _, rec := range filtered {
		if rec.Selectable() {
			selectable = append(selectable, rec)
		}
	}

	picked, ok := h.balancer.Pick(serviceName, selectable)
	if !ok {
		apierrors.WriteError(w, apierrors.NoHealthyInstancesError(serviceName).WithRequestID(requestID))
		return
	}

	writeJSON(w, http.StatusOK, picked)
}

// Services handles GET /api/registry/services.
func (h *RegistryHandlers) Services(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	names, err := h.store.ListServices(r.Context())
	if err != nil {
		h.writeStoreError(w, requestID, err, "")
		return
	}

	writeJSON(w, http.StatusOK, names)
}

// Instances handles GET /api/registry/instances: the unfiltered
// `list_all` operation.
func (h *RegistryHandlers) Instances(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	names, err := h.store.ListServices(r.Context())
	if err != nil {
		h.writeStoreError(w, requestID, err, "")
		return
	}

	all := make([]models.InstanceRecord, 0)
	for _, name := range names {
		recs, err := h.store.ListByService(r.Context(), name)
		if err != nil {
			h.writeStoreError(w, requestID, err, "")
			return
		}
		all = append(all, recs...)
	}

	writeJSON(w, http.StatusOK, all)
}

type changesResponse struct {
	Version        int64                   `json:"version"`
	AddedOrUpdated []models.InstanceRecord `json:"addedOrUpdated"`
	Removed        []string                `json:"removed"`
}

// Changes handles GET /api/registry/changes: the pull half of the Change
// Feed, exposed over HTTP for Discovery Caches that poll instead of (or in
// addition to) subscribing over /ws/registry.
func (h *RegistryHandlers) Changes(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	since, err := parseInt64Query(r.URL.Query(), "sinceVersion", 0)
	if err != nil {
		apierrors.WriteError(w, apierrors.ValidationError("sinceVersion must be an integer").WithRequestID(requestID))
		return
	}

	changes, current, err := h.feed.PullSince(r.Context(), since)
	if err != nil {
		h.writeStoreError(w, requestID, err, "")
		return
	}

	added := make([]models.InstanceRecord, 0, len(changes))
	removed := make([]string, 0)
	for _, ev := range changes {
		if ev.Type == models.ChangeDeregistered || ev.Type == models.ChangeExpired {
			removed = append(removed, ev.Instance.ID)
			continue
		}
		added = append(added, ev.Instance)
	}

	writeJSON(w, http.StatusOK, changesResponse{Version: current, AddedOrUpdated: added, Removed: removed})
}

// WatchChanges handles WS /ws/registry.
func (h *RegistryHandlers) WatchChanges(w http.ResponseWriter, r *http.Request) {
	h.feed.ServeWS(w, r)
}

func (h *RegistryHandlers) writeStoreError(w http.ResponseWriter, requestID string, err error, instanceID string) {
	if errors.Is(err, models.ErrInstanceNotFound) {
		apierrors.WriteError(w, apierrors.NotFoundError("instance").WithRequestID(requestID))
		return
	}
	h.logger.Error("registry store operation failed", "error", err, "instance_id", instanceID)
	apierrors.WriteError(w, apierrors.StoreUnavailableError().WithRequestID(requestID))
}

func filterInstances(all []models.InstanceRecord, q map[string][]string) []models.InstanceRecord {
	version := first(q, "version")
	healthyOnly := first(q, "healthyOnly") == "true"

	filtered := make([]models.InstanceRecord, 0, len(all))
	for _, rec := range all {
		if version != "" && rec.VersionTag != version {
			continue
		}
		if healthyOnly && rec.Health != models.HealthHealthy {
			continue
		}
		filtered = append(filtered, rec)
	}
	return filtered
}

func first(q map[string][]string, key string) string {
	if vs, ok := q[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func parseInt64Query(q map[string][]string, key string, def int64) (int64, error) {
	v := first(q, key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// decodeJSON decodes the request body into dst. Per §6, unknown JSON
// properties are ignored rather than rejected, so this deliberately does
// not call DisallowUnknownFields.
func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
