// Package api wires the Registry API (C4) HTTP surface: register,
// deregister, heartbeat, discover, instance, services, instances, changes,
// plus the /ws/registry push endpoint, behind a middleware stack (request
// id, logging, security headers, metrics, CORS, compression, rate
// limiting).
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vitaliisemenov/svcmesh/internal/api/middleware"
	"github.com/vitaliisemenov/svcmesh/internal/balancer"
	"github.com/vitaliisemenov/svcmesh/internal/feed"
	"github.com/vitaliisemenov/svcmesh/internal/store"
)

// RouterConfig holds router configuration for the Registry API.
type RouterConfig struct {
	EnableRateLimit   bool
	EnableCompression bool
	EnableCORS        bool
	EnableMetrics     bool

	// EnableAuth gates register/deregister behind operator role and the
	// forced-eviction endpoint behind admin; the eviction endpoint is
	// registered either way and is ungated when this is false. AuthAPIKeys maps the API
	// keys callers present to the *middleware.User (and role) they
	// authenticate as. Leaving this false skips auth entirely, matching
	// a local/dev deployment with no keys configured.
	EnableAuth   bool
	AuthAPIKeys  map[string]*middleware.User

	RateLimitPerMinute int
	RateLimitBurst     int

	CORSConfig middleware.CORSConfig

	Logger *slog.Logger

	Store    store.Store
	Feed     *feed.Feed
	Balancer *balancer.Balancer
}

// DefaultRouterConfig returns default router configuration.
func DefaultRouterConfig(logger *slog.Logger) RouterConfig {
	return RouterConfig{
		EnableRateLimit:    true,
		EnableCompression:  true,
		EnableCORS:         true,
		EnableMetrics:      true,
		RateLimitPerMinute: 600,
		RateLimitBurst:     100,
		CORSConfig:         middleware.DefaultCORSConfig(),
		Logger:             logger,
	}
}

// NewRouter builds the Registry API router.
//
// The middleware stack is applied in order:
//  1. RequestID (always)
//  2. Logging (always)
//  3. SecurityHeaders (always)
//  4. Metrics (if enabled)
//  5. CORS (if enabled)
//  6. Compression (if enabled)
//  7. ValidationMiddleware on all /api/registry routes (always)
//  8. RateLimit on all /api/registry routes, reads included (if enabled)
//  9. Auth + role check on register/deregister/evict (if enabled)
func NewRouter(config RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(config.Logger))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.DefaultSecurityHeadersConfig()))

	if config.EnableMetrics {
		router.Use(middleware.MetricsMiddleware)
	}
	if config.EnableCORS {
		router.Use(middleware.CORSMiddleware(config.CORSConfig))
	}
	if config.EnableCompression {
		router.Use(middleware.CompressionMiddleware)
	}

	router.HandleFunc("/health", HealthCheckHandler(config.Store, config.Logger)).Methods(http.MethodGet)

	h := NewRegistryHandlers(config.Store, config.Feed, config.Balancer, config.Logger)

	registry := router.PathPrefix("/api/registry").Subrouter()
	registry.Use(middleware.ValidationMiddleware)
	if config.EnableRateLimit {
		registry.Use(middleware.RateLimitMiddleware(config.RateLimitPerMinute, config.RateLimitBurst))
	}

	// Mutation endpoints: register/deregister require the operator role,
	// forced eviction requires admin, when auth is configured. Heartbeat
	// is left ungated: it's the Agent's steady-state traffic, not an
	// access-controlled operation.
	mutate := registry.PathPrefix("").Subrouter()
	mutate.HandleFunc("/register", h.Register).Methods(http.MethodPost)
	mutate.HandleFunc("/deregister/{instanceId}", h.Deregister).Methods(http.MethodPost)
	if config.EnableAuth {
		mutate.Use(middleware.AuthMiddleware(middleware.AuthConfig{APIKeys: config.AuthAPIKeys}))
		mutate.Use(middleware.OperatorMiddleware)
	}

	registry.HandleFunc("/heartbeat", h.Heartbeat).Methods(http.MethodPost)

	evict := registry.PathPrefix("").Subrouter()
	evict.HandleFunc("/evict/{instanceId}", h.Deregister).Methods(http.MethodPost)
	if config.EnableAuth {
		evict.Use(middleware.AuthMiddleware(middleware.AuthConfig{APIKeys: config.AuthAPIKeys}))
		evict.Use(middleware.AdminMiddleware)
	}

	registry.HandleFunc("/discover/{serviceName}", h.Discover).Methods(http.MethodGet)
	registry.HandleFunc("/instance/{serviceName}", h.Instance).Methods(http.MethodGet)
	registry.HandleFunc("/services", h.Services).Methods(http.MethodGet)
	registry.HandleFunc("/instances", h.Instances).Methods(http.MethodGet)
	registry.HandleFunc("/changes", h.Changes).Methods(http.MethodGet)

	if config.Feed != nil {
		router.HandleFunc("/ws/registry", h.WatchChanges)
	}

	return router
}

// HealthCheckHandler returns overall registry process health: up, and
// (best-effort) able to reach its Instance Store.
func HealthCheckHandler(st store.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		storeStatus := "healthy"

		if st != nil {
			if _, err := st.ListServices(r.Context()); err != nil {
				storeStatus = "unhealthy"
				status = "degraded"
			}
		}

		response := map[string]interface{}{
			"status": status,
			"checks": map[string]string{
				"store": storeStatus,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		if status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		if err := json.NewEncoder(w).Encode(response); err != nil && logger != nil {
			logger.Error("failed to encode health response", "error", err)
		}
	}
}