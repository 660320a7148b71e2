package agent

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthCheckResponse is the body served by the optional default health
// check endpoint (§6, `enableDefaultHealthCheck`).
type HealthCheckResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthCheckHandler returns a handler for the host application's default
// health check path. checks is evaluated fresh on every request, so callers
// can thread in live store/dependency probes.
func (a *Agent) HealthCheckHandler(checks func() map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		service := a.identity.serviceName
		a.mu.Unlock()

		var checkResults map[string]string
		status := "ok"
		if checks != nil {
			checkResults = checks()
			for _, v := range checkResults {
				if v != "ok" {
					status = "degraded"
				}
			}
		}

		resp := HealthCheckResponse{
			Status:    status,
			Service:   service,
			Timestamp: time.Now().UTC(),
			Checks:    checkResults,
		}

		w.Header().Set("Content-Type", "application/json")
		if status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
