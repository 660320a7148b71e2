package reaper

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

// HTTPProber probes an instance by issuing GET against its health check
// target: the instance's explicit HealthCheckURL, or the conventional
// http://{host}:{port}/health when absent (§4.1, §4.2).
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber builds a prober with the given per-call timeout (default
// 5s, matching T_probe's deadline).
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, instance models.InstanceRecord) error {
	url := instance.HealthCheckTarget()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe %s: unhealthy status %d", url, resp.StatusCode)
	}
	return nil
}
