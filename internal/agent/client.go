package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

// RegistryAPI is the subset of the Registry HTTP API (§6) the Agent drives.
type RegistryAPI interface {
	Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error)
	Deregister(ctx context.Context, instanceID string) error
	Heartbeat(ctx context.Context, instanceID, serviceName string) error
}

// RegisterRequest mirrors POST /api/registry/register's body.
type RegisterRequest struct {
	ServiceName    string            `json:"serviceName"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Version        string            `json:"version,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	HealthCheckURL string            `json:"healthCheckUrl,omitempty"`
	Weight         *int              `json:"weight,omitempty"`
}

// RegisterResponse mirrors the register endpoint's response.
type RegisterResponse struct {
	Success    bool   `json:"success"`
	InstanceID string `json:"instanceId"`
	Message    string `json:"message"`
}

// HTTPClient is the production RegistryAPI implementation.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds an HTTPClient against baseURL, e.g.
// http://localhost:5000.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, http: httpClient}
}

func (c *HTTPClient) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var out RegisterResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/registry/register", req, &out)
	return out, err
}

func (c *HTTPClient) Deregister(ctx context.Context, instanceID string) error {
	path := fmt.Sprintf("/api/registry/deregister/%s", instanceID)
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) Heartbeat(ctx context.Context, instanceID, serviceName string) error {
	body := struct {
		InstanceID  string `json:"instanceId"`
		ServiceName string `json:"serviceName"`
	}{instanceID, serviceName}

	var out struct {
		Success bool `json:"success"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/registry/heartbeat", body, &out); err != nil {
		return err
	}
	if !out.Success {
		return models.ErrInstanceNotFound
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.ErrInstanceNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("registry request to %s failed: status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
