// Package models holds the data types shared across the registry, discovery
// and proxy subsystems.
package models

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// HealthStatus is the health state of a registered instance.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
)

// DefaultWeight is assigned to instances that register without an explicit
// weight. Weight zero means "registered but never selected" and must be
// preserved verbatim, so only a missing (non-present) weight is defaulted.
const DefaultWeight = 100

// InstanceRecord is the canonical representation of a single service instance
// as tracked by the Instance Store.
type InstanceRecord struct {
	ID              string            `json:"id"`
	Service         string            `json:"service"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	VersionTag      string            `json:"versionTag,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	HealthCheckURL  string            `json:"healthCheckUrl,omitempty"`
	Weight          int               `json:"weight"`
	Health          HealthStatus      `json:"health"`
	Version         int64             `json:"version"`
	RegisteredAt    time.Time         `json:"registeredAt"`
	LastHeartbeat   time.Time         `json:"lastHeartbeat"`
}

// NewInstanceID generates a new opaque instance identifier.
func NewInstanceID() string {
	return uuid.New().String()
}

// Address returns the host:port dial target for this instance.
func (r InstanceRecord) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// HealthCheckTarget returns the URL the Health Reaper should probe: the
// explicit HealthCheckURL if the instance advertised one, otherwise the
// conventional http://{host}:{port}/health.
func (r InstanceRecord) HealthCheckTarget() string {
	if r.HealthCheckURL != "" {
		return r.HealthCheckURL
	}
	return "http://" + r.Address() + "/health"
}

// Selectable reports whether a load balancer may ever pick this instance.
// A zero weight means "registered but do not select" regardless of health.
func (r InstanceRecord) Selectable() bool {
	return r.Weight > 0 && r.Health == HealthHealthy
}

// Clone returns a deep copy of the record, safe to hand to callers outside
// the store's lock.
func (r InstanceRecord) Clone() InstanceRecord {
	c := r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
