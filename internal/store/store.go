// Package store implements the Instance Store (C1): the source of truth for
// service instance records, their health state and a monotonically
// versioned change log that the Change Feed (internal/feed) pulls and pushes
// from.
package store

import (
	"context"
	"time"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

// Store is the Instance Store contract. Implementations must guarantee that
// every mutation assigns a version strictly greater than any version
// previously observed by a caller of ChangesSince, so that
// "last writer by version wins" reconciliation in downstream caches is safe.
type Store interface {
	// Register creates or replaces an instance record. If rec.ID is empty a
	// new ID is assigned. Returns the stored record with its assigned
	// version and timestamps populated.
	Register(ctx context.Context, rec models.InstanceRecord) (models.InstanceRecord, error)

	// Heartbeat renews the TTL on an existing instance and marks it
	// healthy, returning models.ErrInstanceNotFound if the instance has
	// already expired or was never registered.
	Heartbeat(ctx context.Context, id string) (models.InstanceRecord, error)

	// Deregister removes an instance immediately.
	Deregister(ctx context.Context, id string) error

	// SetHealth updates the health state of an instance, recording a
	// health_changed event if the state actually transitions.
	SetHealth(ctx context.Context, id string, health models.HealthStatus) error

	// Get returns a single instance by ID.
	Get(ctx context.Context, id string) (models.InstanceRecord, error)

	// ListByService returns all instances currently registered for a
	// service name, healthy or not.
	ListByService(ctx context.Context, service string) ([]models.InstanceRecord, error)

	// ListServices returns the distinct set of known service names.
	ListServices(ctx context.Context) ([]string, error)

	// CurrentVersion returns the latest version assigned by this store.
	CurrentVersion(ctx context.Context) (int64, error)

	// ChangesSince returns all events with version > since, ordered by
	// version ascending. Used by the Change Feed's pull surface.
	ChangesSince(ctx context.Context, since int64) ([]models.ServiceChangeEvent, error)

	// Subscribe returns a channel of events as they are produced and an
	// unsubscribe function. Used by the Change Feed's push surface. The
	// channel is closed after unsubscribe is called.
	Subscribe(ctx context.Context) (<-chan models.ServiceChangeEvent, func(), error)
}

// ExpireStaleBefore removes instances whose LastHeartbeat is older than the
// given cutoff (the T_evict stage). Exposed separately from Store because
// only the Health Reaper (C2) calls it; not every Store-consuming component
// needs this authority.
type Reapable interface {
	ExpireStaleBefore(ctx context.Context, cutoff time.Time) ([]models.InstanceRecord, error)
}

// StaleLister exposes the T_miss stage: instances that are still Healthy
// but whose heartbeat has gone quiet long enough that the reaper should
// demote them, short of the harder T_evict removal.
type StaleLister interface {
	ListStale(ctx context.Context, threshold time.Time) ([]models.InstanceRecord, error)
}
