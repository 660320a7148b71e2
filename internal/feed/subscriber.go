package feed

import (
	"context"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

// Subscriber is a push-path consumer of the change feed — a WebSocket
// connection in production, a fake channel in tests.
type Subscriber interface {
	// ID returns a unique identifier for logging and metrics.
	ID() string

	// Send delivers a single change event. An error means the
	// subscriber is no longer usable and should be dropped.
	Send(event models.ServiceChangeEvent) error

	// Close releases the subscriber's underlying connection.
	Close() error

	// Context is cancelled when the subscriber disconnects.
	Context() context.Context
}
