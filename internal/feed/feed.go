// Package feed implements the Change Feed (C3): a pull surface over the
// instance store's version-ordered change log, plus a best-effort
// WebSocket push hub for clients that want low-latency updates instead
// of polling.
package feed

import (
	"context"
	"log/slog"

	"github.com/vitaliisemenov/svcmesh/internal/models"
	"github.com/vitaliisemenov/svcmesh/internal/store"
)

// Feed is a thin façade over store.Store's version-ordered change log,
// adding the push hub lifecycle on top.
type Feed struct {
	store  store.Store
	hub    *Hub
	logger *slog.Logger
}

// New builds a Feed backed by st. If metrics is nil, the hub records no
// Prometheus metrics.
func New(st store.Store, metrics *Metrics, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "change_feed")
	return &Feed{
		store:  st,
		hub:    NewHub(logger, metrics),
		logger: logger,
	}
}

// PullSince returns every change strictly newer than since, along with
// the store's current version so callers can checkpoint their next
// poll. This is the pull half of the Change Feed contract.
func (f *Feed) PullSince(ctx context.Context, since int64) ([]models.ServiceChangeEvent, int64, error) {
	changes, err := f.store.ChangesSince(ctx, since)
	if err != nil {
		return nil, 0, err
	}
	current, err := f.store.CurrentVersion(ctx)
	if err != nil {
		return nil, 0, err
	}
	return changes, current, nil
}

// Start launches the relay goroutine that forwards store changes into
// the push hub, and the hub's own broadcast worker.
func (f *Feed) Start(ctx context.Context) error {
	ch, unsubscribe, err := f.store.Subscribe(ctx)
	if err != nil {
		return err
	}

	if err := f.hub.Start(ctx); err != nil {
		unsubscribe()
		return err
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				f.hub.Broadcast(ev)
			}
		}
	}()

	return nil
}

// Stop shuts the push hub down gracefully.
func (f *Feed) Stop(ctx context.Context) error {
	return f.hub.Stop(ctx)
}

// Hub exposes the push hub so HTTP handlers can register new WebSocket
// subscribers.
func (f *Feed) Hub() *Hub {
	return f.hub
}
