package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

// Hub manages push-path subscriptions and broadcasts change events to
// all of them. Adapted from the teacher's EventBus: a buffered intake
// channel feeding a single broadcast worker, which fans out to
// subscribers concurrently and drops (rather than blocks on) any
// subscriber that can't keep up.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}

	eventChan chan models.ServiceChangeEvent

	logger  *slog.Logger
	metrics *Metrics

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewHub creates a Hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[Subscriber]struct{}),
		eventChan:   make(chan models.ServiceChangeEvent, 1000),
		logger:      logger.With("component", "feed_hub"),
		metrics:     metrics,
		stopChan:    make(chan struct{}),
	}
}

// Subscribe registers a subscriber for push delivery.
func (h *Hub) Subscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub] = struct{}{}

	h.logger.Info("subscriber added", "subscriber_id", sub.ID(), "total", len(h.subscribers))
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Set(float64(len(h.subscribers)))
	}
}

// Unsubscribe removes and closes a subscriber.
func (h *Hub) Unsubscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		sub.Close()

		h.logger.Info("subscriber removed", "subscriber_id", sub.ID(), "total", len(h.subscribers))
		if h.metrics != nil {
			h.metrics.ConnectionsActive.Set(float64(len(h.subscribers)))
		}
	}
}

// Broadcast queues an event for delivery to every subscriber. Queueing
// is non-blocking: if the intake channel is full, the event is dropped
// and a warning is logged. Pull-path clients never lose events this
// way since they read from the store's durable change log; only the
// push path trades completeness for low latency.
func (h *Hub) Broadcast(event models.ServiceChangeEvent) {
	select {
	case h.eventChan <- event:
	default:
		h.logger.Warn("feed hub intake full, dropping event", "version", event.Version)
		if h.metrics != nil {
			h.metrics.ErrorsTotal.WithLabelValues("channel_full").Inc()
		}
	}
}

// ActiveSubscribers returns the number of currently connected subscribers.
func (h *Hub) ActiveSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Start launches the broadcast worker.
func (h *Hub) Start(ctx context.Context) error {
	h.wg.Add(1)
	go h.broadcastWorker(ctx)
	h.logger.Info("feed hub started")
	return nil
}

// Stop drains the broadcast worker and waits for it to exit.
func (h *Hub) Stop(ctx context.Context) error {
	close(h.stopChan)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("feed hub stopped")
		return nil
	case <-ctx.Done():
		h.logger.Warn("feed hub stop timed out")
		return ctx.Err()
	}
}

func (h *Hub) broadcastWorker(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event := <-h.eventChan:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event models.ServiceChangeEvent) {
	start := time.Now()

	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()

			select {
			case <-sub.Context().Done():
				h.Unsubscribe(sub)
				return
			default:
			}

			if err := sub.Send(event); err != nil {
				h.logger.Warn("failed to push event to subscriber", "subscriber_id", sub.ID(), "error", err)
				h.Unsubscribe(sub)
			}
		}(sub)
	}
	wg.Wait()

	if h.metrics != nil {
		h.metrics.EventsTotal.WithLabelValues(string(event.Type)).Inc()
		h.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
}
