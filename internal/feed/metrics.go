package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks change feed push-path activity. Adapted from the
// teacher's RealtimeMetrics, trimmed to the gauges/counters the feed
// hub actually emits.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	EventsTotal        *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	BroadcastDuration  prometheus.Histogram
}

// NewMetrics registers the feed's Prometheus collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connections_active",
			Help:      "Current number of active change feed WebSocket subscribers.",
		}),
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Total number of change events pushed, by change type.",
		}, []string{"type"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "errors_total",
			Help:      "Total number of feed hub errors, by error type.",
		}, []string{"error_type"}),
		BroadcastDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "broadcast_duration_seconds",
			Help:      "Duration of change event broadcast to all subscribers.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),
	}
}
