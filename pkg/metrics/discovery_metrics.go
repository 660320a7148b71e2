package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DiscoveryMetrics tracks Discovery Cache (C6) maintenance.
type DiscoveryMetrics struct {
	// PullsTotal counts incremental pull attempts by outcome ("success",
	// "error").
	PullsTotal *prometheus.CounterVec

	// CacheSize is a gauge of instances currently cached, by service.
	CacheSize *prometheus.GaugeVec

	// PushEventsDropped counts push events dropped because the intake
	// queue was full.
	PushEventsDropped prometheus.Counter

	// LocalVersion is a gauge of the cache's current pull cursor.
	LocalVersion prometheus.Gauge
}

// NewDiscoveryMetrics constructs discovery metrics under namespace.
func NewDiscoveryMetrics(namespace string) *DiscoveryMetrics {
	const subsystem = "discovery"
	return &DiscoveryMetrics{
		PullsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "pulls_total",
				Help:      "Total incremental pull attempts by outcome",
			},
			[]string{"outcome"},
		),
		CacheSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_size",
				Help:      "Number of instances currently cached, by service",
			},
			[]string{"service"},
		),
		PushEventsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "push_events_dropped_total",
				Help:      "Total push events dropped because the intake queue was full",
			},
		),
		LocalVersion: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "local_version",
				Help:      "Current value of the cache's local pull cursor",
			},
		),
	}
}
