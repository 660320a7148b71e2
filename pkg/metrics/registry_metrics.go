package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegistryMetrics tracks Instance Store (C1) and Registry API (C4) state.
type RegistryMetrics struct {
	// InstancesTotal is a gauge of instances currently known, by service
	// and health status.
	InstancesTotal *prometheus.GaugeVec

	// RegistrationsTotal counts register calls by service and outcome
	// ("success", "rejected", "service_binding_changed").
	RegistrationsTotal *prometheus.CounterVec

	// DeregistrationsTotal counts deregister calls by outcome.
	DeregistrationsTotal *prometheus.CounterVec

	// HeartbeatsTotal counts heartbeat calls by outcome ("success",
	// "not_found").
	HeartbeatsTotal *prometheus.CounterVec

	// VersionCounter tracks the store's current version counter.
	VersionCounter prometheus.Gauge
}

// NewRegistryMetrics constructs registry metrics under namespace.
func NewRegistryMetrics(namespace string) *RegistryMetrics {
	const subsystem = "registry"
	return &RegistryMetrics{
		InstancesTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "instances",
				Help:      "Number of instances currently tracked, by service and health status",
			},
			[]string{"service", "health"},
		),
		RegistrationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "registrations_total",
				Help:      "Total register calls by service and outcome",
			},
			[]string{"service", "outcome"},
		),
		DeregistrationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "deregistrations_total",
				Help:      "Total deregister calls by outcome",
			},
			[]string{"outcome"},
		),
		HeartbeatsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "heartbeats_total",
				Help:      "Total heartbeat calls by outcome",
			},
			[]string{"outcome"},
		),
		VersionCounter: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "version",
				Help:      "Current value of the store's monotonic version counter",
			},
		),
	}
}
