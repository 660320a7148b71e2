package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProxyMetrics tracks the Dynamic Proxy's (C8) request volume, latency and
// circuit breaker state.
type ProxyMetrics struct {
	// RequestsTotal counts proxied requests by service and outcome
	// ("2xx", "4xx", "5xx", "no_healthy_instances", "circuit_open",
	// "timeout").
	RequestsTotal *prometheus.CounterVec

	// RequestDuration tracks end-to-end proxy request latency by service.
	RequestDuration *prometheus.HistogramVec

	// CircuitBreakerState is a gauge of 0 (Closed), 1 (Open), 2 (HalfOpen)
	// per destination.
	CircuitBreakerState *prometheus.GaugeVec

	// CircuitTripsTotal counts Closed->Open transitions by destination.
	CircuitTripsTotal *prometheus.CounterVec

	// InFlightRequests is a gauge of requests currently dispatched, by
	// destination.
	InFlightRequests *prometheus.GaugeVec
}

// NewProxyMetrics constructs proxy metrics under namespace.
func NewProxyMetrics(namespace string) *ProxyMetrics {
	const subsystem = "proxy"
	return &ProxyMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total proxied requests by service and outcome",
			},
			[]string{"service", "outcome"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "End-to-end proxy request duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service"},
		),
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per destination: 0=Closed, 1=Open, 2=HalfOpen",
			},
			[]string{"destination"},
		),
		CircuitTripsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "circuit_trips_total",
				Help:      "Total Closed to Open circuit breaker transitions, by destination",
			},
			[]string{"destination"},
		),
		InFlightRequests: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "in_flight_requests",
				Help:      "Requests currently dispatched to a destination",
			},
			[]string{"destination"},
		),
	}
}
