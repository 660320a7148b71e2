// Package metrics provides centralized Prometheus metrics for the service
// mesh control plane.
//
// Metrics are grouped by component rather than by business/technical/infra
// layer, since every component here is technical infrastructure:
//   - Registry: instance counts, registrations, the version counter (C1/C4)
//   - Discovery: pull/push cache maintenance (C6)
//   - Proxy: request volume, latency, circuit breaker state (C8)
//
// All metrics follow the naming convention:
// <namespace>_<subsystem>_<metric_name>_<unit>
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Registry().InstancesTotal.WithLabelValues("orders", "healthy").Set(3)
package metrics

import (
	"sync"
)

// MetricsRegistry is the central registry for all Prometheus metrics,
// providing organized access by component.
//
// Thread-safe: all Prometheus metric types are thread-safe by design.
// Singleton: use DefaultRegistry() to get the global instance.
type MetricsRegistry struct {
	namespace string

	registryMetrics  *RegistryMetrics
	discoveryMetrics *DiscoveryMetrics
	proxyMetrics     *ProxyMetrics

	registryOnce  sync.Once
	discoveryOnce sync.Once
	proxyOnce     sync.Once
}

var (
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry. Safe for
// concurrent use; initialized once on first call.
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("svcmesh")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the given
// namespace. Most callers should use DefaultRegistry() instead.
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "svcmesh"
	}
	return &MetricsRegistry{namespace: namespace}
}

// Registry returns the Instance Store / Registry API metrics, lazily
// initialized on first access.
func (r *MetricsRegistry) Registry() *RegistryMetrics {
	r.registryOnce.Do(func() {
		r.registryMetrics = NewRegistryMetrics(r.namespace)
	})
	return r.registryMetrics
}

// Discovery returns the Discovery Cache metrics, lazily initialized on
// first access.
func (r *MetricsRegistry) Discovery() *DiscoveryMetrics {
	r.discoveryOnce.Do(func() {
		r.discoveryMetrics = NewDiscoveryMetrics(r.namespace)
	})
	return r.discoveryMetrics
}

// Proxy returns the Dynamic Proxy metrics, lazily initialized on first
// access.
func (r *MetricsRegistry) Proxy() *ProxyMetrics {
	r.proxyOnce.Do(func() {
		r.proxyMetrics = NewProxyMetrics(r.namespace)
	})
	return r.proxyMetrics
}

// Namespace returns the configured Prometheus namespace.
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}
