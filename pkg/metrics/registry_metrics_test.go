package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRegistry_Singleton(t *testing.T) {
	registry1 := DefaultRegistry()
	registry2 := DefaultRegistry()
	assert.Same(t, registry1, registry2)
}

func TestDefaultRegistry_ConcurrentAccess(t *testing.T) {
	var wg sync.WaitGroup
	registries := make([]*MetricsRegistry, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			registries[index] = DefaultRegistry()
		}(i)
	}
	wg.Wait()

	for _, r := range registries {
		assert.Same(t, registries[0], r)
	}
}

func TestNewMetricsRegistry_DefaultsNamespace(t *testing.T) {
	registry := NewMetricsRegistry("")
	assert.Equal(t, "svcmesh", registry.Namespace())

	registry = NewMetricsRegistry("custom")
	assert.Equal(t, "custom", registry.Namespace())
}

func TestMetricsRegistry_LazyInitializationPerCategory(t *testing.T) {
	registry := NewMetricsRegistry("test_reg_lazy")

	assert.Nil(t, registry.registryMetrics)
	assert.Nil(t, registry.discoveryMetrics)
	assert.Nil(t, registry.proxyMetrics)

	reg := registry.Registry()
	assert.NotNil(t, reg)
	assert.NotNil(t, reg.InstancesTotal)
	assert.Same(t, reg, registry.Registry())
	assert.Nil(t, registry.discoveryMetrics)

	disc := registry.Discovery()
	assert.NotNil(t, disc.PullsTotal)

	proxy := registry.Proxy()
	assert.NotNil(t, proxy.RequestsTotal)
}
