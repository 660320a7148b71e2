package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

type fakeRegistryClient struct {
	mu        sync.Mutex
	responses []ChangesResponse
	calls     int
}

func (f *fakeRegistryClient) ChangesSince(ctx context.Context, since int64) (ChangesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.responses) {
		return ChangesResponse{Version: since}, nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func newTestCache(client RegistryClient) *Cache {
	cfg := Config{SyncInterval: 20 * time.Millisecond, BatchInterval: 10 * time.Millisecond, BatchSize: 100}
	return New(cfg, client, nil)
}

func TestCache_DiscoverEmptyBeforeFirstPull(t *testing.T) {
	c := newTestCache(&fakeRegistryClient{})
	assert.Empty(t, c.Discover("orders", false))
}

func TestCache_PullAppliesUpsertsAndAdvancesCursor(t *testing.T) {
	client := &fakeRegistryClient{responses: []ChangesResponse{
		{
			Version: 3,
			AddedOrUpdated: []models.InstanceRecord{
				{ID: "i1", Service: "orders", Health: models.HealthHealthy, Weight: 100, Version: 3},
			},
		},
	}}
	c := newTestCache(client)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool {
		return c.LocalVersion() == 3
	}, time.Second, 10*time.Millisecond)

	got := c.Discover("orders", true)
	require.Len(t, got, 1)
	assert.Equal(t, "i1", got[0].ID)
}

func TestCache_PullIgnoresLowerVersionForSameID(t *testing.T) {
	c := newTestCache(&fakeRegistryClient{})
	c.applyPull(ChangesResponse{Version: 5, AddedOrUpdated: []models.InstanceRecord{
		{ID: "i1", Service: "orders", Health: models.HealthHealthy, Version: 5},
	}})
	c.applyPull(ChangesResponse{Version: 6, AddedOrUpdated: []models.InstanceRecord{
		{ID: "i1", Service: "orders", Health: models.HealthUnhealthy, Version: 4},
	}})

	got := c.Discover("orders", false)
	require.Len(t, got, 1)
	assert.Equal(t, models.HealthHealthy, got[0].Health)
}

func TestCache_RemovalDropsInstance(t *testing.T) {
	c := newTestCache(&fakeRegistryClient{})
	c.applyPull(ChangesResponse{Version: 1, AddedOrUpdated: []models.InstanceRecord{
		{ID: "i1", Service: "orders", Health: models.HealthHealthy, Version: 1},
	}})
	c.applyPull(ChangesResponse{Version: 2, Removed: []string{"i1"}})

	assert.Empty(t, c.Discover("orders", false))
}

func TestCache_FullResetReplacesState(t *testing.T) {
	c := newTestCache(&fakeRegistryClient{})
	c.applyPull(ChangesResponse{Version: 1, AddedOrUpdated: []models.InstanceRecord{
		{ID: "stale", Service: "orders", Health: models.HealthHealthy, Version: 1},
	}})
	c.applyPull(ChangesResponse{Version: 10, FullReset: true, AddedOrUpdated: []models.InstanceRecord{
		{ID: "fresh", Service: "orders", Health: models.HealthHealthy, Version: 10},
	}})

	got := c.Discover("orders", false)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].ID)
}

func TestCache_SubscribeFiresOnHealthySetChange(t *testing.T) {
	c := newTestCache(&fakeRegistryClient{})

	var mu sync.Mutex
	var calls int
	c.Subscribe("orders", func(instances []models.InstanceRecord) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	c.applyPull(ChangesResponse{Version: 1, AddedOrUpdated: []models.InstanceRecord{
		{ID: "i1", Service: "orders", Health: models.HealthHealthy, Version: 1},
	}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCache_SelectableInstancesExcludesZeroWeight(t *testing.T) {
	c := newTestCache(&fakeRegistryClient{})
	c.applyPull(ChangesResponse{Version: 1, AddedOrUpdated: []models.InstanceRecord{
		{ID: "i1", Service: "orders", Health: models.HealthHealthy, Weight: 100, Version: 1},
		{ID: "i2", Service: "orders", Health: models.HealthHealthy, Weight: 0, Version: 1},
	}})

	got := c.SelectableInstances("orders")
	require.Len(t, got, 1)
	assert.Equal(t, "i1", got[0].ID)
}
