package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

func TestMemoryStore_RegisterAndGet(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	rec, err := s.Register(ctx, models.InstanceRecord{
		Service: "orders",
		Host:    "10.0.0.1",
		Port:    8080,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, models.HealthHealthy, rec.Health)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestMemoryStore_RegisterRejectsInvalidRecord(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.Register(context.Background(), models.InstanceRecord{Service: "orders"})
	assert.ErrorIs(t, err, models.ErrInvalidRecord)
}

func TestMemoryStore_HeartbeatUnknownInstance(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.Heartbeat(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)
}

func TestMemoryStore_VersionsAreMonotonic(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	rec, err := s.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	hb, err := s.Heartbeat(ctx, rec.ID)
	require.NoError(t, err)
	assert.Greater(t, hb.Version, rec.Version)

	require.NoError(t, s.SetHealth(ctx, rec.ID, models.HealthUnhealthy))
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Greater(t, got.Version, hb.Version)
	assert.Equal(t, models.HealthUnhealthy, got.Health)
}

func TestMemoryStore_DeregisterRemovesFromServiceIndex(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	rec, err := s.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	require.NoError(t, s.Deregister(ctx, rec.ID))

	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)

	list, err := s.ListByService(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStore_ChangesSinceReturnsOnlyNewer(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	rec1, err := s.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)
	_, err = s.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.2", Port: 8080})
	require.NoError(t, err)

	changes, err := s.ChangesSince(ctx, rec1.Version)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, models.ChangeRegistered, changes[0].Type)
}

func TestMemoryStore_SubscribeReceivesEvents(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	ch, unsubscribe, err := s.Subscribe(ctx)
	require.NoError(t, err)
	defer unsubscribe()

	_, err = s.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, models.ChangeRegistered, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestMemoryStore_ExpireStaleBefore(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	rec, err := s.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	expired, err := s.ExpireStaleBefore(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, rec.ID, expired[0].ID)

	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)
}
