package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

func setupTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreFromClient(client, nil), mr
}

func TestRedisStore_RegisterAndGet(t *testing.T) {
	s, mr := setupTestRedisStore(t)
	defer mr.Close()
	defer s.Close()

	ctx := context.Background()
	rec, err := s.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(1), rec.Version)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Host, got.Host)
}

func TestRedisStore_ListByService(t *testing.T) {
	s, mr := setupTestRedisStore(t)
	defer mr.Close()
	defer s.Close()

	ctx := context.Background()
	_, err := s.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)
	_, err = s.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.2", Port: 8080})
	require.NoError(t, err)

	list, err := s.ListByService(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRedisStore_HeartbeatRenewsAndExpires(t *testing.T) {
	s, mr := setupTestRedisStore(t)
	defer mr.Close()
	defer s.Close()

	ctx := context.Background()
	rec, err := s.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	_, err = s.Heartbeat(ctx, rec.ID)
	require.NoError(t, err)

	mr.FastForward(heartbeatTTL + time.Second)

	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)
}

func TestRedisStore_ChangesSince(t *testing.T) {
	s, mr := setupTestRedisStore(t)
	defer mr.Close()
	defer s.Close()

	ctx := context.Background()
	rec, err := s.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	changes, err := s.ChangesSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, rec.ID, changes[0].Instance.ID)
}
