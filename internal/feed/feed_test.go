package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/svcmesh/internal/models"
	"github.com/vitaliisemenov/svcmesh/internal/store"
)

type fakeSubscriber struct {
	id       string
	received chan models.ServiceChangeEvent
	ctx      context.Context
	cancel   context.CancelFunc
}

func newFakeSubscriber(id string) *fakeSubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeSubscriber{id: id, received: make(chan models.ServiceChangeEvent, 10), ctx: ctx, cancel: cancel}
}

func (f *fakeSubscriber) ID() string                                { return f.id }
func (f *fakeSubscriber) Context() context.Context                  { return f.ctx }
func (f *fakeSubscriber) Close() error                              { f.cancel(); return nil }
func (f *fakeSubscriber) Send(ev models.ServiceChangeEvent) error {
	f.received <- ev
	return nil
}

func TestFeed_PullSinceReturnsChangesAndVersion(t *testing.T) {
	st := store.NewMemoryStore(nil)
	ctx := context.Background()

	rec, err := st.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	f := New(st, nil, nil)
	changes, version, err := f.PullSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, rec.ID, changes[0].Instance.ID)
	assert.Equal(t, rec.Version, version)
}

func TestFeed_StartRelaysStoreChangesToHub(t *testing.T) {
	st := store.NewMemoryStore(nil)
	f := New(st, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.Start(ctx))
	defer f.Stop(context.Background())

	sub := newFakeSubscriber("sub-1")
	f.Hub().Subscribe(sub)

	_, err := st.Register(context.Background(), models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	select {
	case ev := <-sub.received:
		assert.Equal(t, models.ChangeRegistered, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pushed event")
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(nil, nil)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop(context.Background())

	sub := newFakeSubscriber("sub-1")
	h.Subscribe(sub)
	assert.Equal(t, 1, h.ActiveSubscribers())

	h.Unsubscribe(sub)
	assert.Equal(t, 0, h.ActiveSubscribers())
}
