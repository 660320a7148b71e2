package reaper

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/svcmesh/internal/models"
	"github.com/vitaliisemenov/svcmesh/internal/store"
)

type flakyProber struct {
	fail bool
}

func (p *flakyProber) Probe(ctx context.Context, instance models.InstanceRecord) error {
	if p.fail {
		return errors.New("probe failed")
	}
	return nil
}

func TestReaper_TEvictSweepRemovesStaleInstances(t *testing.T) {
	st := store.NewMemoryStore(nil)
	ctx := context.Background()

	rec, err := st.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	cfg := Config{SweepInterval: 10 * time.Millisecond, TMiss: 5 * time.Millisecond, TEvict: 5 * time.Millisecond}
	r := New(st, nil, cfg, nil)

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	r.Start(runCtx)
	defer r.Stop(context.Background())

	require.Eventually(t, func() bool {
		_, err := st.Get(ctx, rec.ID)
		return errors.Is(err, models.ErrInstanceNotFound)
	}, time.Second, 10*time.Millisecond)
}

func TestReaper_TMissSweepDemotesWithoutEvicting(t *testing.T) {
	st := store.NewMemoryStore(nil)
	ctx := context.Background()

	rec, err := st.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	cfg := Config{SweepInterval: 10 * time.Millisecond, TMiss: 5 * time.Millisecond, TEvict: time.Hour}
	r := New(st, nil, cfg, nil)

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	r.Start(runCtx)
	defer r.Stop(context.Background())

	require.Eventually(t, func() bool {
		got, err := st.Get(ctx, rec.ID)
		return err == nil && got.Health == models.HealthUnhealthy
	}, time.Second, 10*time.Millisecond)
}

func TestReaper_ProbeMarksUnhealthyImmediately(t *testing.T) {
	st := store.NewMemoryStore(nil)
	ctx := context.Background()

	rec, err := st.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	prober := &flakyProber{fail: true}
	cfg := Config{SweepInterval: time.Hour, TMiss: time.Hour, TEvict: time.Hour, ProbeInterval: 10 * time.Millisecond, ProbeTimeout: 50 * time.Millisecond}
	r := New(st, prober, cfg, nil)

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	r.Start(runCtx)
	defer r.Stop(context.Background())

	require.Eventually(t, func() bool {
		got, err := st.Get(ctx, rec.ID)
		return err == nil && got.Health == models.HealthUnhealthy
	}, time.Second, 10*time.Millisecond)
}

func TestReaper_ProbeRecoversToHealthy(t *testing.T) {
	st := store.NewMemoryStore(nil)
	ctx := context.Background()

	rec, err := st.Register(ctx, models.InstanceRecord{Service: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)
	require.NoError(t, st.SetHealth(ctx, rec.ID, models.HealthUnhealthy))

	prober := &flakyProber{fail: false}
	cfg := Config{SweepInterval: time.Hour, TMiss: time.Hour, TEvict: time.Hour, ProbeInterval: 10 * time.Millisecond, ProbeTimeout: 50 * time.Millisecond}
	r := New(st, prober, cfg, nil)

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	r.Start(runCtx)
	defer r.Stop(context.Background())

	require.Eventually(t, func() bool {
		got, err := st.Get(ctx, rec.ID)
		return err == nil && got.Health == models.HealthHealthy
	}, time.Second, 10*time.Millisecond)
}

func TestHTTPProber_MarksHealthyEndpointOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := NewHTTPProber(time.Second)

	inst := models.InstanceRecord{
		Host:           srv.Listener.Addr().(*net.TCPAddr).IP.String(),
		Port:           srv.Listener.Addr().(*net.TCPAddr).Port,
		HealthCheckURL: srv.URL,
	}

	err := prober.Probe(context.Background(), inst)
	assert.NoError(t, err)
}

func TestHTTPProber_ReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	prober := NewHTTPProber(time.Second)

	inst := models.InstanceRecord{
		Host:           srv.Listener.Addr().(*net.TCPAddr).IP.String(),
		Port:           srv.Listener.Addr().(*net.TCPAddr).Port,
		HealthCheckURL: srv.URL,
	}

	err := prober.Probe(context.Background(), inst)
	assert.Error(t, err)
}
