// Package reaper implements the Health Reaper (C2): TTL-based expiry of
// instances that stop heartbeating, plus optional active probing for
// instances that advertise a health-check endpoint.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaliisemenov/svcmesh/internal/models"
	"github.com/vitaliisemenov/svcmesh/internal/store"
)

// Prober actively checks whether an instance is reachable and healthy,
// independent of whether it has heartbeated recently. The HTTP
// implementation lives in prober.go.
type Prober interface {
	Probe(ctx context.Context, instance models.InstanceRecord) error
}

// Config controls reaper timing. Field names follow §4.2 of the service
// mesh control plane design: T_miss demotes, T_evict removes, T_probe
// drives active health checking independent of heartbeats.
type Config struct {
	// SweepInterval is how often both the T_miss and T_evict sweeps run.
	SweepInterval time.Duration

	// TMiss is the heartbeat staleness cutoff after which a Healthy
	// instance is demoted to Unhealthy (default 60s).
	TMiss time.Duration

	// TEvict is the heartbeat staleness cutoff after which an instance is
	// removed from the store entirely (default 120s).
	TEvict time.Duration

	// ProbeInterval is T_probe: how often active probing runs, per
	// instance. Zero disables active probing (default 30s).
	ProbeInterval time.Duration

	// ProbeTimeout bounds each individual probe HTTP call (default 5s).
	ProbeTimeout time.Duration
}

// DefaultConfig returns the default timings from the control plane design:
// T_miss=60s, T_evict=120s, T_probe=30s.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 15 * time.Second,
		TMiss:         60 * time.Second,
		TEvict:        120 * time.Second,
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// storeSurface is the full read/write authority the reaper needs: TTL
// eviction, T_miss demotion listing, and the narrower read/write surface
// used by active probing. The concrete store.Store implementations satisfy
// all of it.
type storeSurface interface {
	store.Reapable
	store.StaleLister
	ListServices(ctx context.Context) ([]string, error)
	ListByService(ctx context.Context, service string) ([]models.InstanceRecord, error)
	SetHealth(ctx context.Context, id string, health models.HealthStatus) error
}

// Reaper runs the T_miss demotion sweep, the T_evict removal sweep and, if
// configured, the T_probe active probing loop.
type Reaper struct {
	store  storeSurface
	prober Prober
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	failureCounts map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Reaper over st.
func New(st storeSurface, prober Prober, cfg Config, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:         st,
		prober:        prober,
		cfg:           cfg,
		logger:        logger.With("component", "health_reaper"),
		failureCounts: make(map[string]int),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the sweep and probe loops in background goroutines.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.sweepLoop(ctx)

	if r.prober != nil && r.cfg.ProbeInterval > 0 {
		r.wg.Add(1)
		go r.probeLoop(ctx)
	}

	r.logger.Info("health reaper started", "sweep_interval", r.cfg.SweepInterval, "t_miss", r.cfg.TMiss, "t_evict", r.cfg.TEvict)
}

// Stop signals both loops to exit and waits for them to finish.
func (r *Reaper) Stop(ctx context.Context) error {
	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("health reaper stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("health reaper stop timed out")
		return ctx.Err()
	}
}

func (r *Reaper) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	now := time.Now()

	stale, err := r.store.ListStale(ctx, now.Add(-r.cfg.TMiss))
	if err != nil {
		r.logger.Error("t_miss sweep failed", "error", err)
	} else {
		for _, rec := range stale {
			if err := r.store.SetHealth(ctx, rec.ID, models.HealthUnhealthy); err != nil && err != models.ErrInstanceNotFound {
				r.logger.Warn("failed to demote stale instance", "instance_id", rec.ID, "error", err)
			}
		}
		if len(stale) > 0 {
			r.logger.Info("demoted stale instances to unhealthy", "count", len(stale))
		}
	}

	expired, err := r.store.ExpireStaleBefore(ctx, now.Add(-r.cfg.TEvict))
	if err != nil {
		r.logger.Error("t_evict sweep failed", "error", err)
		return
	}
	if len(expired) > 0 {
		r.logger.Info("evicted expired instances", "count", len(expired))
	}
}

func (r *Reaper) probeLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.probeOnce(ctx)
		}
	}
}

func (r *Reaper) probeOnce(ctx context.Context) {
	services, err := r.store.ListServices(ctx)
	if err != nil {
		r.logger.Error("probe: failed to list services", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, svc := range services {
		instances, err := r.store.ListByService(ctx, svc)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			wg.Add(1)
			go func(inst models.InstanceRecord) {
				defer wg.Done()
				r.probeInstance(ctx, inst)
			}(inst)
		}
	}
	wg.Wait()
}

// probeInstance issues a single active probe. Per §4.2 the outcome is
// applied immediately: a 2xx response resets status to Healthy (via
// Touch-equivalent heartbeat semantics), any other outcome demotes to
// Unhealthy. There is no consecutive-failure counter here; T_evict still
// governs outright removal independent of probe results.
func (r *Reaper) probeInstance(ctx context.Context, inst models.InstanceRecord) {
	probeTimeout := r.cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := r.prober.Probe(probeCtx, inst)

	if err == nil {
		if inst.Health != models.HealthHealthy {
			if _, herr := r.touch(ctx, inst.ID); herr != nil && herr != models.ErrInstanceNotFound {
				r.logger.Warn("failed to mark instance healthy after probe", "instance_id", inst.ID, "error", herr)
			}
		}
		return
	}

	r.logger.Debug("active probe failed", "instance_id", inst.ID, "error", err)
	if inst.Health == models.HealthHealthy {
		if serr := r.store.SetHealth(ctx, inst.ID, models.HealthUnhealthy); serr != nil && serr != models.ErrInstanceNotFound {
			r.logger.Warn("failed to mark instance unhealthy after probe", "instance_id", inst.ID, "error", serr)
		}
	}
}

// touch is a narrow heartbeat-equivalent used to refresh LastHeartbeat and
// status on a successful active probe.
func (r *Reaper) touch(ctx context.Context, id string) (models.InstanceRecord, error) {
	type heartbeater interface {
		Heartbeat(ctx context.Context, id string) (models.InstanceRecord, error)
	}
	if hb, ok := r.store.(heartbeater); ok {
		return hb.Heartbeat(ctx, id)
	}
	return models.InstanceRecord{}, r.store.SetHealth(ctx, id, models.HealthHealthy)
}
