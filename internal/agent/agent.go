// Package agent implements the Agent (C5): the client-side component that
// registers a host application with the Registry API, maintains an adaptive
// heartbeat cadence, and deregisters on graceful shutdown.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaliisemenov/svcmesh/internal/core/resilience"
	"github.com/vitaliisemenov/svcmesh/internal/models"
)

// FailurePolicy controls what the Agent does when startup registration
// exhausts its retry budget (§4.5 step 3).
type FailurePolicy string

const (
	FailFast                    FailurePolicy = "fail_fast"
	ContinueWithoutRegistration FailurePolicy = "continue_without_registration"
	ContinueAndRetry            FailurePolicy = "continue_and_retry"
)

// Config controls Agent behavior. Zero-valued fields take the spec's
// defaults via DefaultConfig.
type Config struct {
	RegistryURL string

	ServiceName    string
	Host           string
	Port           int
	Version        string
	Metadata       map[string]string
	HealthCheckURL string
	// Weight is a pointer so an explicit 0 ("do not select") is
	// distinguishable from "not configured" (defaults to 100 server-side).
	Weight *int

	HeartbeatInterval time.Duration
	AutoRegister      bool

	RegisterRetryCount    int
	RegisterRetryInterval time.Duration
	FailurePolicy         FailurePolicy

	Thresholds Thresholds
	Intervals  Intervals
}

// DefaultConfig returns the spec defaults from §6's Agent configuration
// table.
func DefaultConfig() Config {
	return Config{
		RegistryURL:           "http://localhost:5000",
		HeartbeatInterval:     30 * time.Second,
		AutoRegister:          true,
		RegisterRetryCount:    3,
		RegisterRetryInterval: 5 * time.Second,
		FailurePolicy:         ContinueAndRetry,
		Thresholds:            DefaultThresholds(),
		Intervals:             DefaultIntervals(),
	}
}

const slidingWindow = 60 * time.Second
const recomputeTick = 10 * time.Second
const failureCollapseInterval = 5 * time.Second
const consecutiveFailuresToCollapse = 3
const finalHeartbeatDeadline = 2 * time.Second

// Agent drives registration and heartbeating for one local service
// instance.
type Agent struct {
	cfg      Config
	client   RegistryAPI
	provider ServiceInfoProvider
	logger   *slog.Logger

	window *loadWindow

	mu               sync.Mutex
	instanceID       string
	identity         identity
	registered       bool
	consecutiveFails int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an Agent. client is typically an *HTTPClient built with
// NewHTTPClient; provider may be nil.
func New(cfg Config, client RegistryAPI, provider ServiceInfoProvider, logger *slog.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.RegisterRetryInterval <= 0 {
		cfg.RegisterRetryInterval = 5 * time.Second
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = ContinueAndRetry
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:      cfg,
		client:   client,
		provider: provider,
		logger:   logger.With("component", "agent"),
		window:   newLoadWindow(slidingWindow, cfg.Thresholds),
		stopCh:   make(chan struct{}),
	}
}

// Observe feeds one request outcome into the adaptive heartbeat controller.
// The host application's own instrumentation calls this.
func (a *Agent) Observe(duration time.Duration, success bool) {
	a.window.Observe(duration, success)
}

// InstanceID returns the instance id assigned at registration, or "" if the
// Agent never successfully registered.
func (a *Agent) InstanceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instanceID
}

// Start resolves identity, performs the startup registration sequence per
// §4.5 steps 1-3, and launches the heartbeat loop. It returns an error only
// for FailFast exhaustion or an unresolvable identity; ContinueAndRetry and
// ContinueWithoutRegistration always return nil and proceed in the
// background.
func (a *Agent) Start(ctx context.Context) error {
	id, err := resolveIdentity(a.cfg, a.provider)
	if err != nil {
		return fmt.Errorf("resolve service identity: %w", err)
	}
	a.mu.Lock()
	a.identity = id
	a.mu.Unlock()

	if !a.cfg.AutoRegister {
		a.logger.Info("auto-register disabled, running unregistered", "service", id.serviceName)
		return nil
	}

	if err := a.registerWithRetry(ctx); err != nil {
		switch a.cfg.FailurePolicy {
		case FailFast:
			return fmt.Errorf("registration failed, fail_fast policy: %w", err)
		case ContinueWithoutRegistration:
			a.logger.Warn("registration exhausted, continuing unregistered", "service", id.serviceName, "error", err)
			return nil
		case ContinueAndRetry:
			a.logger.Warn("registration exhausted, retrying in background", "service", id.serviceName, "error", err)
			a.wg.Add(1)
			go a.retryRegistrationLoop(ctx)
			return nil
		}
	}

	a.wg.Add(1)
	go a.heartbeatLoop(ctx)
	return nil
}

// Stop performs the graceful shutdown sequence: a best-effort final
// heartbeat under a short deadline, then deregister.
func (a *Agent) Stop(ctx context.Context) {
	close(a.stopCh)
	a.wg.Wait()

	a.mu.Lock()
	instanceID := a.instanceID
	serviceName := a.identity.serviceName
	registered := a.registered
	a.mu.Unlock()

	if !registered || instanceID == "" {
		return
	}

	finalCtx, cancel := context.WithTimeout(ctx, finalHeartbeatDeadline)
	if err := a.client.Heartbeat(finalCtx, instanceID, serviceName); err != nil {
		a.logger.Debug("final heartbeat failed, proceeding to deregister", "error", err)
	}
	cancel()

	if err := a.client.Deregister(ctx, instanceID); err != nil {
		a.logger.Warn("deregister failed during shutdown", "instance_id", instanceID, "error", err)
	}
}

// registerWithRetry applies the bounded retry budget from §4.5 step 2. A
// configured RegisterRetryCount of 0 means unbounded, which
// resilience.RetryPolicy (a fixed attempt budget) cannot express, so that
// case falls back to a plain loop; otherwise registration goes through the
// shared fixed-interval retry policy (Multiplier 1.0 disables exponential
// growth, matching the spec's flat retry_interval).
func (a *Agent) registerWithRetry(ctx context.Context) error {
	if a.cfg.RegisterRetryCount <= 0 {
		for {
			if err := a.register(ctx); err == nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.RegisterRetryInterval):
			}
		}
	}

	policy := &resilience.RetryPolicy{
		MaxRetries:    a.cfg.RegisterRetryCount - 1,
		BaseDelay:     a.cfg.RegisterRetryInterval,
		MaxDelay:      a.cfg.RegisterRetryInterval,
		Multiplier:    1.0,
		OperationName: "registry_register",
	}
	return resilience.WithRetry(ctx, policy, func() error {
		return a.register(ctx)
	})
}

// retryRegistrationLoop backs the ContinueAndRetry policy: it keeps trying
// indefinitely in the background and starts heartbeating on first success.
func (a *Agent) retryRegistrationLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.RegisterRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			if err := a.register(ctx); err == nil {
				a.wg.Add(1)
				go a.heartbeatLoop(ctx)
				return
			}
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	a.mu.Lock()
	id := a.identity
	a.mu.Unlock()

	resp, err := a.client.Register(ctx, RegisterRequest{
		ServiceName:    id.serviceName,
		Host:           id.host,
		Port:           id.port,
		Version:        a.cfg.Version,
		Metadata:       a.cfg.Metadata,
		HealthCheckURL: a.cfg.HealthCheckURL,
		Weight:         a.cfg.Weight,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("register rejected: %s", resp.Message)
	}

	a.mu.Lock()
	a.instanceID = resp.InstanceID
	a.registered = true
	a.mu.Unlock()

	a.logger.Info("registered with registry", "service", id.serviceName, "instance_id", resp.InstanceID)
	return nil
}

// heartbeatLoop drives the adaptive heartbeat controller: a one-shot timer
// rescheduled to the interval implied by the current LoadLevel, recomputed
// every recomputeTick, collapsing to failureCollapseInterval after three
// consecutive heartbeat failures.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.Intervals.forLevel(LoadNormal)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	recompute := time.NewTicker(recomputeTick)
	defer recompute.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return

		case <-recompute.C:
			level := a.window.Recompute()
			newInterval := a.cfg.Intervals.forLevel(level)
			if a.currentFailures() >= consecutiveFailuresToCollapse {
				newInterval = failureCollapseInterval
			}
			if newInterval != interval {
				interval = newInterval
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(interval)
				a.logger.Debug("heartbeat interval rescheduled", "level", level, "interval", interval)
			}

		case <-timer.C:
			a.sendHeartbeat(ctx)
			if a.currentFailures() >= consecutiveFailuresToCollapse {
				interval = failureCollapseInterval
			} else {
				interval = a.cfg.Intervals.forLevel(a.window.Recompute())
			}
			timer.Reset(interval)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	a.mu.Lock()
	instanceID := a.instanceID
	serviceName := a.identity.serviceName
	a.mu.Unlock()

	if instanceID == "" {
		return
	}

	err := a.client.Heartbeat(ctx, instanceID, serviceName)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err == nil {
		a.consecutiveFails = 0
		return
	}

	a.consecutiveFails++
	if err == models.ErrInstanceNotFound {
		a.logger.Warn("heartbeat reports unknown instance, re-registering", "instance_id", instanceID)
		a.registered = false
		a.instanceID = ""
		go func() {
			if rerr := a.register(ctx); rerr != nil {
				a.logger.Warn("re-registration after unknown instance failed", "error", rerr)
			}
		}()
		return
	}

	a.logger.Debug("heartbeat failed", "instance_id", instanceID, "error", err, "consecutive_fails", a.consecutiveFails)
}

func (a *Agent) currentFailures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consecutiveFails
}
