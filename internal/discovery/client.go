// Package discovery implements the Discovery Cache (C6): an in-caller
// mirror of the registry's instance set, kept eventually consistent by
// periodic incremental pulls against the Change Feed and, best-effort, a
// WebSocket push subscription. Lookups are always served from local state —
// discovery never blocks a caller on the network.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

// RegistryClient is the subset of the Registry HTTP API the cache needs.
// Implemented by Client against a live registry and trivially fakeable in
// tests.
type RegistryClient interface {
	ChangesSince(ctx context.Context, since int64) (ChangesResponse, error)
}

// ChangesResponse mirrors GET /api/registry/changes.
type ChangesResponse struct {
	Version        int64                   `json:"version"`
	AddedOrUpdated []models.InstanceRecord `json:"addedOrUpdated"`
	Removed        []string                `json:"removed"`
	FullReset      bool                    `json:"fullReset,omitempty"`
}

// Config controls cache timing.
type Config struct {
	// RegistryURL is the base URL of the registry HTTP API, e.g.
	// http://localhost:5000.
	RegistryURL string

	// SyncInterval is T_sync, the incremental pull period (default 5s).
	SyncInterval time.Duration

	// BatchInterval is how often the push-path queue is drained
	// (default 100ms).
	BatchInterval time.Duration

	// BatchSize, once reached, triggers an immediate drain instead of
	// waiting for BatchInterval (default 100).
	BatchSize int

	// EnablePush subscribes to the registry's WebSocket push channel in
	// addition to polling. Pull remains the source of truth regardless.
	EnablePush bool
}

// DefaultConfig returns the spec defaults: T_sync=5s, 100ms batch window,
// batch size 100, push enabled.
func DefaultConfig(registryURL string) Config {
	return Config{
		RegistryURL:   registryURL,
		SyncInterval:  5 * time.Second,
		BatchInterval: 100 * time.Millisecond,
		BatchSize:     100,
		EnablePush:    true,
	}
}

// serviceIndex tracks, for one service name, the set of instance IDs
// currently known and a snapshot of which were healthy on the last
// subscriber notification, so Subscribe only fires on an actual diff.
type serviceIndex struct {
	ids          map[string]struct{}
	lastHealthy  map[string]struct{}
}

// Cache is the Discovery Cache. It is safe for concurrent use.
type Cache struct {
	cfg    Config
	client RegistryClient
	logger *slog.Logger

	mu            sync.RWMutex
	instances     map[string]models.InstanceRecord
	byService     map[string]*serviceIndex
	localVersion  int64

	subMu       sync.Mutex
	subscribers map[string][]func([]models.InstanceRecord)

	pushQueue chan models.ServiceChangeEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Cache. client drives the pull path; pass a *Client built
// with NewClient for production use.
func New(cfg Config, client RegistryClient, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Second
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 100 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Cache{
		cfg:         cfg,
		client:      client,
		logger:      logger.With("component", "discovery_cache"),
		instances:   make(map[string]models.InstanceRecord),
		byService:   make(map[string]*serviceIndex),
		subscribers: make(map[string][]func([]models.InstanceRecord)),
		pushQueue:   make(chan models.ServiceChangeEvent, 4096),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the pull loop, the batch applier and, if enabled, the
// push subscription.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.pullLoop(ctx)
	go c.batchApplierLoop(ctx)

	if c.cfg.EnablePush {
		c.wg.Add(1)
		go c.pushLoop(ctx)
	}

	c.logger.Info("discovery cache started", "sync_interval", c.cfg.SyncInterval, "push_enabled", c.cfg.EnablePush)
}

// Stop signals all loops to exit and waits for them.
func (c *Cache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Cache) pullLoop(ctx context.Context) {
	defer c.wg.Done()

	c.pullOnce(ctx)

	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.pullOnce(ctx)
		}
	}
}

func (c *Cache) pullOnce(ctx context.Context) {
	c.mu.RLock()
	since := c.localVersion
	c.mu.RUnlock()

	resp, err := c.client.ChangesSince(ctx, since)
	if err != nil {
		c.logger.Warn("incremental pull failed, will retry next cycle", "error", err)
		return
	}

	c.applyPull(resp)
}

// applyPull applies a pull response per §4.3/§4.6: a full reset replaces
// local state wholesale (used when the cursor is older than the oldest
// retained version); otherwise upserts and removals are applied by id,
// "last writer by version wins" — a lower-versioned delivery for an id
// already at a higher local version is a no-op.
func (c *Cache) applyPull(resp ChangesResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if resp.FullReset {
		c.instances = make(map[string]models.InstanceRecord)
		c.byService = make(map[string]*serviceIndex)
	}

	changedServices := make(map[string]struct{})

	for _, rec := range resp.AddedOrUpdated {
		if existing, ok := c.instances[rec.ID]; ok && existing.Version >= rec.Version {
			continue
		}
		c.instances[rec.ID] = rec
		c.indexLocked(rec)
		changedServices[rec.Service] = struct{}{}
	}

	for _, id := range resp.Removed {
		if rec, ok := c.instances[id]; ok {
			delete(c.instances, id)
			c.unindexLocked(rec)
			changedServices[rec.Service] = struct{}{}
		}
	}

	if resp.Version > c.localVersion {
		c.localVersion = resp.Version
	}

	for svc := range changedServices {
		c.notifyIfChangedLocked(svc)
	}
}

func (c *Cache) indexLocked(rec models.InstanceRecord) {
	idx, ok := c.byService[rec.Service]
	if !ok {
		idx = &serviceIndex{ids: make(map[string]struct{}), lastHealthy: make(map[string]struct{})}
		c.byService[rec.Service] = idx
	}
	idx.ids[rec.ID] = struct{}{}
}

func (c *Cache) unindexLocked(rec models.InstanceRecord) {
	idx, ok := c.byService[rec.Service]
	if !ok {
		return
	}
	delete(idx.ids, rec.ID)
	if len(idx.ids) == 0 {
		delete(c.byService, rec.Service)
	}
}

// notifyIfChangedLocked fires subscriber callbacks for service when the
// healthy-instance id set differs from the last notification. Must be
// called with c.mu held.
func (c *Cache) notifyIfChangedLocked(service string) {
	idx, ok := c.byService[service]
	if !ok {
		idx = &serviceIndex{ids: map[string]struct{}{}, lastHealthy: map[string]struct{}{}}
	}

	healthyNow := make(map[string]struct{})
	var healthyRecs []models.InstanceRecord
	for id := range idx.ids {
		rec := c.instances[id]
		if rec.Health == models.HealthHealthy {
			healthyNow[id] = struct{}{}
			healthyRecs = append(healthyRecs, rec)
		}
	}

	if mapsEqual(healthyNow, idx.lastHealthy) {
		return
	}
	idx.lastHealthy = healthyNow
	c.byService[service] = idx

	c.subMu.Lock()
	callbacks := append([]func([]models.InstanceRecord){}, c.subscribers[service]...)
	c.subMu.Unlock()

	for _, cb := range callbacks {
		go cb(healthyRecs)
	}
}

func mapsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Discover returns the local snapshot for service, optionally filtered to
// only Healthy instances. Never blocks on the network.
func (c *Cache) Discover(service string, healthyOnly bool) []models.InstanceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.byService[service]
	if !ok {
		return nil
	}
	out := make([]models.InstanceRecord, 0, len(idx.ids))
	for id := range idx.ids {
		rec := c.instances[id]
		if healthyOnly && rec.Health != models.HealthHealthy {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// SelectableInstances returns every instance for service eligible for load
// balancing: Healthy and Weight > 0.
func (c *Cache) SelectableInstances(service string) []models.InstanceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.byService[service]
	if !ok {
		return nil
	}
	out := make([]models.InstanceRecord, 0, len(idx.ids))
	for id := range idx.ids {
		rec := c.instances[id]
		if rec.Selectable() {
			out = append(out, rec)
		}
	}
	return out
}

// LocalVersion returns the cache's current pull cursor.
func (c *Cache) LocalVersion() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localVersion
}

// Subscribe registers callback to be invoked whenever the set of healthy
// instances for service changes, diffed by id-set. The callback runs on
// its own goroutine and must not block the cache.
func (c *Cache) Subscribe(service string, callback func([]models.InstanceRecord)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers[service] = append(c.subscribers[service], callback)
}

// enqueuePush is called by the push subscription on every received event.
// Non-blocking: a full queue drops the event, relying on the next pull to
// reconcile (§4.3's best-effort push guarantee).
func (c *Cache) enqueuePush(ev models.ServiceChangeEvent) {
	select {
	case c.pushQueue <- ev:
	default:
		c.logger.Warn("push queue full, dropping event; pull will reconcile", "version", ev.Version)
	}
}

// batchApplierLoop drains the push queue every BatchInterval, or sooner if
// depth reaches BatchSize, applying only the highest-version event per id
// (§4.6).
func (c *Cache) batchApplierLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.BatchInterval)
	defer ticker.Stop()

	pending := make(map[string]models.ServiceChangeEvent)

	drain := func() {
		if len(pending) == 0 {
			return
		}
		c.applyBatch(pending)
		pending = make(map[string]models.ServiceChangeEvent)
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return
		case <-c.stopCh:
			drain()
			return
		case ev := <-c.pushQueue:
			if existing, ok := pending[ev.Instance.ID]; !ok || ev.Version > existing.Version {
				pending[ev.Instance.ID] = ev
			}
			if len(pending) >= c.cfg.BatchSize {
				drain()
			}
		case <-ticker.C:
			drain()
		}
	}
}

func (c *Cache) applyBatch(batch map[string]models.ServiceChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changedServices := make(map[string]struct{})

	for id, ev := range batch {
		existing, known := c.instances[id]
		if ev.Type == models.ChangeDeregistered || ev.Type == models.ChangeExpired {
			if known {
				delete(c.instances, id)
				c.unindexLocked(existing)
				changedServices[existing.Service] = struct{}{}
			}
			continue
		}
		if known && existing.Version >= ev.Version {
			continue
		}
		c.instances[id] = ev.Instance
		c.indexLocked(ev.Instance)
		changedServices[ev.Instance.Service] = struct{}{}
	}

	for svc := range changedServices {
		c.notifyIfChangedLocked(svc)
	}
}

// pushLoop maintains a best-effort WebSocket subscription to the
// registry's push channel, reconnecting with backoff on failure. Pull
// remains authoritative; this purely shortens staleness between pulls.
func (c *Cache) pushLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if err := c.runPushConnection(ctx); err != nil {
			c.logger.Debug("push connection ended, will retry", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Cache) runPushConnection(ctx context.Context) error {
	wsURL, err := toWebSocketURL(c.cfg.RegistryURL, "/ws/registry")
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial push channel: %w", err)
	}
	defer conn.Close()

	c.logger.Info("subscribed to registry push channel", "url", wsURL)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		var ev models.ServiceChangeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("read push frame: %w", err)
		}
		c.enqueuePush(ev)
	}
}

func toWebSocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path
	return u.String(), nil
}

// Client is the HTTP implementation of RegistryClient, used by production
// discovery caches.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against baseURL (e.g. http://localhost:5000).
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

func (c *Client) ChangesSince(ctx context.Context, since int64) (ChangesResponse, error) {
	u := fmt.Sprintf("%s/api/registry/changes?sinceVersion=%d", c.baseURL, since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ChangesResponse{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ChangesResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ChangesResponse{}, fmt.Errorf("changes request failed: status %d", resp.StatusCode)
	}

	var out ChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ChangesResponse{}, fmt.Errorf("decode changes response: %w", err)
	}
	return out, nil
}
