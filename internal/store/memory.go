package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

// heartbeatTTL is the Redis TTL RedisStore puts on each instance key; a key
// not rewritten within it expires. The Health Reaper uses its own
// T_miss/T_evict cutoffs, not this value.
const heartbeatTTL = 5 * time.Minute

const changeLogCapacity = 10000

// MemoryStore is an in-process Store implementation: a map guarded by a
// single RWMutex, with an append-only ring buffer change log and a set of
// subscriber channels for the push path. Adapted from the
// map-plus-RWMutex shape the teacher uses for its target discovery cache,
// generalized to support versioned mutation and event fan-out.
type MemoryStore struct {
	mu sync.RWMutex

	instances map[string]models.InstanceRecord
	byService map[string]map[string]struct{} // service -> set of instance IDs

	version int64
	changes []models.ServiceChangeEvent // ring buffer, oldest evicted first

	subscribers map[chan models.ServiceChangeEvent]struct{}

	logger *slog.Logger
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		instances:   make(map[string]models.InstanceRecord),
		byService:   make(map[string]map[string]struct{}),
		subscribers: make(map[chan models.ServiceChangeEvent]struct{}),
		logger:      logger.With("component", "instance_store"),
	}
}

func (s *MemoryStore) Register(ctx context.Context, rec models.InstanceRecord) (models.InstanceRecord, error) {
	if rec.Service == "" || rec.Host == "" || rec.Port <= 0 {
		return models.InstanceRecord{}, models.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = models.NewInstanceID()
	} else if existing, ok := s.instances[rec.ID]; ok && existing.Service != rec.Service {
		return models.InstanceRecord{}, models.ErrServiceBindingChanged
	}
	now := time.Now()
	rec.RegisteredAt = now
	rec.LastHeartbeat = now
	if rec.Health == "" {
		rec.Health = models.HealthHealthy
	}
	// Weight default resolution happens at the API boundary via a
	// nullable field; a zero here is an explicit "registered but do not
	// select" and must pass through unchanged.

	s.version++
	rec.Version = s.version
	s.instances[rec.ID] = rec.Clone()

	set, ok := s.byService[rec.Service]
	if !ok {
		set = make(map[string]struct{})
		s.byService[rec.Service] = set
	}
	set[rec.ID] = struct{}{}

	s.appendChange(models.ChangeRegistered, rec)

	s.logger.Info("instance registered", "instance_id", rec.ID, "service", rec.Service, "version", rec.Version)
	return rec.Clone(), nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, id string) (models.InstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[id]
	if !ok {
		return models.InstanceRecord{}, models.ErrInstanceNotFound
	}

	rec.LastHeartbeat = time.Now()
	wasUnhealthy := rec.Health != models.HealthHealthy
	rec.Health = models.HealthHealthy
	s.version++
	rec.Version = s.version
	s.instances[id] = rec.Clone()

	if wasUnhealthy {
		s.appendChange(models.ChangeHealthChanged, rec)
	} else {
		s.appendChange(models.ChangeHeartbeat, rec)
	}

	return rec.Clone(), nil
}

func (s *MemoryStore) Deregister(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[id]
	if !ok {
		return models.ErrInstanceNotFound
	}

	delete(s.instances, id)
	if set, ok := s.byService[rec.Service]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byService, rec.Service)
		}
	}

	s.version++
	rec.Version = s.version
	s.appendChange(models.ChangeDeregistered, rec)

	s.logger.Info("instance deregistered", "instance_id", id, "service", rec.Service)
	return nil
}

func (s *MemoryStore) SetHealth(ctx context.Context, id string, health models.HealthStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[id]
	if !ok {
		return models.ErrInstanceNotFound
	}
	if rec.Health == health {
		return nil
	}

	rec.Health = health
	s.version++
	rec.Version = s.version
	s.instances[id] = rec.Clone()

	s.appendChange(models.ChangeHealthChanged, rec)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (models.InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.instances[id]
	if !ok {
		return models.InstanceRecord{}, models.ErrInstanceNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListByService(ctx context.Context, service string) ([]models.InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byService[service]
	out := make([]models.InstanceRecord, 0, len(ids))
	for id := range ids {
		out = append(out, s.instances[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListServices(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.byService))
	for name := range s.byService {
		out = append(out, name)
	}
	return out, nil
}

func (s *MemoryStore) CurrentVersion(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

func (s *MemoryStore) ChangesSince(ctx context.Context, since int64) ([]models.ServiceChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ServiceChangeEvent, 0)
	for _, ev := range s.changes {
		if ev.Version > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan models.ServiceChangeEvent, func(), error) {
	ch := make(chan models.ServiceChangeEvent, 256)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}

	return ch, unsubscribe, nil
}

// ListStale implements StaleLister for the Health Reaper's T_miss stage:
// instances still marked Healthy whose last heartbeat predates threshold.
func (s *MemoryStore) ListStale(ctx context.Context, threshold time.Time) ([]models.InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []models.InstanceRecord
	for _, rec := range s.instances {
		if rec.Health == models.HealthHealthy && rec.LastHeartbeat.Before(threshold) {
			stale = append(stale, rec.Clone())
		}
	}
	return stale, nil
}

// ExpireStaleBefore implements Reapable for the Health Reaper.
func (s *MemoryStore) ExpireStaleBefore(ctx context.Context, cutoff time.Time) ([]models.InstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.InstanceRecord
	for id, rec := range s.instances {
		if rec.LastHeartbeat.Before(cutoff) {
			delete(s.instances, id)
			if set, ok := s.byService[rec.Service]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(s.byService, rec.Service)
				}
			}
			s.version++
			rec.Version = s.version
			s.appendChange(models.ChangeExpired, rec)
			expired = append(expired, rec.Clone())
		}
	}
	return expired, nil
}

// appendChange must be called with s.mu held for writing. It appends to the
// ring buffer and fans the event out to subscribers without blocking.
func (s *MemoryStore) appendChange(typ models.ChangeType, rec models.InstanceRecord) {
	ev := models.ServiceChangeEvent{
		Version:   rec.Version,
		Type:      typ,
		Instance:  rec.Clone(),
		Timestamp: time.Now(),
	}

	s.changes = append(s.changes, ev)
	if len(s.changes) > changeLogCapacity {
		s.changes = s.changes[len(s.changes)-changeLogCapacity:]
	}

	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("subscriber channel full, dropping change event", "version", ev.Version)
		}
	}
}
