package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

// Redis key layout, the literal persisted-state design this control plane
// ships for multi-replica registries:
//
//	instance:{id}      string, JSON-encoded InstanceRecord, TTL = heartbeatTTL
//	service:{name}     set of instance IDs belonging to that service
//	svcmesh:version    integer counter, INCR'd on every mutation
//	svcmesh:changelog  sorted set, score=version, member=JSON ServiceChangeEvent
//	svcmesh:changes    pub/sub channel carrying JSON ServiceChangeEvent
const (
	keyInstancePrefix = "instance:"
	keyServicePrefix  = "service:"
	keyVersion        = "svcmesh:version"
	keyChangelog      = "svcmesh:changelog"
	channelChanges    = "svcmesh:changes"
)

// RedisConfig configures the Redis-backed durable Instance Store.
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	PoolSize        int
	MinIdleConns    int
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultRedisConfig returns sensible production defaults, mirroring the
// teacher's cache.CacheConfig defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:            "localhost:6379",
		DB:              0,
		PoolSize:        10,
		MinIdleConns:    1,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}
}

// RedisStore implements Store on top of go-redis, giving registry replicas
// a shared, durable view of instance state. Adapted from the teacher's
// infrastructure/cache.RedisCache: same client construction and health-check
// idiom, generalized from a generic Get/Set cache into the registry's
// specific key layout above.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies connectivity with a Ping,
// exactly as the teacher's NewRedisCache does.
func NewRedisStore(cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info("connected to redis instance store", "addr", cfg.Addr, "db", cfg.DB)
	return &RedisStore{client: client, logger: logger.With("component", "instance_store")}, nil
}

// NewRedisStoreFromClient wraps an existing client, used by tests against
// miniredis.
func NewRedisStoreFromClient(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, logger: logger.With("component", "instance_store")}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) nextVersion(ctx context.Context) (int64, error) {
	return s.client.Incr(ctx, keyVersion).Result()
}

func (s *RedisStore) Register(ctx context.Context, rec models.InstanceRecord) (models.InstanceRecord, error) {
	if rec.Service == "" || rec.Host == "" || rec.Port <= 0 {
		return models.InstanceRecord{}, models.ErrInvalidRecord
	}

	if rec.ID == "" {
		rec.ID = models.NewInstanceID()
	} else if existing, err := s.getInstance(ctx, rec.ID); err == nil && existing.Service != rec.Service {
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

	version, err := s.nextVersion(ctx)
	if err != nil {
		return models.InstanceRecord{}, fmt.Errorf("allocate version: %w", err)
	}
	rec.Version = version

	if err := s.putInstance(ctx, rec); err != nil {
		return models.InstanceRecord{}, err
	}
	if err := s.client.SAdd(ctx, keyServicePrefix+rec.Service, rec.ID).Err(); err != nil {
		return models.InstanceRecord{}, fmt.Errorf("index instance by service: %w", err)
	}

	if err := s.appendChange(ctx, models.ChangeRegistered, rec); err != nil {
		s.logger.Warn("failed to record change event", "error", err)
	}

	s.logger.Info("instance registered", "instance_id", rec.ID, "service", rec.Service, "version", rec.Version)
	return rec, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, id string) (models.InstanceRecord, error) {
	rec, err := s.getInstance(ctx, id)
	if err != nil {
		return models.InstanceRecord{}, err
	}

	rec.LastHeartbeat = time.Now()
	wasUnhealthy := rec.Health != models.HealthHealthy
	rec.Health = models.HealthHealthy

	version, err := s.nextVersion(ctx)
	if err != nil {
		return models.InstanceRecord{}, fmt.Errorf("allocate version: %w", err)
	}
	rec.Version = version

	if err := s.putInstance(ctx, rec); err != nil {
		return models.InstanceRecord{}, err
	}

	changeType := models.ChangeHeartbeat
	if wasUnhealthy {
		changeType = models.ChangeHealthChanged
	}
	if err := s.appendChange(ctx, changeType, rec); err != nil {
		s.logger.Warn("failed to record change event", "error", err)
	}

	return rec, nil
}

func (s *RedisStore) Deregister(ctx context.Context, id string) error {
	rec, err := s.getInstance(ctx, id)
	if err != nil {
		return err
	}

	if err := s.client.Del(ctx, keyInstancePrefix+id).Err(); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if err := s.client.SRem(ctx, keyServicePrefix+rec.Service, id).Err(); err != nil {
		return fmt.Errorf("unindex instance: %w", err)
	}

	version, err := s.nextVersion(ctx)
	if err != nil {
		return fmt.Errorf("allocate version: %w", err)
	}
	rec.Version = version

	if err := s.appendChange(ctx, models.ChangeDeregistered, rec); err != nil {
		s.logger.Warn("failed to record change event", "error", err)
	}

	s.logger.Info("instance deregistered", "instance_id", id, "service", rec.Service)
	return nil
}

func (s *RedisStore) SetHealth(ctx context.Context, id string, health models.HealthStatus) error {
	rec, err := s.getInstance(ctx, id)
	if err != nil {
		return err
	}
	if rec.Health == health {
		return nil
	}
	rec.Health = health

	version, err := s.nextVersion(ctx)
	if err != nil {
		return fmt.Errorf("allocate version: %w", err)
	}
	rec.Version = version

	if err := s.putInstance(ctx, rec); err != nil {
		return err
	}
	return s.appendChange(ctx, models.ChangeHealthChanged, rec)
}

func (s *RedisStore) Get(ctx context.Context, id string) (models.InstanceRecord, error) {
	return s.getInstance(ctx, id)
}

func (s *RedisStore) ListByService(ctx context.Context, service string) ([]models.InstanceRecord, error) {
	ids, err := s.client.SMembers(ctx, keyServicePrefix+service).Result()
	if err != nil {
		return nil, fmt.Errorf("list service members: %w", err)
	}

	out := make([]models.InstanceRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.getInstance(ctx, id)
		if err != nil {
			if err == models.ErrInstanceNotFound {
				// TTL expired between SMEMBERS and GET; the reaper will
				// clean the set entry up on its next pass.
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) ListServices(ctx context.Context) ([]string, error) {
	var services []string
	iter := s.client.Scan(ctx, 0, keyServicePrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		services = append(services, iter.Val()[len(keyServicePrefix):])
	}
	return services, iter.Err()
}

func (s *RedisStore) CurrentVersion(ctx context.Context) (int64, error) {
	v, err := s.client.Get(ctx, keyVersion).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (s *RedisStore) ChangesSince(ctx context.Context, since int64) ([]models.ServiceChangeEvent, error) {
	results, err := s.client.ZRangeByScore(ctx, keyChangelog, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", since),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range changelog: %w", err)
	}

	out := make([]models.ServiceChangeEvent, 0, len(results))
	for _, raw := range results {
		var ev models.ServiceChangeEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			s.logger.Warn("failed to decode changelog entry", "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe relays the Redis pub/sub channel into a buffered Go channel.
func (s *RedisStore) Subscribe(ctx context.Context) (<-chan models.ServiceChangeEvent, func(), error) {
	pubsub := s.client.Subscribe(ctx, channelChanges)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, nil, fmt.Errorf("subscribe to changes: %w", err)
	}

	out := make(chan models.ServiceChangeEvent, 256)
	done := make(chan struct{})

	go func() {
		msgCh := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var ev models.ServiceChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("failed to decode pub/sub change event", "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					s.logger.Warn("subscriber channel full, dropping change event", "version", ev.Version)
				}
			}
		}
	}()

	unsubscribe := func() {
		close(done)
		pubsub.Close()
		close(out)
	}
	return out, unsubscribe, nil
}

// ExpireStaleBefore scans service sets. An instance whose LastHeartbeat
// predates cutoff is removed through Deregister, which records a
// deregistered event, and is returned marked unhealthy. A set member whose
// key has already expired through the Redis TTL is dropped from the set;
// no change event is recorded for it.
func (s *RedisStore) ExpireStaleBefore(ctx context.Context, cutoff time.Time) ([]models.InstanceRecord, error) {
	services, err := s.ListServices(ctx)
	if err != nil {
		return nil, err
	}

	var expired []models.InstanceRecord
	for _, service := range services {
		ids, err := s.client.SMembers(ctx, keyServicePrefix+service).Result()
		if err != nil {
			continue
		}
		for _, id := range ids {
			rec, err := s.getInstance(ctx, id)
			if err == models.ErrInstanceNotFound {
				s.client.SRem(ctx, keyServicePrefix+service, id)
				continue
			}
			if err != nil {
				continue
			}
			if rec.LastHeartbeat.Before(cutoff) {
				if err := s.Deregister(ctx, id); err == nil {
					rec.Health = models.HealthUnhealthy
					expired = append(expired, rec)
				}
			}
		}
	}
	return expired, nil
}

// ListStale implements StaleLister for the Health Reaper's T_miss stage.
func (s *RedisStore) ListStale(ctx context.Context, threshold time.Time) ([]models.InstanceRecord, error) {
	services, err := s.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	var stale []models.InstanceRecord
	for _, service := range services {
		instances, err := s.ListByService(ctx, service)
		if err != nil {
			continue
		}
		for _, rec := range instances {
			if rec.Health == models.HealthHealthy && rec.LastHeartbeat.Before(threshold) {
				stale = append(stale, rec)
			}
		}
	}
	return stale, nil
}

func (s *RedisStore) putInstance(ctx context.Context, rec models.InstanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	if err := s.client.Set(ctx, keyInstancePrefix+rec.ID, data, heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("store instance: %w", err)
	}
	return nil
}

func (s *RedisStore) getInstance(ctx context.Context, id string) (models.InstanceRecord, error) {
	raw, err := s.client.Get(ctx, keyInstancePrefix+id).Result()
	if err == redis.Nil {
		return models.InstanceRecord{}, models.ErrInstanceNotFound
	}
	if err != nil {
		return models.InstanceRecord{}, fmt.Errorf("load instance: %w", err)
	}

	var rec models.InstanceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return models.InstanceRecord{}, fmt.Errorf("decode instance: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) appendChange(ctx context.Context, typ models.ChangeType, rec models.InstanceRecord) error {
	ev := models.ServiceChangeEvent{
		Version:   rec.Version,
		Type:      typ,
		Instance:  rec,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, keyChangelog, redis.Z{Score: float64(ev.Version), Member: data})
	pipe.ZRemRangeByRank(ctx, keyChangelog, 0, -(changeLogCapacity + 1))
	pipe.Publish(ctx, channelChanges, data)
	_, err = pipe.Exec(ctx)
	return err
}
