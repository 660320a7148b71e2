package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for every svcmesh entrypoint
// (registry, proxy, agent demo). Each binary only reads the sections it
// needs, but all of them load through the same file/env precedence.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Balancer  BalancerConfig  `mapstructure:"balancer"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	App       AppConfig       `mapstructure:"app"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// ServerConfig holds HTTP server configuration shared by the registry and
// proxy entrypoints.
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// StoreBackend selects the Instance Store (C1) implementation.
type StoreBackend string

const (
	// StoreBackendMemory uses the single-process in-memory store. No
	// external dependencies; state does not survive a restart and is not
	// shared across replicas.
	StoreBackendMemory StoreBackend = "memory"

	// StoreBackendRedis uses the Redis-backed durable store, required for
	// any multi-replica registry deployment.
	StoreBackendRedis StoreBackend = "redis"
)

// StoreConfig selects and configures the Instance Store backend.
type StoreConfig struct {
	Backend StoreBackend `mapstructure:"backend"`
	Redis   RedisConfig  `mapstructure:"redis"`
}

// RedisConfig mirrors store.RedisConfig; kept as a separate type here so
// internal/config has no import-time dependency on internal/store.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// ReaperConfig configures the Health Reaper (C2): T_miss/T_evict demotion
// and eviction cutoffs plus the active T_probe health-check cadence.
type ReaperConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	TMiss         time.Duration `mapstructure:"t_miss"`
	TEvict        time.Duration `mapstructure:"t_evict"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// DiscoveryConfig configures the Discovery Cache (C6): the T_sync polling
// period against the Registry API and the push-path batching window.
type DiscoveryConfig struct {
	RegistryURL   string        `mapstructure:"registry_url"`
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	EnablePush    bool          `mapstructure:"enable_push"`
}

// BalancerConfig selects the Load Balancer (C7) policy.
type BalancerConfig struct {
	// Policy is one of "round_robin", "weighted_round_robin", "random",
	// "least_in_flight".
	Policy string `mapstructure:"policy"`
}

// ProxyConfig configures the Dynamic Reverse Proxy (C8).
type ProxyConfig struct {
	PathPrefixes []string `mapstructure:"path_prefixes"`
}

// AgentConfig configures the Agent (C5) sidecar/SDK used by a registering
// service instance.
type AgentConfig struct {
	RegistryURL           string            `mapstructure:"registry_url"`
	ServiceName           string            `mapstructure:"service_name"`
	Host                  string            `mapstructure:"host"`
	Port                  int               `mapstructure:"port"`
	Version               string            `mapstructure:"version"`
	Metadata              map[string]string `mapstructure:"metadata"`
	HealthCheckURL        string            `mapstructure:"health_check_url"`
	Weight                *int              `mapstructure:"weight"`
	HeartbeatInterval     time.Duration     `mapstructure:"heartbeat_interval"`
	AutoRegister          bool              `mapstructure:"auto_register"`
	RegisterRetryCount    int               `mapstructure:"register_retry_count"`
	RegisterRetryInterval time.Duration     `mapstructure:"register_retry_interval"`
	// FailurePolicy is one of "fail_fast", "continue_without_registration",
	// "continue_and_retry".
	FailurePolicy string `mapstructure:"failure_policy"`
}

// LogConfig holds logging-related configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig holds metrics-related configuration.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// AuthConfig configures role-tiered access control on the Registry API.
// Enabled turns enforcement on; each entry in APIKeys maps a caller's
// presented key to the role it is granted. With Enabled false no key is
// checked, so local/dev deployments need no setup; with Enabled true and
// no keys, every gated request is rejected.
type AuthConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	APIKeys map[string]string `mapstructure:"api_keys"`
}

// AppConfig holds process identity configuration.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables only.
func LoadConfigFromEnv() (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values, mirroring the
// DefaultConfig constructors in each component package.
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 5000)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown_timeout", "30s")

	// Store defaults
	viper.SetDefault("store.backend", "memory")
	viper.SetDefault("store.redis.addr", "localhost:6379")
	viper.SetDefault("store.redis.db", 0)
	viper.SetDefault("store.redis.pool_size", 10)
	viper.SetDefault("store.redis.min_idle_conns", 1)
	viper.SetDefault("store.redis.dial_timeout", "5s")
	viper.SetDefault("store.redis.read_timeout", "3s")
	viper.SetDefault("store.redis.write_timeout", "3s")
	viper.SetDefault("store.redis.max_retries", 3)
	viper.SetDefault("store.redis.min_retry_backoff", "8ms")
	viper.SetDefault("store.redis.max_retry_backoff", "512ms")

	// Reaper defaults (T_miss=60s, T_evict=120s, T_probe=30s)
	viper.SetDefault("reaper.sweep_interval", "15s")
	viper.SetDefault("reaper.t_miss", "60s")
	viper.SetDefault("reaper.t_evict", "120s")
	viper.SetDefault("reaper.probe_interval", "30s")
	viper.SetDefault("reaper.probe_timeout", "5s")

	// Discovery defaults (T_sync=5s)
	viper.SetDefault("discovery.registry_url", "http://localhost:5000")
	viper.SetDefault("discovery.sync_interval", "5s")
	viper.SetDefault("discovery.batch_interval", "100ms")
	viper.SetDefault("discovery.batch_size", 100)
	viper.SetDefault("discovery.enable_push", true)

	// Balancer defaults
	viper.SetDefault("balancer.policy", "round_robin")

	// Proxy defaults
	viper.SetDefault("proxy.path_prefixes", []string{"svc", "api", "gateway"})

	// Agent defaults
	viper.SetDefault("agent.registry_url", "http://localhost:5000")
	viper.SetDefault("agent.heartbeat_interval", "30s")
	viper.SetDefault("agent.auto_register", true)
	viper.SetDefault("agent.register_retry_count", 3)
	viper.SetDefault("agent.register_retry_interval", "5s")
	viper.SetDefault("agent.failure_policy", "continue_and_retry")

	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.namespace", "svcmesh")

	// Auth defaults: disabled until operators configure real API keys.
	viper.SetDefault("auth.enabled", false)

	// App defaults
	viper.SetDefault("app.name", "svcmesh")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	switch StoreBackend(c.Store.Backend) {
	case StoreBackendMemory, StoreBackendRedis:
	default:
		return fmt.Errorf("invalid store backend: %s (must be 'memory' or 'redis')", c.Store.Backend)
	}

	if c.Store.Backend == StoreBackendRedis && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr cannot be empty when store.backend='redis'")
	}

	if c.Reaper.TMiss <= 0 || c.Reaper.TEvict <= 0 {
		return fmt.Errorf("reaper.t_miss and reaper.t_evict must be positive")
	}
	if c.Reaper.TEvict <= c.Reaper.TMiss {
		return fmt.Errorf("reaper.t_evict (%s) must be greater than reaper.t_miss (%s)", c.Reaper.TEvict, c.Reaper.TMiss)
	}

	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}

	if c.App.Name == "" {
		return fmt.Errorf("app name cannot be empty")
	}

	return nil
}

// IsDevelopment returns true if the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if the application is running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebug returns true if debug mode is enabled.
func (c *Config) IsDebug() bool {
	return c.App.Debug || c.IsDevelopment()
}

// UsesRedisStore returns true if the registry is configured for the
// Redis-backed durable store.
func (c *Config) UsesRedisStore() bool {
	return StoreBackend(c.Store.Backend) == StoreBackendRedis
}
