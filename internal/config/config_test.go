package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetViper clears viper's global state between tests.
// Note: environment variables are read at runtime via AutomaticEnv,
// so we also unset any vars we set in tests to avoid cross-test pollution.
func resetViper() {
	viper.Reset()
}

func unsetEnvKeys(keys ...string) {
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)
	return path
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	resetViper()
	unsetEnvKeys(
		"SERVER_PORT",
		"SERVER_HOST",
		"STORE_BACKEND",
		"REAPER_T_MISS",
		"REAPER_T_EVICT",
		"DISCOVERY_REGISTRY_URL",
		"APP_ENVIRONMENT",
		"APP_DEBUG",
	)

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "memory", string(cfg.Store.Backend))
	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, false, cfg.App.Debug)
	assert.Equal(t, 60, int(cfg.Reaper.TMiss.Seconds()))
	assert.Equal(t, 120, int(cfg.Reaper.TEvict.Seconds()))
	assert.Equal(t, "http://localhost:5000", cfg.Discovery.RegistryURL)
	assert.Equal(t, []string{"svc", "api", "gateway"}, cfg.Proxy.PathPrefixes)
}

func TestLoadConfig_File(t *testing.T) {
	resetViper()
	unsetEnvKeys("SERVER_PORT", "STORE_BACKEND", "APP_ENVIRONMENT", "APP_DEBUG")

	yaml := `
app:
  environment: "production"
  debug: false
server:
  port: 9090
  host: "127.0.0.1"
store:
  backend: "redis"
  redis:
    addr: "redis:6379"
reaper:
  t_miss: "45s"
  t_evict: "90s"
log:
  level: "debug"
`
	path := writeTempYAML(t, yaml)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Environment)
	assert.False(t, cfg.App.Debug)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)

	assert.Equal(t, "redis", string(cfg.Store.Backend))
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)

	assert.Equal(t, 45, int(cfg.Reaper.TMiss.Seconds()))
	assert.Equal(t, 90, int(cfg.Reaper.TEvict.Seconds()))
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	resetViper()
	yaml := `
server:
  port: 8080
store:
  backend: "memory"
app:
  environment: "development"
  debug: true
`
	path := writeTempYAML(t, yaml)

	require.NoError(t, os.Setenv("SERVER_PORT", "9091"))
	require.NoError(t, os.Setenv("STORE_BACKEND", "redis"))
	require.NoError(t, os.Setenv("APP_ENVIRONMENT", "production"))
	require.NoError(t, os.Setenv("APP_DEBUG", "false"))
	t.Cleanup(func() {
		unsetEnvKeys("SERVER_PORT", "STORE_BACKEND", "APP_ENVIRONMENT", "APP_DEBUG")
	})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9091, cfg.Server.Port, "env should override file")
	assert.Equal(t, "redis", string(cfg.Store.Backend), "env should override file")
	assert.Equal(t, "production", cfg.App.Environment, "env should override file")
	assert.Equal(t, false, cfg.App.Debug, "env should override file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	resetViper()
	unsetEnvKeys("SERVER_PORT")

	invalid := `
server:
  port: : invalid
`
	path := writeTempYAML(t, invalid)

	cfg, err := LoadConfig(path)
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfig_ValidationError(t *testing.T) {
	resetViper()
	unsetEnvKeys("SERVER_PORT")

	yaml := `
server:
  port: -1
`
	path := writeTempYAML(t, yaml)

	cfg, err := LoadConfig(path)
	require.Error(t, err, "validation should fail for invalid server.port")
	assert.Nil(t, cfg)
}

func TestConfig_Validate_RejectsEvictBeforeMiss(t *testing.T) {
	cfg := Config{
		Server: ServerConfig{Port: 8080, Host: "0.0.0.0"},
		Store:  StoreConfig{Backend: StoreBackendMemory},
		Reaper: ReaperConfig{TMiss: 120 * time.Second, TEvict: 60 * time.Second},
		Log:    LogConfig{Level: "info"},
		App:    AppConfig{Name: "svcmesh"},
	}
	err := cfg.Validate()
	require.Error(t, err)
}
