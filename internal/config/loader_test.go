package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify logging defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)

		// Verify metrics and health defaults
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)

		// Verify debug defaults
		assert.False(t, cfg.Debug.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)
	})

	t.Run("CoordinatorDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 60*time.Second, cfg.Coordinator.HeartbeatTimeout)
		assert.Equal(t, 10*time.Second, cfg.Coordinator.HealthCheckInterval)
		assert.Equal(t, time.Second, cfg.Coordinator.ScheduleInterval)
		assert.Equal(t, 10, cfg.Coordinator.ScheduleBatchSize)
		assert.Equal(t, 30*time.Second, cfg.Coordinator.MetricsInterval)
		assert.Equal(t, 10*time.Minute, cfg.Coordinator.ExecutionTimeout)
		assert.Equal(t, 3, cfg.Coordinator.DefaultMaxRetries)

		assert.Equal(t, "@every 1h", cfg.Placement.RetrainSchedule)
		assert.Equal(t, 6*time.Hour, cfg.Placement.RetrainInterval)
		assert.Equal(t, 50, cfg.Placement.MinNewSamples)

		assert.Equal(t, int64(1024), cfg.Cache.MaxSizeMB)
		assert.Equal(t, "adaptive", cfg.Cache.Strategy)
		assert.Equal(t, 12*time.Hour, cfg.Cache.ResultTTL)
		assert.Equal(t, 24*time.Hour, cfg.Cache.IncrementalTTL)

		assert.LessOrEqual(t, cfg.Waves.Workers, 32)
		assert.Equal(t, 8.0, cfg.Waves.MemoryLimit)
		assert.Equal(t, 4.0, cfg.Waves.IOLimit)

		assert.Equal(t, 50.0, cfg.Dispatch.RateLimit)
		assert.Equal(t, "none", cfg.Store.Driver)
		assert.Equal(t, "log", cfg.Events.Backend)
		assert.Equal(t, []string{"localhost:9092"}, cfg.Events.KafkaBrokers)
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify overrides were applied
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Verify non-overridden values remain default
		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	// Test environment variable overrides
	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("GOFLEET_PORT", "3000")
		t.Setenv("GOFLEET_LOG_LEVEL", "warn")
		t.Setenv("GOFLEET_METRICS_ENABLED", "false")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
	})

	t.Run("SectionEnvOverrides", func(t *testing.T) {
		t.Setenv("GOFLEET_COORDINATOR_HEARTBEAT_TIMEOUT", "15s")
		t.Setenv("GOFLEET_KAFKA_BROKERS", "k1:9092,k2:9092")
		t.Setenv("GOFLEET_STORE_DRIVER", "sqlite")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 15*time.Second, cfg.Coordinator.HeartbeatTimeout)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
		assert.Equal(t, "sqlite", cfg.Store.Driver)
	})

	// Test config precedence: runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("GOFLEET_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Runtime override should take precedence over env var
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gofleet.yaml")
	content := strings.Join([]string{
		"server:",
		"  port: 7070",
		"coordinator:",
		"  offline_grace: 45s",
		"events:",
		"  backend: redis",
		"  redis_addr: cache:6379",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Run("FileValues", func(t *testing.T) {
		cfg, err := LoadFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, 45*time.Second, cfg.Coordinator.OfflineGrace)
		assert.Equal(t, "redis", cfg.Events.Backend)
		assert.Equal(t, "cache:6379", cfg.Events.RedisAddr)
		assert.Equal(t, "localhost", cfg.Server.Host)
	})

	t.Run("EnvBeatsFile", func(t *testing.T) {
		t.Setenv("GOFLEET_PORT", "7171")
		cfg, err := LoadFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 7171, cfg.Server.Port)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadFile(ctx, filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	ctx := context.Background()

	_, err := Load(ctx, map[string]any{"server": map[string]any{"port": 70000}})
	assert.ErrorContains(t, err, "server.port")

	_, err = Load(ctx, map[string]any{"tracing": map[string]any{"sample_ratio": 2.0}})
	assert.ErrorContains(t, err, "sample_ratio")
}

func TestLoadHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	cfg, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	t.Run("GetConfigReturnsLoadedConfig", func(t *testing.T) {
		retrieved := GetConfig()
		assert.NotNil(t, retrieved)
		assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
		assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
	})
}

func TestEnvSpecs(t *testing.T) {
	ctx := context.Background()
	_, err := Load(ctx)
	require.NoError(t, err)

	specs := getEnvSpecs()
	assert.NotEmpty(t, specs)

	envVarNames := make(map[string]bool)
	for _, spec := range specs {
		envVarNames[spec.Name] = true
	}

	assert.True(t, envVarNames["GOFLEET_LOG_LEVEL"], "LOG_LEVEL env var must be mapped")
	assert.True(t, envVarNames["GOFLEET_PORT"], "PORT env var must be mapped")
	assert.True(t, envVarNames["GOFLEET_HOST"], "HOST env var must be mapped")
	assert.True(t, envVarNames["GOFLEET_METRICS_PORT"], "METRICS_PORT env var must be mapped")
	assert.True(t, envVarNames["GOFLEET_STORE_DRIVER"], "STORE_DRIVER env var must be mapped")

	for _, spec := range specs {
		assert.True(t, strings.HasPrefix(spec.Name, "GOFLEET_"), "all specs should have GOFLEET_ prefix")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
}

func TestDurationParsing(t *testing.T) {
	ctx := context.Background()

	t.Setenv("GOFLEET_READ_TIMEOUT", "45s")
	t.Setenv("GOFLEET_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	overrides := map[string]any{
		"server": map[string]any{
			"port": initialPort + 1000,
		},
	}

	cfg2, err := Load(ctx, overrides)
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)

	current := GetConfig()
	assert.Equal(t, cfg2.Server.Port, current.Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		_, _ = Load(context.Background())
	}()

	assert.Empty(t, getEnvSpecs())
	assert.Nil(t, Identity())
	assert.Nil(t, GetConfig())
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"Server": map[string]any{"port": 1, "host": "h"},
		"workers": 2,
	})
	assert.Equal(t, map[string]any{"server.port": 1, "server.host": "h", "workers": 2}, got)
}
