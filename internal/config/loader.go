package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the binary, its env prefix, and its config file.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the gofleet binary.
var DefaultIdentity = AppIdentity{
	BinaryName: "gofleet",
	EnvPrefix:  "GOFLEET",
	ConfigName: "gofleet",
}

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
)

// Identity returns the identity used by the last Load, or nil.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// ApplyDefaults registers every default on v. Durations are strings so
// they decode the same way values from files and env do.
func ApplyDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("coordinator.heartbeat_timeout", "60s")
	v.SetDefault("coordinator.health_check_interval", "10s")
	v.SetDefault("coordinator.schedule_interval", "1s")
	v.SetDefault("coordinator.schedule_batch_size", 10)
	v.SetDefault("coordinator.metrics_interval", "30s")
	v.SetDefault("coordinator.execution_timeout", "10m")
	v.SetDefault("coordinator.offline_grace", "30s")
	v.SetDefault("coordinator.default_max_retries", 3)
	v.SetDefault("coordinator.callback_url", "")

	v.SetDefault("placement.retrain_schedule", "@every 1h")
	v.SetDefault("placement.retrain_interval", "6h")
	v.SetDefault("placement.min_new_samples", 50)

	v.SetDefault("cache.max_size_mb", 1024)
	v.SetDefault("cache.strategy", "adaptive")
	v.SetDefault("cache.result_ttl", "12h")
	v.SetDefault("cache.incremental_ttl", "24h")

	v.SetDefault("waves.workers", min(32, runtime.NumCPU()+4))
	v.SetDefault("waves.memory_limit", 8.0)
	v.SetDefault("waves.io_limit", 4.0)

	v.SetDefault("dispatch.rate_limit", 50.0)
	v.SetDefault("dispatch.burst", 10)
	v.SetDefault("dispatch.timeout", "10s")

	v.SetDefault("store.driver", "none")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.dsn", "")

	v.SetDefault("events.backend", "log")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.redis_addr", "localhost:6379")
	v.SetDefault("events.redis_channel_prefix", "gofleet:")
	v.SetDefault("events.kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("events.kafka_topic_prefix", "gofleet.")

	v.SetDefault("reports.destination", "reports")
	v.SetDefault("reports.region", "")
	v.SetDefault("reports.endpoint", "")
	v.SetDefault("reports.profile", "")
	v.SetDefault("reports.force_path_style", false)
}

// Load builds a Config. Precedence, highest first: runtime overrides,
// environment, config file, defaults. The result is also retained for
// GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile is Load with an explicit config file. An empty path searches
// the working directory and the user config directory.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := DefaultIdentity
	v := viper.New()
	ApplyDefaults(v)

	if err := readConfigFile(v, id, path); err != nil {
		return nil, err
	}

	configMu.Lock()
	appIdentity = &id
	configMu.Unlock()

	v.SetEnvPrefix(id.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for k, val := range flatten("", o) {
			v.Set(k, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 0 and 65535, got %d", c.Metrics.Port)
	}
	if c.Coordinator.DefaultMaxRetries < 0 {
		return fmt.Errorf("coordinator.default_max_retries must be >= 0, got %d", c.Coordinator.DefaultMaxRetries)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1], got %g", c.Tracing.SampleRatio)
	}
	return nil
}

func readConfigFile(v *viper.Viper, id AppIdentity, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(id.ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range userConfigPaths(id) {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func userConfigPaths(id AppIdentity) []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+id.ConfigName))
	}
	return paths
}

// envPaths maps short env names to config paths. Every other leaf is
// reachable as PREFIX_SECTION_KEY.
var envPaths = map[string]string{
	"HOST":             "server.host",
	"PORT":             "server.port",
	"READ_TIMEOUT":     "server.read_timeout",
	"WRITE_TIMEOUT":    "server.write_timeout",
	"IDLE_TIMEOUT":     "server.idle_timeout",
	"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
	"LOG_LEVEL":        "logging.level",
	"LOG_PROFILE":      "logging.profile",
	"METRICS_ENABLED":  "metrics.enabled",
	"METRICS_PORT":     "metrics.port",
	"HEALTH_ENABLED":   "health.enabled",
	"DEBUG":            "debug.enabled",
	"PPROF_ENABLED":    "debug.pprof_enabled",
	"WORKERS":          "waves.workers",
	"OTLP_ENDPOINT":    "tracing.endpoint",
	"CALLBACK_URL":     "coordinator.callback_url",
	"STORE_DRIVER":     "store.driver",
	"STORE_PATH":       "store.path",
	"STORE_URL":        "store.url",
	"STORE_AUTH_TOKEN": "store.auth_token",
	"STORE_DSN":        "store.dsn",
	"EVENTS_BACKEND":   "events.backend",
	"REDIS_ADDR":       "events.redis_addr",
	"KAFKA_BROKERS":    "events.kafka_brokers",
	"REPORTS_DEST":     "reports.destination",
}

// getEnvSpecs returns the explicit env mappings for the loaded identity,
// sorted by name. It is empty before Load.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}

	specs := make([]EnvSpec, 0, len(envPaths))
	for name, path := range envPaths {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + "_" + name, Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
