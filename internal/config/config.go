// Package config loads gofleet configuration from defaults, an optional
// YAML file, GOFLEET_* environment variables, and runtime overrides.
package config

import (
	"time"
)

// Config is the full process configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Health      HealthConfig      `mapstructure:"health"`
	Debug       DebugConfig       `mapstructure:"debug"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Placement   PlacementConfig   `mapstructure:"placement"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Waves       WavesConfig       `mapstructure:"waves"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Store       StoreConfig       `mapstructure:"store"`
	Events      EventsConfig      `mapstructure:"events"`
	Reports     ReportsConfig     `mapstructure:"reports"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Profile is "structured" or "console".
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// CoordinatorConfig holds registry and scheduler timing.
type CoordinatorConfig struct {
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ScheduleInterval    time.Duration `mapstructure:"schedule_interval"`
	ScheduleBatchSize   int           `mapstructure:"schedule_batch_size"`
	MetricsInterval     time.Duration `mapstructure:"metrics_interval"`
	ExecutionTimeout    time.Duration `mapstructure:"execution_timeout"`
	OfflineGrace        time.Duration `mapstructure:"offline_grace"`
	DefaultMaxRetries   int           `mapstructure:"default_max_retries"`
	// CallbackURL is where nodes POST results. Derived from the server
	// address when empty.
	CallbackURL string `mapstructure:"callback_url"`
}

type PlacementConfig struct {
	RetrainSchedule string        `mapstructure:"retrain_schedule"`
	RetrainInterval time.Duration `mapstructure:"retrain_interval"`
	MinNewSamples   int           `mapstructure:"min_new_samples"`
}

type CacheConfig struct {
	MaxSizeMB      int64         `mapstructure:"max_size_mb"`
	Strategy       string        `mapstructure:"strategy"`
	ResultTTL      time.Duration `mapstructure:"result_ttl"`
	IncrementalTTL time.Duration `mapstructure:"incremental_ttl"`
}

type WavesConfig struct {
	Workers     int     `mapstructure:"workers"`
	MemoryLimit float64 `mapstructure:"memory_limit"`
	IOLimit     float64 `mapstructure:"io_limit"`
}

type DispatchConfig struct {
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	DSN       string `mapstructure:"dsn"`
}

type EventsConfig struct {
	Backend            string   `mapstructure:"backend"`
	BufferSize         int      `mapstructure:"buffer_size"`
	RedisAddr          string   `mapstructure:"redis_addr"`
	RedisChannelPrefix string   `mapstructure:"redis_channel_prefix"`
	KafkaBrokers       []string `mapstructure:"kafka_brokers"`
	KafkaTopicPrefix   string   `mapstructure:"kafka_topic_prefix"`
}

// ReportsConfig selects where exported reports go: a directory or an
// s3://bucket/prefix URI.
type ReportsConfig struct {
	Destination    string `mapstructure:"destination"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}
