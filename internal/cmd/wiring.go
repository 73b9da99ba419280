package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/config"
	"github.com/3leaps/gofleet/pkg/cache"
	"github.com/3leaps/gofleet/pkg/coordinator"
	"github.com/3leaps/gofleet/pkg/dispatch"
	"github.com/3leaps/gofleet/pkg/events"
	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/fleetstore"
)

// coordinatorConfig maps the loaded configuration onto component configs.
// The caller fills in Dispatcher, Store, Publisher, and MetricsSink.
func coordinatorConfig(cfg *config.Config, logger *zap.Logger) (coordinator.Config, error) {
	cc := coordinator.DefaultConfig()

	cc.Registry.HeartbeatTimeout = cfg.Coordinator.HeartbeatTimeout
	cc.Registry.CheckInterval = cfg.Coordinator.HealthCheckInterval

	cc.Scheduler.Interval = cfg.Coordinator.ScheduleInterval
	cc.Scheduler.BatchSize = cfg.Coordinator.ScheduleBatchSize
	cc.Scheduler.ExecutionTimeout = cfg.Coordinator.ExecutionTimeout
	cc.Scheduler.OfflineGrace = cfg.Coordinator.OfflineGrace
	cc.Scheduler.DefaultMaxRetries = cfg.Coordinator.DefaultMaxRetries

	cc.Placement.RetrainSchedule = cfg.Placement.RetrainSchedule
	cc.Placement.RetrainInterval = cfg.Placement.RetrainInterval
	cc.Placement.MinNewSamples = cfg.Placement.MinNewSamples

	policy, err := cache.ParsePolicy(cfg.Cache.Strategy)
	if err != nil {
		return coordinator.Config{}, exitError(ExitConfigInvalid, "Invalid cache strategy", err)
	}
	cc.Cache.Policy = policy
	cc.Cache.MaxSizeBytes = cfg.Cache.MaxSizeMB << 20
	cc.Optimize.ResultTTL = cfg.Cache.ResultTTL
	cc.Incremental.ResultTTL = cfg.Cache.IncrementalTTL

	cc.Waves.Workers = cfg.Waves.Workers
	cc.Waves.MemoryLimit = cfg.Waves.MemoryLimit
	cc.Waves.IOLimit = cfg.Waves.IOLimit

	cc.MetricsInterval = cfg.Coordinator.MetricsInterval
	cc.Version = versionInfo.Version
	cc.Logger = logger
	return cc, nil
}

// newDispatcher builds the HTTP dispatcher. Nodes post results back to the
// configured callback URL, or to this server's /v1/results.
func newDispatcher(cfg *config.Config, logger *zap.Logger) *dispatch.HTTPDispatcher {
	dc := dispatch.DefaultConfig()
	dc.CallbackURL = callbackURL(cfg)
	dc.RateLimit = cfg.Dispatch.RateLimit
	dc.Burst = cfg.Dispatch.Burst
	dc.Timeout = cfg.Dispatch.Timeout
	dc.Logger = logger
	return dispatch.New(dc)
}

func callbackURL(cfg *config.Config) string {
	if cfg.Coordinator.CallbackURL != "" {
		return cfg.Coordinator.CallbackURL
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)) + "/v1/results"
}

// openStore opens the configured fleet store. It returns nil when the
// driver is "none".
func openStore(ctx context.Context, sc config.StoreConfig) (*fleetstore.Store, error) {
	driver, err := fleetstore.ParseDriver(sc.Driver)
	if err != nil {
		return nil, exitError(ExitConfigInvalid, "Invalid store driver", err)
	}
	if driver == fleetstore.DriverNone {
		return nil, nil
	}
	st, err := fleetstore.Open(ctx, fleetstore.Config{
		Driver:    driver,
		Path:      sc.Path,
		URL:       sc.URL,
		AuthToken: sc.AuthToken,
		DSN:       sc.DSN,
	})
	if err != nil {
		return nil, exitError(ExitExternalServiceUnavailable, "Failed to open fleet store", err)
	}
	return st, nil
}

// openPublisher builds the configured event publisher behind an async
// buffer. It returns nil when events are disabled.
func openPublisher(ctx context.Context, ec config.EventsConfig, logger *zap.Logger) (fleet.Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend, err := events.ParseBackend(ec.Backend)
	if err != nil {
		return nil, exitError(ExitConfigInvalid, "Invalid events backend", err)
	}

	var pub fleet.Publisher
	switch backend {
	case "":
		return nil, nil
	case events.BackendLog:
		pub = events.NewLog(logger)
	case events.BackendRedis:
		client := events.NewRedisClient(ec.RedisAddr)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, exitError(ExitExternalServiceUnavailable, "Failed to reach redis",
				fmt.Errorf("ping %s: %w", ec.RedisAddr, err))
		}
		pub = events.NewRedis(client, ec.RedisChannelPrefix)
	case events.BackendKafka:
		if len(ec.KafkaBrokers) == 0 {
			return nil, exitError(ExitConfigInvalid, "Invalid events config", errors.New("kafka_brokers is required"))
		}
		pub = events.NewKafka(events.NewKafkaWriter(ec.KafkaBrokers), ec.KafkaTopicPrefix)
	}

	logger.Info("Event publishing enabled", zap.String("backend", string(backend)))
	return events.NewAsync(pub, ec.BufferSize, logger), nil
}
