package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/internal/server"
	"github.com/3leaps/gofleet/internal/server/handlers"
	"github.com/3leaps/gofleet/pkg/coordinator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator and its HTTP API",
	Long: `Run the coordinator: node registry, scheduler, placement engine, and
the HTTP API nodes and clients talk to.

Example:
  gofleet serve
  gofleet serve --port 9000
  GOFLEET_STORE_DRIVER=sqlite GOFLEET_STORE_PATH=fleet.db gofleet serve`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override server.host")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override server.port")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	overrides := map[string]any{}
	if serveHost != "" {
		overrides["server.host"] = serveHost
	}
	if servePort != 0 {
		overrides["server.port"] = servePort
	}
	cfg, err := loadConfig(ctx, overrides)
	if err != nil {
		return exitError(ExitConfigInvalid, "Failed to load config", err)
	}

	id := GetAppIdentity()
	logger, err := observability.NewLogger(observability.LoggerConfig{
		Service: id.BinaryName,
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
	})
	if err != nil {
		return exitError(ExitConfigInvalid, "Invalid logging config", err)
	}
	observability.CLILogger = logger
	defer func() { _ = logger.Sync() }()

	shutdownTracer, err := observability.InitTracer(ctx, id.BinaryName, versionInfo.Version, observability.TracingConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return exitError(ExitExternalServiceUnavailable, "Failed to initialize tracing", err)
	}
	defer shutdownTracer()

	var exp *observability.MetricsExporter
	if cfg.Metrics.Enabled {
		if exp, err = observability.InitMetrics(); err != nil {
			return exitError(ExitFailure, "Failed to initialize metrics", err)
		}
	}

	cc, err := coordinatorConfig(cfg, logger.Named("coordinator"))
	if err != nil {
		return err
	}
	cc.Dispatcher = newDispatcher(cfg, logger.Named("dispatch"))
	if exp != nil {
		cc.MetricsSink = exp
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
		cc.Store = store
	}

	pub, err := openPublisher(ctx, cfg.Events, logger.Named("events"))
	if err != nil {
		return err
	}
	if pub != nil {
		defer func() { _ = pub.Close() }()
		cc.Publisher = pub
	}

	coord, err := coordinator.New(cc)
	if err != nil {
		return exitError(ExitConfigInvalid, "Failed to build coordinator", err)
	}
	if err := coord.Start(ctx); err != nil {
		return exitError(ExitFailure, "Failed to start coordinator", err)
	}

	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("signal", signalHealthChecker{})
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
	hm.RegisterChecker("coordinator", coordinatorHealthChecker{c: coord})
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	if store != nil {
		hm.RegisterChecker("store", handlers.HealthCheckerFunc(func(ctx context.Context) error {
			return store.DB().PingContext(ctx)
		}))
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithCoordinator(coord),
		server.WithMetrics(exp),
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(cfg.Server),
		server.WithPprof(cfg.Debug.Enabled && cfg.Debug.PprofEnabled),
	)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()

	var metricsSrv *http.Server
	if exp != nil && cfg.Metrics.Port != 0 && cfg.Metrics.Port != cfg.Server.Port {
		metricsSrv = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port)),
			Handler:           exp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Metrics server starting", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	logger.Info("Coordinator serving",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version),
		zap.String("store", cfg.Store.Driver),
		zap.String("events", cfg.Events.Backend))

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("Server failed", zap.Error(serveErr))
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutCtx)
	}
	if err := coord.Stop(shutCtx); err != nil {
		logger.Warn("Coordinator stop incomplete", zap.Error(err))
	}
	logger.Info("Coordinator stopped")

	if serveErr != nil {
		return exitError(ExitExternalServiceUnavailable, "Server failed", serveErr)
	}
	return nil
}

// signalHealthChecker reports healthy while the process is handling
// requests; shutdown is driven by the signal context.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// telemetryHealthChecker fails until the metrics exporter is installed.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker verifies the CLI identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("identity: missing env prefix")
	case c.configName == "":
		return errors.New("identity: missing config name")
	}
	return nil
}

type coordinatorState interface {
	State() coordinator.Status
}

// coordinatorHealthChecker fails unless the coordinator is running.
type coordinatorHealthChecker struct {
	c coordinatorState
}

func (h coordinatorHealthChecker) CheckHealth(ctx context.Context) error {
	if s := h.c.State(); s != coordinator.StatusRunning {
		return fmt.Errorf("coordinator %s", s)
	}
	return nil
}
