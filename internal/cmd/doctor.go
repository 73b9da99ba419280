package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/config"
	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/pkg/events"
)

const doctorDialTimeout = 5 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the local setup and the backends the
configuration points at: fleet store, event broker, and report destination.

Examples:
  gofleet doctor
  GOFLEET_EVENTS_BACKEND=redis gofleet doctor`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, error)
}

func doctorChecks() []doctorCheck {
	return []doctorCheck{
		{"Go version", checkGoVersion},
		{"config directory", checkConfigDir},
		{"environment", func(context.Context, *config.Config) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
		{"fleet store", checkStore},
		{"event broker", checkEvents},
		{"report destination", checkReports},
	}
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")

	cfg, err := loadConfig(ctx, nil)
	if err != nil {
		log.Error("Checking configuration... ❌", zap.Error(err))
		return exitError(ExitConfigInvalid, "Invalid configuration", err)
	}
	log.Info("Checking configuration... ✅")

	checks := doctorChecks()
	failed := 0
	for i, c := range checks {
		label := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		detail, err := c.run(ctx, cfg)
		if err != nil {
			failed++
			log.Error(label+" ❌ "+detail, zap.Error(err))
			continue
		}
		log.Info(label + " ✅ " + detail)
	}

	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s setup is healthy.", bannerName))
	return nil
}

func checkGoVersion(context.Context, *config.Config) (string, error) {
	v := runtime.Version()
	if strings.HasPrefix(v, "go1.") && v < "go1.23" {
		return v, errors.New("go1.23 or newer recommended")
	}
	return v, nil
}

func checkConfigDir(context.Context, *config.Config) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return dir, nil
}

func checkStore(ctx context.Context, cfg *config.Config) (string, error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return cfg.Store.Driver, err
	}
	if st == nil {
		return "disabled", nil
	}
	defer func() { _ = st.Close() }()

	pctx, cancel := context.WithTimeout(ctx, doctorDialTimeout)
	defer cancel()
	if err := st.DB().PingContext(pctx); err != nil {
		return cfg.Store.Driver, err
	}
	return cfg.Store.Driver, nil
}

func checkEvents(ctx context.Context, cfg *config.Config) (string, error) {
	backend, err := events.ParseBackend(cfg.Events.Backend)
	if err != nil {
		return cfg.Events.Backend, err
	}

	dctx, cancel := context.WithTimeout(ctx, doctorDialTimeout)
	defer cancel()

	switch backend {
	case "":
		return "disabled", nil
	case events.BackendRedis:
		client := events.NewRedisClient(cfg.Events.RedisAddr)
		defer func() { _ = client.Close() }()
		if err := client.Ping(dctx).Err(); err != nil {
			return "redis " + cfg.Events.RedisAddr, err
		}
		return "redis " + cfg.Events.RedisAddr, nil
	case events.BackendKafka:
		var errs []error
		for _, broker := range cfg.Events.KafkaBrokers {
			conn, err := kafka.DialContext(dctx, "tcp", broker)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", broker, err))
				continue
			}
			_ = conn.Close()
		}
		return "kafka " + strings.Join(cfg.Events.KafkaBrokers, ","), errors.Join(errs...)
	default:
		return string(backend), nil
	}
}

// checkReports verifies local destinations are writable and that AWS
// credentials resolve for s3:// destinations.
func checkReports(ctx context.Context, cfg *config.Config) (string, error) {
	dest := cfg.Reports.Destination
	if !strings.HasPrefix(dest, "s3://") {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return dest, err
		}
		return dest, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Reports.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Reports.Region))
	}
	if cfg.Reports.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Reports.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		printAWSCredentialsHelp()
		return dest, fmt.Errorf("load aws config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		printAWSCredentialsHelp()
		return dest, fmt.Errorf("retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s (key %s via %s)", dest, maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials for S3 report export:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Run 'aws configure' and set GOFLEET_REPORTS_PROFILE, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("For S3-compatible storage also set reports.endpoint and reports.force_path_style.")
}
