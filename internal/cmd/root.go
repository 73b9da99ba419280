// Package cmd implements the gofleet command line.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/config"
	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/internal/server/handlers"
)

// Exit codes reported through exitError.
const (
	ExitSuccess                    = 0
	ExitFailure                    = 1
	ExitInvalidArgument            = 2
	ExitConfigInvalid              = 3
	ExitFileNotFound               = 4
	ExitFileWriteError             = 5
	ExitExternalServiceUnavailable = 6
	ExitSignalInt                  = 130
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var appIdentity *config.AppIdentity

var (
	cfgFile  string
	logLevel string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "gofleet",
	Short: "Distributed test execution coordinator",
	Long: `gofleet coordinates test execution across a fleet of worker nodes.

It tracks node health, places tasks on the best-suited node, retries
failures, and optimizes batches through result caching, incremental
selection, and resource-aware grouping.

Examples:
  gofleet serve
  gofleet optimize --batch tasks.yaml --changed src/app.py
  gofleet submit --batch tasks.yaml --server http://localhost:8080
  gofleet report --server http://localhost:8080 --dest s3://reports/fleet`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		name := "gofleet"
		if id := GetAppIdentity(); id != nil {
			name = id.BinaryName
		}
		observability.InitCLILogger(name, verbose)
		if logLevel != "" {
			if err := observability.SetCLILevel(name, logLevel, "console"); err != nil {
				return exitError(ExitInvalidArgument, "Invalid --log-level", err)
			}
		}
		return nil
	},
}

func init() {
	id := config.DefaultIdentity
	appIdentity = &id

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./gofleet.yaml or user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx available to subcommands.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo records build metadata for the version command and
// the /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the CLI identity, or nil before init.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// setDefaults seeds the global viper instance with config defaults.
func setDefaults() {
	config.ApplyDefaults(viper.GetViper())
}

// loadConfig resolves configuration with the persistent flags and any
// command-specific overrides (dotted keys) applied at runtime precedence.
func loadConfig(ctx context.Context, overrides map[string]any) (*config.Config, error) {
	merged := map[string]any{}
	if logLevel != "" {
		merged["logging.level"] = logLevel
	} else if verbose {
		merged["logging.level"] = "debug"
	}
	for k, v := range overrides {
		merged[k] = v
	}
	cfg, err := config.LoadFile(ctx, cfgFile, merged)
	if err != nil {
		return nil, err
	}
	observability.CLILogger.Debug("Loaded configuration",
		zap.String("config_file", cfgFile),
		zap.String("log_level", cfg.Logging.Level))
	return cfg, nil
}

type codedError struct {
	code    int
	message string
	err     error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, message: message, err: err}
}

// ExitCode returns the process exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return ExitFailure
}
