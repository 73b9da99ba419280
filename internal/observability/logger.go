// Package observability holds process-wide logging, metrics, and tracing
// setup for the gofleet binary.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It is a no-op until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Service string
	Level   string
	// Profile is "structured" (JSON) or "console".
	Profile string
}

// ParseLevel maps a level name to a zap level. An empty name is info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zap.InfoLevel, nil
	case "debug", "trace":
		return zap.DebugLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds a logger for long-running components.
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if strings.EqualFold(cfg.Profile, "console") {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if cfg.Service != "" {
		logger = logger.With(zap.String("service", cfg.Service))
	}
	return logger, nil
}

// InitCLILogger replaces CLILogger with a console logger writing to
// stderr. verbose enables debug output.
func InitCLILogger(service string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(LoggerConfig{Service: service, Level: level, Profile: "console"})
	if err != nil {
		return
	}
	CLILogger = logger
}

// SetCLILevel rebuilds CLILogger at the given level and profile.
func SetCLILevel(service, level, profile string) error {
	logger, err := NewLogger(LoggerConfig{Service: service, Level: level, Profile: profile})
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}
