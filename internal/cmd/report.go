package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/pkg/reportsink"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Fetch a coordinator's detailed report",
	Long: `Fetch the detailed report of a running coordinator: per-node detail,
task statistics, scheduling insights, and optimizer performance.

With --dest the report is written to a directory or an s3://bucket/prefix
destination instead of stdout. --dest "config" uses reports.destination
from configuration.

Example:
  gofleet report --server http://coordinator:8080
  gofleet report --dest ./reports
  gofleet report --dest s3://ci-reports/fleet/`,
	RunE: runReport,
}

var (
	reportServer string
	reportDest   string
)

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVar(&reportServer, "server", defaultServerURL, "Coordinator base URL")
	reportCmd.Flags().StringVar(&reportDest, "dest", "", "Export destination (directory, s3://bucket/prefix, or \"config\")")
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var report json.RawMessage
	if err := newAPIClient(reportServer).get(ctx, "/v1/report", &report); err != nil {
		return exitError(ExitExternalServiceUnavailable, "Failed to fetch report", err)
	}

	if reportDest == "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return exitError(ExitFileWriteError, "Failed to write output", err)
		}
		return nil
	}

	cfg, err := loadConfig(ctx, nil)
	if err != nil {
		return exitError(ExitConfigInvalid, "Failed to load config", err)
	}
	sinkCfg := reportsink.Config{
		Destination:    reportDest,
		Region:         cfg.Reports.Region,
		Endpoint:       cfg.Reports.Endpoint,
		Profile:        cfg.Reports.Profile,
		ForcePathStyle: cfg.Reports.ForcePathStyle,
	}
	if reportDest == "config" {
		sinkCfg.Destination = cfg.Reports.Destination
	}

	sink, err := reportsink.New(ctx, sinkCfg)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid report destination", err)
	}
	loc, err := reportsink.Export(ctx, sink, "report", time.Now(), report)
	if err != nil {
		observability.CLILogger.Error("Report export failed",
			zap.String("destination", sinkCfg.Destination),
			zap.Error(err))
		return exitError(ExitFileWriteError, "Failed to export report", err)
	}

	observability.CLILogger.Info("Report exported", zap.String("location", loc))
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), loc)
	return nil
}
