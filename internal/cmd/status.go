package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/3leaps/gofleet/pkg/coordinator"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a running coordinator's status",
	Long: `Fetch the status summary of a running coordinator: node and task counts
by state, queue length, and aggregate metrics.

Example:
  gofleet status --server http://coordinator:8080`,
	RunE: runStatus,
}

var statusServer string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusServer, "server", defaultServerURL, "Coordinator base URL")
}

func runStatus(cmd *cobra.Command, args []string) error {
	var st coordinator.StatusReport
	if err := newAPIClient(statusServer).get(cmd.Context(), "/v1/status", &st); err != nil {
		return exitError(ExitExternalServiceUnavailable, "Failed to fetch status", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return exitError(ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}
