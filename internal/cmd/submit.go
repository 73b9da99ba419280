package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gofleet/internal/errors"
	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/output"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task batch to a running coordinator",
	Long: `Submit every task in a batch manifest to a running coordinator.

Output is JSONL: one gofleet.submit.v1 or gofleet.error.v1 record per task,
then a gofleet.summary.v1 record.

Example:
  gofleet submit --batch tasks.yaml
  gofleet submit --batch tasks.yaml --server http://coordinator:8080`,
	RunE: runSubmit,
}

var (
	submitBatchPath string
	submitServer    string
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitBatchPath, "batch", "b", "", "Path to batch manifest (required)")
	submitCmd.Flags().StringVar(&submitServer, "server", defaultServerURL, "Coordinator base URL")

	_ = submitCmd.MarkFlagRequired("batch")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	start := time.Now()

	m, err := manifest.Load(submitBatchPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", submitBatchPath),
			zap.Error(err))
		return exitError(ExitInvalidArgument, "Invalid manifest", err)
	}
	specs, err := m.Specs()
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid manifest", err)
	}

	client := newAPIClient(submitServer)
	w := output.NewJSONLWriter(cmd.OutOrStdout(), uuid.NewString(), client.base)
	defer func() { _ = w.Close() }()

	sum := output.SummaryRecord{Tasks: len(specs)}
	for i, spec := range specs {
		var resp struct {
			Success bool   `json:"success"`
			TaskID  string `json:"task_id"`
		}
		if err := client.post(ctx, "/v1/tasks", spec, &resp); err != nil {
			sum.Rejected++
			if werr := w.WriteError(ctx, submitErrorRecord(i, spec.ID, err)); werr != nil {
				return exitError(ExitFileWriteError, "Failed to write output", werr)
			}
			var apiErr *apiError
			if !errors.As(err, &apiErr) {
				// Transport failure: the rest would fail the same way.
				return exitError(ExitExternalServiceUnavailable, "Coordinator unreachable", err)
			}
			continue
		}
		sum.Accepted++
		if err := w.WriteSubmit(ctx, &output.SubmitRecord{
			Index:    i,
			TaskID:   resp.TaskID,
			TaskType: spec.Type,
			Priority: spec.Priority,
		}); err != nil {
			return exitError(ExitFileWriteError, "Failed to write output", err)
		}
	}

	sum.Duration = time.Since(start)
	sum.DurationHuman = sum.Duration.Round(time.Millisecond).String()
	if err := w.WriteSummary(ctx, &sum); err != nil {
		return exitError(ExitFileWriteError, "Failed to write output", err)
	}

	observability.CLILogger.Info("Batch submitted",
		zap.Int("tasks", sum.Tasks),
		zap.Int("rejected", sum.Rejected))
	if sum.Rejected > 0 {
		return exitError(ExitFailure, "Some tasks were rejected",
			fmt.Errorf("%d of %d tasks rejected", sum.Rejected, sum.Tasks))
	}
	return nil
}

func submitErrorRecord(index int, taskID string, err error) *output.ErrorRecord {
	rec := &output.ErrorRecord{
		Code:    output.ErrCodeUnavailable,
		Message: err.Error(),
		Index:   index,
		TaskID:  taskID,
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			rec.Message = apiErr.Message
		}
		if len(apiErr.Details) > 0 {
			rec.Details = apiErr.Details
		}
		switch apiErr.Code {
		case apperrors.CodeValidation:
			rec.Code = output.ErrCodeValidation
		case apperrors.CodeConflict:
			rec.Code = output.ErrCodeConflict
		case apperrors.CodeServiceUnavailable:
			rec.Code = output.ErrCodeUnavailable
		default:
			rec.Code = output.ErrCodeInternal
		}
	}
	return rec
}
