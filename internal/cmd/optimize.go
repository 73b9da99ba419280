package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/pkg/coordinator"
	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/optimize"
	"github.com/3leaps/gofleet/pkg/output"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Plan a task batch without running it",
	Long: `Run the batch optimizer over a manifest and print the execution plan:
task ids per wave plus the optimization report.

Changed files come from --changed, falling back to the manifest's
changed_files list.

Example:
  gofleet optimize --batch tasks.yaml
  gofleet optimize --batch tasks.yaml --changed src/app.py --changed src/db.py
  gofleet optimize --batch tasks.yaml --no-grouping`,
	RunE: runOptimize,
}

var (
	optimizeBatchPath     string
	optimizeChanged       []string
	optimizeNoCache       bool
	optimizeNoIncremental bool
	optimizeNoGrouping    bool
	optimizeFormat        string
)

func init() {
	rootCmd.AddCommand(optimizeCmd)

	optimizeCmd.Flags().StringVarP(&optimizeBatchPath, "batch", "b", "", "Path to batch manifest (required)")
	optimizeCmd.Flags().StringSliceVar(&optimizeChanged, "changed", nil, "Changed source file (repeatable)")
	optimizeCmd.Flags().BoolVar(&optimizeNoCache, "no-cache", false, "Disable the result cache stage")
	optimizeCmd.Flags().BoolVar(&optimizeNoIncremental, "no-incremental", false, "Disable incremental selection")
	optimizeCmd.Flags().BoolVar(&optimizeNoGrouping, "no-grouping", false, "Disable resource-aware grouping")

	optimizeCmd.Flags().StringVar(&optimizeFormat, "format", "json", "Output format (json|jsonl)")

	_ = optimizeCmd.MarkFlagRequired("batch")
}

// offlineDispatcher backs a coordinator that only plans.
type offlineDispatcher struct{}

func (offlineDispatcher) Dispatch(context.Context, fleet.Node, fleet.Task) error {
	return errors.New("offline planning does not dispatch")
}

// OptimizePlan is the optimize command's output.
type OptimizePlan struct {
	Groups [][]string      `json:"groups"`
	Report optimize.Report `json:"report"`
}

func runOptimize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if optimizeFormat != "json" && optimizeFormat != "jsonl" {
		return exitError(ExitInvalidArgument, "Invalid --format value", fmt.Errorf("unsupported format: %s", optimizeFormat))
	}

	m, err := manifest.Load(optimizeBatchPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", optimizeBatchPath),
			zap.Error(err))
		return exitError(ExitInvalidArgument, "Invalid manifest", err)
	}
	batch, err := m.Build(time.Now())
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid manifest", err)
	}
	changed := optimizeChanged
	if len(changed) == 0 {
		changed = m.ChangedFiles
	}

	cfg, err := loadConfig(ctx, nil)
	if err != nil {
		return exitError(ExitConfigInvalid, "Failed to load config", err)
	}
	cc, err := coordinatorConfig(cfg, observability.CLILogger.Named("coordinator"))
	if err != nil {
		return err
	}
	cc.Dispatcher = offlineDispatcher{}
	coord, err := coordinator.New(cc)
	if err != nil {
		return exitError(ExitConfigInvalid, "Failed to build optimizer", err)
	}
	coord.SetOptimizeOptions(optimize.Options{
		Caching:     !optimizeNoCache,
		Incremental: !optimizeNoIncremental,
		Grouping:    !optimizeNoGrouping,
	})

	groups, report, err := coord.OptimizeBatch(ctx, batch, changed)
	if err != nil {
		return exitError(ExitFailure, "Optimization failed", err)
	}

	plan := OptimizePlan{Groups: make([][]string, len(groups)), Report: report}
	for i, g := range groups {
		plan.Groups[i] = make([]string, len(g))
		for j, t := range g {
			plan.Groups[i][j] = t.ID
		}
	}

	observability.CLILogger.Debug("Batch optimized",
		zap.Int("tasks", report.TotalTasks),
		zap.Int("groups", len(groups)),
		zap.Strings("changed_files", changed))

	if err := writePlan(ctx, cmd.OutOrStdout(), plan); err != nil {
		return exitError(ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

func writePlan(ctx context.Context, out io.Writer, plan OptimizePlan) error {
	if optimizeFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	w := output.NewJSONLWriter(out, uuid.NewString(), "offline")
	defer func() { _ = w.Close() }()
	for i, ids := range plan.Groups {
		if err := w.WriteWave(ctx, &output.WaveRecord{Wave: i, TaskIDs: ids}); err != nil {
			return err
		}
	}
	return nil
}
