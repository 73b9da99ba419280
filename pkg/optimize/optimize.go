// Package optimize composes the result cache, incremental engine, and wave
// optimizer into a single batch optimization pass with a report.
package optimize

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/cache"
	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/incremental"
	"github.com/3leaps/gofleet/pkg/waves"
)

// Stage names reported in Report.OptimizationsApplied.
const (
	StageIncremental = "incremental_testing"
	StageCaching     = "result_caching"
	StageGrouping    = "parallel_optimization"
)

const taskKeyPrefix = "task_"

// Options toggles individual stages.
type Options struct {
	Incremental bool `json:"incremental"`
	Caching     bool `json:"caching"`
	Grouping    bool `json:"grouping"`
}

// AllStages enables every stage.
func AllStages() Options {
	return Options{Incremental: true, Caching: true, Grouping: true}
}

// Config configures an Engine.
type Config struct {
	// Options selects stages. Default: AllStages()
	Options *Options

	// ResultTTL is the lifetime of cached task results. Default: 12h
	ResultTTL time.Duration

	// HistorySize bounds the metrics history. Default: 100
	HistorySize int

	Now    func() time.Time
	Logger *zap.Logger
}

// Report describes one optimization pass.
type Report struct {
	TotalTasks           int           `json:"total_tasks"`
	OptimizationsApplied []string      `json:"optimizations_applied"`
	CacheHits            int           `json:"cache_hits"`
	IncrementalSkips     int           `json:"incremental_skips"`
	TimeSavedSeconds     float64       `json:"time_saved_seconds"`
	Groups               int           `json:"groups"`
	OversizedGroups      int           `json:"oversized_groups,omitempty"`
	SkippedTasks         []string      `json:"skipped_tasks,omitempty"`
	CachedTasks          []string      `json:"cached_tasks,omitempty"`
	Duration             time.Duration `json:"duration"`
}

// Metrics are cumulative across passes.
type Metrics struct {
	CacheHitRate     float64 `json:"cache_hit_rate"`
	CacheMissRate    float64 `json:"cache_miss_rate"`
	IncrementalRatio float64 `json:"incremental_test_ratio"`
	TotalTimeSaved   float64 `json:"total_time_saved_seconds"`
	Passes           int     `json:"passes"`
}

// HistoryEntry is one periodic sample of cache and optimizer metrics.
type HistoryEntry struct {
	Time    time.Time   `json:"timestamp"`
	Cache   cache.Stats `json:"cache_stats"`
	Metrics Metrics     `json:"metrics"`
}

// PerformanceReport is the detailed view exposed by the coordinator.
type PerformanceReport struct {
	Time            time.Time   `json:"timestamp"`
	Cache           cache.Stats `json:"cache_performance"`
	Metrics         Metrics     `json:"optimization_metrics"`
	HistoryCount    int         `json:"optimization_history_count"`
	Recommendations []string    `json:"recommendations"`
}

type cachedTask struct {
	Result        json.RawMessage    `json:"result,omitempty"`
	ExecutionTime float64            `json:"execution_time"`
	ResourceUsage map[string]float64 `json:"resource_usage,omitempty"`
	CachedAt      time.Time          `json:"timestamp"`
}

// Engine runs optimization passes. It is safe for concurrent use.
type Engine struct {
	cache       *cache.Cache
	incremental *incremental.Engine
	waves       *waves.Optimizer
	cfg         Config

	mu      sync.Mutex
	opts    Options
	metrics Metrics
	history []HistoryEntry
}

// New creates an engine over the given components.
func New(c *cache.Cache, inc *incremental.Engine, w *waves.Optimizer, cfg Config) *Engine {
	opts := AllStages()
	if cfg.Options != nil {
		opts = *cfg.Options
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 12 * time.Hour
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{cache: c, incremental: inc, waves: w, cfg: cfg, opts: opts}
}

// SetOptions replaces the enabled stages.
func (e *Engine) SetOptions(o Options) {
	e.mu.Lock()
	e.opts = o
	e.mu.Unlock()
}

// Options returns the enabled stages.
func (e *Engine) Options() Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts
}

// TaskKey returns the result-cache key for a task's content.
func TaskKey(t fleet.Task) (string, error) {
	h, err := fleet.ContentHash(t)
	if err != nil {
		return "", err
	}
	return taskKeyPrefix + h, nil
}

// Optimize filters batch through the enabled stages and groups what remains.
//
// With changedFiles, tasks neither affected by a change nor lacking a cached
// result are skipped. Tasks whose result is in the cache are then removed.
// The remainder is packed into waves, or one task per group when grouping is
// disabled.
func (e *Engine) Optimize(ctx context.Context, batch []fleet.Task, changedFiles []string) ([][]fleet.Task, Report, error) {
	_, span := otel.Tracer("gofleet/optimize").Start(ctx, "optimize.batch")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, Report{}, err
	}

	start := e.cfg.Now()
	opts := e.Options()
	report := Report{TotalTasks: len(batch), OptimizationsApplied: []string{}}

	tasks := slices.Clone(batch)

	if opts.Incremental && len(changedFiles) > 0 {
		if err := e.incremental.BuildDependencyMap(tasks); err != nil {
			return nil, report, fmt.Errorf("build dependency map: %w", err)
		}
		changed, _ := e.incremental.DetectChanges(changedFiles)
		if len(changed) > 0 {
			affected := make(map[string]struct{})
			for _, id := range e.incremental.AffectedTasks(changed) {
				affected[id] = struct{}{}
			}
			kept := tasks[:0]
			for _, t := range tasks {
				if _, ok := affected[t.ID]; ok || e.incremental.ShouldRun(t, false) {
					kept = append(kept, t)
					continue
				}
				report.IncrementalSkips++
				report.SkippedTasks = append(report.SkippedTasks, t.ID)
			}
			tasks = kept
			report.OptimizationsApplied = append(report.OptimizationsApplied, StageIncremental)
		}
	}

	remaining := tasks
	if opts.Caching {
		remaining = make([]fleet.Task, 0, len(tasks))
		for _, t := range tasks {
			key, err := TaskKey(t)
			if err != nil {
				e.cfg.Logger.Warn("Cannot compute cache key", zap.String("task_id", t.ID), zap.Error(err))
				remaining = append(remaining, t)
				continue
			}
			if _, ok := e.cache.Get(key); ok {
				report.CacheHits++
				report.CachedTasks = append(report.CachedTasks, t.ID)
				continue
			}
			remaining = append(remaining, t)
		}
		if report.CacheHits > 0 {
			report.OptimizationsApplied = append(report.OptimizationsApplied, StageCaching)
		}
	}

	var plan []waves.Group
	if opts.Grouping {
		plan = e.waves.Plan(remaining)
		if len(plan) > 1 {
			report.OptimizationsApplied = append(report.OptimizationsApplied, StageGrouping)
		}
	} else {
		plan = make([]waves.Group, 0, len(remaining))
		for _, t := range remaining {
			plan = append(plan, waves.Group{Tasks: []fleet.Task{t}, Duration: e.waves.EstimateDuration(t.Type)})
		}
	}

	groups := make([][]fleet.Task, len(plan))
	for i, g := range plan {
		groups[i] = g.Tasks
		if g.Oversized {
			report.OversizedGroups++
			e.cfg.Logger.Warn("Task exceeds wave resource limits, running it alone",
				zap.String("task_id", g.Tasks[0].ID),
				zap.String("task_type", g.Tasks[0].Type))
		}
	}

	saved := (e.waves.NaiveDuration(tasks) - waves.WaveDuration(plan)).Seconds()
	report.TimeSavedSeconds = max(0, saved)
	report.Groups = len(groups)
	report.Duration = e.cfg.Now().Sub(start)

	e.updateMetrics(report)

	span.SetAttributes(
		attribute.Int("optimize.total_tasks", report.TotalTasks),
		attribute.Int("optimize.cache_hits", report.CacheHits),
		attribute.Int("optimize.incremental_skips", report.IncrementalSkips),
		attribute.Int("optimize.groups", report.Groups),
	)
	e.cfg.Logger.Info("Batch optimized",
		zap.Int("total_tasks", report.TotalTasks),
		zap.Strings("optimizations", report.OptimizationsApplied),
		zap.Int("cache_hits", report.CacheHits),
		zap.Int("incremental_skips", report.IncrementalSkips),
		zap.Int("groups", report.Groups),
		zap.Float64("time_saved_seconds", report.TimeSavedSeconds))

	return groups, report, nil
}

func (e *Engine) updateMetrics(r Report) {
	stats := e.cache.Stats()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.CacheHitRate = stats.HitRate
	e.metrics.CacheMissRate = 1 - stats.HitRate
	e.metrics.TotalTimeSaved += r.TimeSavedSeconds
	if r.TotalTasks > 0 {
		e.metrics.IncrementalRatio = float64(r.IncrementalSkips) / float64(r.TotalTasks)
	}
	e.metrics.Passes++
}

// CacheTaskResult records a real execution: the result is cached under the
// task's content for ResultTTL, handed to the incremental engine, and the
// duration and usage feed the wave optimizer's history.
func (e *Engine) CacheTaskResult(t fleet.Task, result json.RawMessage, duration time.Duration, usage map[string]float64) error {
	key, err := TaskKey(t)
	if err != nil {
		return fmt.Errorf("cache key for task %s: %w", t.ID, err)
	}

	ok, err := e.cache.PutJSON(key, cachedTask{
		Result:        result,
		ExecutionTime: duration.Seconds(),
		ResourceUsage: usage,
		CachedAt:      e.cfg.Now().UTC(),
	}, cache.WithTTL(e.cfg.ResultTTL), cache.WithMetadata(map[string]any{
		"task_type":  t.Type,
		"test_level": t.TestLevel,
	}))
	if err != nil {
		return fmt.Errorf("cache result for task %s: %w", t.ID, err)
	}
	if !ok {
		e.cfg.Logger.Warn("Task result exceeds cache capacity", zap.String("task_id", t.ID))
	}

	if err := e.incremental.CacheResult(t, result, duration, usage); err != nil {
		return err
	}
	e.waves.Record(t.Type, duration, usage)
	return nil
}

// Metrics returns the cumulative metrics.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// Sample appends the current cache and optimizer metrics to the bounded
// history.
func (e *Engine) Sample() HistoryEntry {
	entry := HistoryEntry{Time: e.cfg.Now().UTC(), Cache: e.cache.Stats()}

	e.mu.Lock()
	defer e.mu.Unlock()
	entry.Metrics = e.metrics
	e.history = append(e.history, entry)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = slices.Delete(e.history, 0, over)
	}
	return entry
}

// History returns the sampled metrics, oldest first.
func (e *Engine) History() []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.history)
}

// Recommendations lists tuning hints derived from the cumulative metrics.
func (e *Engine) Recommendations() []string {
	m := e.Metrics()
	out := []string{}
	if m.CacheHitRate < 0.5 {
		out = append(out, "Cache hit rate is below 50%; consider a larger cache or a different eviction policy")
	}
	if m.IncrementalRatio < 0.3 {
		out = append(out, "Fewer than 30% of tasks are skipped incrementally; declare narrower source_files dependencies")
	}
	return out
}

// Report returns the detailed performance view.
func (e *Engine) Report() PerformanceReport {
	r := PerformanceReport{
		Time:            e.cfg.Now().UTC(),
		Cache:           e.cache.Stats(),
		Metrics:         e.Metrics(),
		Recommendations: e.Recommendations(),
	}
	e.mu.Lock()
	r.HistoryCount = len(e.history)
	e.mu.Unlock()
	return r
}
