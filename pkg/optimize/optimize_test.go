package optimize

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/cache"
	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/incremental"
	"github.com/3leaps/gofleet/pkg/waves"
)

type harness struct {
	now    time.Time
	engine *Engine
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	c := cache.New(cache.Config{MaxSizeBytes: 4 << 20, Now: clock})
	inc := incremental.New(c, incremental.Config{Now: clock})
	w := waves.New(waves.Config{Workers: workers, MemoryLimit: 100, IOLimit: 100})
	h.engine = New(c, inc, w, Config{Now: clock})
	return h
}

func unitTask(id, payload string) fleet.Task {
	return fleet.Task{ID: id, Type: "unit_test", Payload: json.RawMessage(payload)}
}

func TestOptimizeGroupsWithoutHistory(t *testing.T) {
	h := newHarness(t, 1)
	batch := []fleet.Task{unitTask("a", `{"n":1}`), unitTask("b", `{"n":2}`), unitTask("c", `{"n":3}`)}

	groups, report, err := h.engine.Optimize(context.Background(), batch, nil)
	require.NoError(t, err)

	require.Len(t, groups, 2, "two 0.5 cpu tasks fit one worker")
	assert.Equal(t, 3, report.TotalTasks)
	assert.Equal(t, 0, report.CacheHits)
	assert.Equal(t, []string{StageGrouping}, report.OptimizationsApplied)
	assert.Equal(t, 30.0, report.TimeSavedSeconds)
	assert.Equal(t, 2, report.Groups)
}

func TestOptimizeRemovesCachedTasks(t *testing.T) {
	h := newHarness(t, 4)
	a := unitTask("a", `{"n":1}`)
	b := unitTask("b", `{"n":2}`)

	require.NoError(t, h.engine.CacheTaskResult(a, json.RawMessage(`{"ok":true}`), 12*time.Second, map[string]float64{"cpu": 0.5}))

	rerun := a
	rerun.ID = "a-rerun"
	groups, report, err := h.engine.Optimize(context.Background(), []fleet.Task{rerun, b}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, report.CacheHits)
	assert.Equal(t, []string{"a-rerun"}, report.CachedTasks)
	assert.Contains(t, report.OptimizationsApplied, StageCaching)
	require.Len(t, groups, 1)
	assert.Equal(t, "b", groups[0][0].ID)

	h.now = h.now.Add(13 * time.Hour)
	_, report, err = h.engine.Optimize(context.Background(), []fleet.Task{rerun, b}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.CacheHits, "result expired after 12h")
}

func TestCacheTaskResultFeedsHistory(t *testing.T) {
	h := newHarness(t, 4)
	task := unitTask("a", `{}`)

	require.NoError(t, h.engine.CacheTaskResult(task, nil, 10*time.Second, nil))
	assert.Equal(t, 10*time.Second, h.engine.waves.EstimateDuration("unit_test"))
	assert.False(t, h.engine.incremental.ShouldRun(task, false))
	assert.Len(t, h.engine.incremental.History(), 1)
}

func TestOptimizeIncrementalSkips(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.go")
	other := filepath.Join(dir, "b.go")
	require.NoError(t, os.WriteFile(src, []byte("package a"), 0644))
	require.NoError(t, os.WriteFile(other, []byte("package b"), 0644))

	h := newHarness(t, 4)
	h.engine.SetOptions(Options{Incremental: true, Grouping: true})

	affected := unitTask("affected", `{"n":1}`)
	affected.SourceFiles = []string{src}
	stable := unitTask("stable", `{"n":2}`)
	stable.SourceFiles = []string{other}
	fresh := unitTask("fresh", `{"n":3}`)

	require.NoError(t, h.engine.CacheTaskResult(affected, nil, time.Second, nil))
	require.NoError(t, h.engine.CacheTaskResult(stable, nil, time.Second, nil))

	groups, report, err := h.engine.Optimize(context.Background(), []fleet.Task{affected, stable, fresh}, []string{src})
	require.NoError(t, err)

	assert.Equal(t, 1, report.IncrementalSkips)
	assert.Equal(t, []string{"stable"}, report.SkippedTasks)
	assert.Contains(t, report.OptimizationsApplied, StageIncremental)

	var ids []string
	for _, g := range groups {
		for _, task := range g {
			ids = append(ids, task.ID)
		}
	}
	assert.ElementsMatch(t, []string{"affected", "fresh"}, ids)
	assert.InDelta(t, 1.0/3.0, h.engine.Metrics().IncrementalRatio, 1e-9)
}

func TestOptimizeWithoutGrouping(t *testing.T) {
	h := newHarness(t, 4)
	h.engine.SetOptions(Options{})

	groups, report, err := h.engine.Optimize(context.Background(),
		[]fleet.Task{unitTask("a", `1`), unitTask("b", `2`)}, nil)
	require.NoError(t, err)

	assert.Len(t, groups, 2)
	assert.Empty(t, report.OptimizationsApplied)
	assert.Zero(t, report.TimeSavedSeconds)
}

func TestOptimizeCountsOversizedGroups(t *testing.T) {
	h := newHarness(t, 2)
	batch := []fleet.Task{
		{ID: "perf", Type: "performance_test", Payload: json.RawMessage(`1`)},
		unitTask("a", `2`),
		unitTask("b", `3`),
	}

	groups, report, err := h.engine.Optimize(context.Background(), batch, nil)
	require.NoError(t, err)

	require.Len(t, groups, 2)
	assert.Equal(t, "perf", groups[0][0].ID)
	assert.Equal(t, 1, report.OversizedGroups)
}

func TestOptimizeCanceled(t *testing.T) {
	h := newHarness(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := h.engine.Optimize(ctx, []fleet.Task{unitTask("a", `1`)}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecommendationsAndHistory(t *testing.T) {
	h := newHarness(t, 4)
	assert.Len(t, h.engine.Recommendations(), 2)

	for range 3 {
		h.engine.Sample()
	}
	r := h.engine.Report()
	assert.Equal(t, 3, r.HistoryCount)
	assert.Len(t, r.Recommendations, 2)
}
