package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/optimize"
	"github.com/3leaps/gofleet/pkg/scheduler"
)

// BatchResult describes a RunBatch call.
type BatchResult struct {
	Report optimize.Report `json:"optimization"`

	// Waves lists the submitted task ids per wave, in execution order.
	Waves [][]string `json:"waves"`

	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
}

// RunBatch optimizes specs, then submits the resulting waves one at a time:
// a wave is submitted only after every task of the previous wave reached a
// terminal status. Tasks removed by caching or incremental selection are
// not submitted. Cancelling ctx stops waiting; submitted tasks keep running.
func (c *Coordinator) RunBatch(ctx context.Context, specs []fleet.TaskSpec, changedFiles []string) (BatchResult, error) {
	now := c.cfg.Now()
	batch := make([]fleet.Task, 0, len(specs))
	byID := make(map[string]fleet.TaskSpec, len(specs))
	for i, spec := range specs {
		t, err := fleet.NewTask(spec, now, c.cfg.Scheduler.DefaultMaxRetries)
		if err != nil {
			return BatchResult{}, fmt.Errorf("batch task %d: %w", i, err)
		}
		if _, dup := byID[t.ID]; dup {
			return BatchResult{}, fmt.Errorf("batch task %d: %w: %s", i, fleet.ErrDuplicateTask, t.ID)
		}
		spec.ID = t.ID
		byID[t.ID] = spec
		batch = append(batch, *t)
	}

	groups, report, err := c.optimizer.Optimize(ctx, batch, changedFiles)
	if err != nil {
		return BatchResult{}, err
	}
	res := BatchResult{Report: report}

	for i, group := range groups {
		ids := make([]string, 0, len(group))
		for _, t := range group {
			id, err := c.scheduler.Submit(ctx, byID[t.ID])
			if err != nil {
				return res, fmt.Errorf("submit wave %d: %w", i, err)
			}
			ids = append(ids, id)
		}
		res.Waves = append(res.Waves, ids)
		c.cfg.Logger.Info("Wave submitted", zap.Int("wave", i), zap.Int("tasks", len(ids)))

		done, err := c.awaitTerminal(ctx, ids)
		for _, t := range done {
			if t.Status == fleet.TaskCompleted {
				res.Completed = append(res.Completed, t.ID)
			} else {
				res.Failed = append(res.Failed, t.ID)
			}
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// awaitTerminal polls until every id is terminal or ctx ends. It returns
// the tasks that finished.
func (c *Coordinator) awaitTerminal(ctx context.Context, ids []string) ([]fleet.Task, error) {
	poll := c.cfg.Scheduler.Interval
	if poll <= 0 {
		poll = time.Second
	}
	t := time.NewTicker(poll)
	defer t.Stop()

	for {
		tasks := c.scheduler.List(scheduler.Filter{IDs: ids})
		finished := 0
		for _, task := range tasks {
			if task.Status.IsTerminal() {
				finished++
			}
		}
		if finished == len(ids) {
			return tasks, nil
		}

		select {
		case <-ctx.Done():
			var done []fleet.Task
			for _, task := range tasks {
				if task.Status.IsTerminal() {
					done = append(done, task)
				}
			}
			return done, ctx.Err()
		case <-t.C:
		}
	}
}
