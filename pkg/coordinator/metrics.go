package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/scheduler"
)

// compute derives metrics from the live node and task tables.
func (c *Coordinator) compute() fleet.Metrics {
	now := c.cfg.Now()
	m := fleet.Metrics{CollectedAt: now.UTC()}

	var slotsUsed, slotsTotal int
	for _, n := range c.registry.Snapshot() {
		m.TotalNodes++
		switch n.Status {
		case fleet.NodeActive:
			m.ActiveNodes++
		case fleet.NodeBusy:
			m.BusyNodes++
		case fleet.NodeIdle:
			m.IdleNodes++
		case fleet.NodeOffline:
			m.OfflineNodes++
			continue
		}
		slotsUsed += n.CurrentTasks
		slotsTotal += n.MaxConcurrentTasks
	}
	if slotsTotal > 0 {
		m.ResourceUtilization = float64(slotsUsed) / float64(slotsTotal)
	}

	var execTotal float64
	var execCount, recent int
	windowStart := now.Add(-c.cfg.ThroughputWindow)
	for _, t := range c.scheduler.List(scheduler.Filter{}) {
		m.TotalTasks++
		switch t.Status {
		case fleet.TaskPending:
			m.PendingTasks++
		case fleet.TaskRunning:
			m.RunningTasks++
		case fleet.TaskCompleted:
			m.CompletedTasks++
			if t.CompletedAt != nil && !t.CompletedAt.Before(windowStart) {
				recent++
			}
		case fleet.TaskFailed:
			m.FailedTasks++
		}
		if t.Status.IsTerminal() {
			if d, ok := t.Duration(); ok {
				execTotal += d.Seconds()
				execCount++
			}
		}
	}
	if execCount > 0 {
		m.AverageExecutionTime = execTotal / float64(execCount)
	}
	if done := m.CompletedTasks + m.FailedTasks; done > 0 {
		m.SuccessRate = float64(m.CompletedTasks) / float64(done)
	}
	m.ThroughputPerMinute = float64(recent) / c.cfg.ThroughputWindow.Minutes()
	return m
}

// collect recomputes the snapshot, stores it as the latest, and pushes it
// to the metrics sink.
func (c *Coordinator) collect() fleet.Metrics {
	m := c.compute()
	c.mu.Lock()
	c.latest = m
	c.mu.Unlock()
	if c.cfg.MetricsSink != nil {
		c.cfg.MetricsSink.RecordSnapshot(m)
	}
	return m
}

// Metrics returns the most recent collected snapshot.
func (c *Coordinator) Metrics() fleet.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

func (c *Coordinator) runMetrics(ctx context.Context) func() {
	t := time.NewTicker(c.cfg.MetricsInterval)
	stopped := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				m := c.collect()
				purged := c.cache.Purge()
				c.optimizer.Sample()
				c.cfg.Logger.Debug("Metrics collected",
					zap.Int("total_nodes", m.TotalNodes),
					zap.Int("pending_tasks", m.PendingTasks),
					zap.Int("running_tasks", m.RunningTasks),
					zap.Int("cache_purged", purged))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(done)
			<-stopped
		})
	}
}
