package coordinator

import (
	"time"

	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/optimize"
	"github.com/3leaps/gofleet/pkg/placement"
)

// NodeCounts groups nodes by status.
type NodeCounts struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Busy    int `json:"busy"`
	Idle    int `json:"idle"`
	Offline int `json:"offline"`
}

// TaskCounts groups tasks by status.
type TaskCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// StatusReport is the summary returned by Status.
type StatusReport struct {
	CoordinatorStatus Status        `json:"coordinator_status"`
	UptimeSeconds     float64       `json:"uptime_seconds"`
	Timestamp         time.Time     `json:"timestamp"`
	Nodes             NodeCounts    `json:"nodes"`
	Tasks             TaskCounts    `json:"tasks"`
	QueueLength       int           `json:"queue_length"`
	Metrics           fleet.Metrics `json:"metrics"`
}

// NodeDetail is the per-node section of the detailed report.
type NodeDetail struct {
	Status             fleet.NodeStatus   `json:"status"`
	CurrentTasks       int                `json:"current_tasks"`
	MaxConcurrentTasks int                `json:"max_concurrent_tasks"`
	Capabilities       []string           `json:"capabilities"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics"`
	LastHeartbeat      time.Time          `json:"last_heartbeat"`
	Score              float64            `json:"score"`
}

// TaskStatistics aggregates finished work.
type TaskStatistics struct {
	TotalProcessed       int     `json:"total_tasks_processed"`
	AverageExecutionTime float64 `json:"average_execution_time"`
	SuccessRate          float64 `json:"success_rate"`
	ThroughputPerMinute  float64 `json:"throughput_per_minute"`
}

// CoordinatorInfo identifies the running coordinator.
type CoordinatorInfo struct {
	Status        Status  `json:"status"`
	UptimeSeconds float64 `json:"uptime"`
	Version       string  `json:"version"`
}

// DetailedReport extends the status with per-node detail, scheduling
// insights, and optimizer performance.
type DetailedReport struct {
	Timestamp   time.Time                  `json:"timestamp"`
	Coordinator CoordinatorInfo            `json:"coordinator_info"`
	Metrics     fleet.Metrics              `json:"performance_metrics"`
	Nodes       map[string]NodeDetail      `json:"node_details"`
	Tasks       TaskStatistics             `json:"task_statistics"`
	Scheduling  placement.Insights         `json:"scheduling_insights"`
	Performance optimize.PerformanceReport `json:"optimization_performance"`
}

func (c *Coordinator) uptime(now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	return now.Sub(c.startedAt).Seconds()
}

// Status recomputes counts from the live tables.
func (c *Coordinator) Status() StatusReport {
	m := c.compute()
	now := m.CollectedAt
	return StatusReport{
		CoordinatorStatus: c.State(),
		UptimeSeconds:     c.uptime(now),
		Timestamp:         now,
		Nodes: NodeCounts{
			Total:   m.TotalNodes,
			Active:  m.ActiveNodes,
			Busy:    m.BusyNodes,
			Idle:    m.IdleNodes,
			Offline: m.OfflineNodes,
		},
		Tasks: TaskCounts{
			Pending:   m.PendingTasks,
			Running:   m.RunningTasks,
			Completed: m.CompletedTasks,
			Failed:    m.FailedTasks,
		},
		QueueLength: c.scheduler.QueueLen(),
		Metrics:     m,
	}
}

// DetailedReport returns the full operator report.
func (c *Coordinator) DetailedReport() DetailedReport {
	m := c.compute()
	now := m.CollectedAt

	nodes := c.registry.Snapshot()
	details := make(map[string]NodeDetail, len(nodes))
	for _, n := range nodes {
		score, _ := c.registry.Score(n.ID)
		details[n.ID] = NodeDetail{
			Status:             n.Status,
			CurrentTasks:       n.CurrentTasks,
			MaxConcurrentTasks: n.MaxConcurrentTasks,
			Capabilities:       n.Capabilities,
			PerformanceMetrics: n.PerformanceMetrics,
			LastHeartbeat:      n.LastHeartbeat,
			Score:              score,
		}
	}

	return DetailedReport{
		Timestamp: now,
		Coordinator: CoordinatorInfo{
			Status:        c.State(),
			UptimeSeconds: c.uptime(now),
			Version:       c.cfg.Version,
		},
		Metrics: m,
		Nodes:   details,
		Tasks: TaskStatistics{
			TotalProcessed:       m.CompletedTasks + m.FailedTasks,
			AverageExecutionTime: m.AverageExecutionTime,
			SuccessRate:          m.SuccessRate,
			ThroughputPerMinute:  m.ThroughputPerMinute,
		},
		Scheduling:  c.placement.Insights(),
		Performance: c.optimizer.Report(),
	}
}
