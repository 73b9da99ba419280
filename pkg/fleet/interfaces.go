package fleet

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Topic names an event emitted by the coordinator.
type Topic string

const (
	TopicNodeRegistered   Topic = "node.registered"
	TopicNodeUnregistered Topic = "node.unregistered"
	TopicNodeOffline      Topic = "node.offline"
	TopicTaskSubmitted    Topic = "task.submitted"
	TopicTaskStarted      Topic = "task.started"
	TopicTaskCompleted    Topic = "task.completed"
	TopicTaskRetried      Topic = "task.retried"
	TopicTaskFailed       Topic = "task.failed"
)

// Event is a notification published on a topic.
type Event struct {
	ID    string         `json:"event_id"`
	Topic Topic          `json:"topic"`
	Time  time.Time      `json:"timestamp"`
	Key   string         `json:"key,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Publisher delivers events to an external bus. Publish failures are
// logged by callers and never affect coordinator state.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Snapshot is the persisted state loaded on start.
type Snapshot struct {
	Nodes []Node
	Tasks []Task
}

// Store is an optional durable write-through collaborator.
type Store interface {
	SaveNode(ctx context.Context, n Node) error
	DeleteNode(ctx context.Context, id string) error
	UpdateNodeStatus(ctx context.Context, id string, status NodeStatus) error
	SaveTask(ctx context.Context, t Task) error
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, payload []byte) error
	LoadAll(ctx context.Context) (*Snapshot, error)
	Close() error
}

// Metrics is a recomputed snapshot of coordinator counters.
type Metrics struct {
	TotalNodes   int `json:"total_nodes"`
	ActiveNodes  int `json:"active_nodes"`
	BusyNodes    int `json:"busy_nodes"`
	IdleNodes    int `json:"idle_nodes"`
	OfflineNodes int `json:"offline_nodes"`

	TotalTasks     int `json:"total_tasks"`
	PendingTasks   int `json:"pending_tasks"`
	RunningTasks   int `json:"running_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`

	AverageExecutionTime float64   `json:"average_execution_time"`
	SuccessRate          float64   `json:"success_rate"`
	ThroughputPerMinute  float64   `json:"throughput_per_minute"`
	ResourceUtilization  float64   `json:"resource_utilization"`
	CollectedAt          time.Time `json:"collected_at"`
}

// MetricsSink receives every metrics snapshot.
type MetricsSink interface {
	RecordSnapshot(m Metrics)
}

// Dispatcher starts remote execution of a task on a node. A nil error means
// the node accepted the work; the outcome arrives later as an ExecutionResult.
type Dispatcher interface {
	Dispatch(ctx context.Context, node Node, task Task) error
}

// NewEvent builds an event with a fresh id.
func NewEvent(topic Topic, key string, at time.Time, data map[string]any) Event {
	return Event{ID: uuid.NewString(), Topic: topic, Time: at.UTC(), Key: key, Data: data}
}
