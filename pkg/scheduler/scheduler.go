// Package scheduler owns the task table and queue: submission, placement,
// dispatch, result handling, retries, and execution deadlines.
//
// Lock order: the scheduler lock may be held while calling the registry;
// the registry never calls back into the scheduler. Dispatch, store writes,
// and event publishing run after the lock is released.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/fleet"
)

// Registry is the node table as seen by the scheduler.
type Registry interface {
	Available(req fleet.Requirements) []fleet.Node
	Get(id string) (fleet.Node, bool)
	Acquire(ctx context.Context, id string) error
	Adopt(ctx context.Context, id string) bool
	Release(ctx context.Context, id string) error
}

// Placer chooses among candidates and learns from outcomes.
type Placer interface {
	Select(task fleet.Task, candidates []fleet.Node) (string, bool)
	Record(task fleet.Task, node fleet.Node, success bool, duration time.Duration)
}

// Config configures a Scheduler.
type Config struct {
	// Interval is the Run tick period. Default: 1s
	Interval time.Duration

	// BatchSize caps how many pending tasks one tick examines, placed or
	// not, so tick latency does not grow with the queue. Default: 10
	BatchSize int

	// ExecutionTimeout fails a running task with no result. Default: 10m
	ExecutionTimeout time.Duration

	// OfflineGrace is how long a task may run on an offline node before it
	// is failed. Default: 30s
	OfflineGrace time.Duration

	// DefaultMaxRetries applies when a submission omits max_retries.
	// Default: 3
	DefaultMaxRetries int

	// OnResult, when set, is called after a task completes successfully.
	OnResult func(task fleet.Task, result fleet.ExecutionResult)

	Store     fleet.Store
	Publisher fleet.Publisher

	Now    func() time.Time
	Logger *zap.Logger
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:          time.Second,
		BatchSize:         10,
		ExecutionTimeout:  10 * time.Minute,
		OfflineGrace:      30 * time.Second,
		DefaultMaxRetries: fleet.DefaultMaxRetries,
	}
}

type record struct {
	task         fleet.Task
	seq          uint64
	attempt      int
	deadline     time.Time
	offlineSince time.Time
}

type assignment struct {
	node    fleet.Node
	task    fleet.Task
	attempt int
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg        Config
	registry   Registry
	placer     Placer
	dispatcher fleet.Dispatcher

	mu    sync.Mutex
	tasks map[string]*record
	queue pendingQueue
	seq   uint64

	inflight sync.WaitGroup
}

// New creates a scheduler.
func New(reg Registry, placer Placer, dispatcher fleet.Dispatcher, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = def.ExecutionTimeout
	}
	if cfg.OfflineGrace <= 0 {
		cfg.OfflineGrace = def.OfflineGrace
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:        cfg,
		registry:   reg,
		placer:     placer,
		dispatcher: dispatcher,
		tasks:      make(map[string]*record),
	}
}

// effects are side effects collected under the lock and run after it.
type effects []func(ctx context.Context)

func (e effects) run(ctx context.Context) {
	for _, f := range e {
		f(ctx)
	}
}

// Submit validates spec and queues a pending task.
func (s *Scheduler) Submit(ctx context.Context, spec fleet.TaskSpec) (string, error) {
	t, err := fleet.NewTask(spec, s.cfg.Now().UTC(), s.cfg.DefaultMaxRetries)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if _, ok := s.tasks[t.ID]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", fleet.ErrDuplicateTask, t.ID)
	}
	s.seq++
	s.tasks[t.ID] = &record{task: *t, seq: s.seq}
	s.queue.push(t.ID, t.Priority, s.seq)
	snapshot := t.Clone()
	s.mu.Unlock()

	s.cfg.Logger.Info("Task submitted",
		zap.String("task_id", t.ID),
		zap.String("task_type", t.Type),
		zap.Int("priority", t.Priority))

	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveTask(ctx, snapshot); err != nil {
			s.cfg.Logger.Warn("Failed to persist task", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	s.publish(ctx, fleet.TopicTaskSubmitted, snapshot, map[string]any{
		"task_type": snapshot.Type,
		"priority":  snapshot.Priority,
	})
	return t.ID, nil
}

// Tick expires overdue running tasks, then examines up to BatchSize pending
// tasks in priority order and dispatches those that can be placed. It
// returns the number of tasks dispatched.
func (s *Scheduler) Tick(ctx context.Context) int {
	var fx effects
	var assigned []assignment

	s.mu.Lock()
	now := s.cfg.Now().UTC()
	fx = append(fx, s.expireLocked(ctx, now)...)

	var skipped []*queueItem
	for examined := 0; examined < s.cfg.BatchSize; {
		item, ok := s.queue.pop()
		if !ok {
			break
		}
		rec := s.tasks[item.id]
		if rec == nil || rec.task.Status != fleet.TaskPending {
			continue
		}
		examined++
		a, fxa, ok := s.assignLocked(ctx, rec, now)
		if !ok {
			skipped = append(skipped, item)
			continue
		}
		fx = append(fx, fxa...)
		assigned = append(assigned, a)
	}
	for _, item := range skipped {
		s.queue.restore(item)
	}
	s.mu.Unlock()

	fx.run(ctx)
	for _, a := range assigned {
		s.inflight.Add(1)
		go s.dispatch(ctx, a)
	}
	if len(assigned) > 0 {
		s.cfg.Logger.Debug("Tasks dispatched", zap.Int("count", len(assigned)))
	}
	return len(assigned)
}

func (s *Scheduler) assignLocked(ctx context.Context, rec *record, now time.Time) (assignment, effects, bool) {
	candidates := s.registry.Available(rec.task.Requirements)
	if len(candidates) == 0 {
		return assignment{}, nil, false
	}
	nodeID, ok := s.placer.Select(rec.task, candidates)
	if !ok {
		return assignment{}, nil, false
	}
	idx := slices.IndexFunc(candidates, func(n fleet.Node) bool { return n.ID == nodeID })
	if idx < 0 {
		return assignment{}, nil, false
	}
	if err := s.registry.Acquire(ctx, nodeID); err != nil {
		s.cfg.Logger.Debug("Node slot lost, task stays pending",
			zap.String("task_id", rec.task.ID),
			zap.String("node_id", nodeID),
			zap.Error(err))
		return assignment{}, nil, false
	}

	t := &rec.task
	started := now
	t.Status = fleet.TaskRunning
	t.AssignedNode = nodeID
	t.StartedAt = &started
	t.CompletedAt = nil
	t.Attempts = append(t.Attempts, fleet.Attempt{NodeID: nodeID, StartedAt: started})
	rec.attempt++
	rec.deadline = now.Add(s.cfg.ExecutionTimeout)
	rec.offlineSince = time.Time{}

	snapshot := t.Clone()
	s.cfg.Logger.Info("Task assigned",
		zap.String("task_id", t.ID),
		zap.String("node_id", nodeID),
		zap.Int("attempt", rec.attempt))

	fx := effects{
		s.persistFx(snapshot),
		func(ctx context.Context) {
			s.publish(ctx, fleet.TopicTaskStarted, snapshot, map[string]any{"node_id": nodeID})
		},
	}
	return assignment{node: candidates[idx], task: snapshot, attempt: rec.attempt}, fx, true
}

func (s *Scheduler) dispatch(ctx context.Context, a assignment) {
	defer s.inflight.Done()

	ctx, span := otel.Tracer("gofleet/scheduler").Start(ctx, "scheduler.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("task.id", a.task.ID),
			attribute.String("task.type", a.task.Type),
			attribute.String("node.id", a.node.ID),
			attribute.Int("task.attempt", a.attempt),
		))
	defer span.End()

	if err := s.dispatcher.Dispatch(ctx, a.node, a.task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.cfg.Logger.Warn("Dispatch failed",
			zap.String("task_id", a.task.ID),
			zap.String("node_id", a.node.ID),
			zap.Error(err))
		s.failAttempt(ctx, a.task.ID, a.attempt, "dispatch failed: "+err.Error())
	}
}

// failAttempt fails the given attempt if it is still the current one.
func (s *Scheduler) failAttempt(ctx context.Context, id string, attempt int, msg string) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok || rec.task.Status != fleet.TaskRunning || rec.attempt != attempt {
		s.mu.Unlock()
		return
	}
	fx := s.failLocked(ctx, rec, msg, s.cfg.Now().UTC())
	s.mu.Unlock()
	fx.run(ctx)
}

// Complete applies a node's result callback. Results for unknown or
// non-running tasks, or from a node the task is no longer bound to, are
// rejected with ErrTaskNotRunning.
func (s *Scheduler) Complete(ctx context.Context, result fleet.ExecutionResult) error {
	if result.TaskID == "" {
		return &fleet.ValidationError{Field: "task_id", Message: "is required"}
	}
	if result.Status != fleet.ResultSuccess && result.Status != fleet.ResultError {
		return &fleet.ValidationError{Field: "status", Message: fmt.Sprintf("must be %q or %q", fleet.ResultSuccess, fleet.ResultError)}
	}

	s.mu.Lock()
	rec, ok := s.tasks[result.TaskID]
	if !ok || rec.task.Status != fleet.TaskRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", fleet.ErrTaskNotRunning, result.TaskID)
	}
	if result.NodeID != "" && result.NodeID != rec.task.AssignedNode {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is bound to %s", fleet.ErrTaskNotRunning, result.TaskID, rec.task.AssignedNode)
	}

	now := s.cfg.Now().UTC()
	var fx effects
	if result.Succeeded() {
		fx = s.completeLocked(ctx, rec, result, now)
	} else {
		msg := result.Error
		if msg == "" {
			msg = "execution failed"
		}
		fx = s.failLocked(ctx, rec, msg, now)
	}
	s.mu.Unlock()

	fx.run(ctx)
	return nil
}

func (s *Scheduler) completeLocked(ctx context.Context, rec *record, result fleet.ExecutionResult, now time.Time) effects {
	t := &rec.task
	nodeID := t.AssignedNode
	completed := now
	t.Status = fleet.TaskCompleted
	t.CompletedAt = &completed
	t.Result = result.Result
	t.Error = ""
	t.ExecutionTime = result.ExecutionTime
	if t.ExecutionTime <= 0 && t.StartedAt != nil {
		t.ExecutionTime = now.Sub(*t.StartedAt).Seconds()
	}
	endAttempt(t, now, "")

	node := s.releaseLocked(ctx, nodeID)
	snapshot := t.Clone()
	duration := time.Duration(snapshot.ExecutionTime * float64(time.Second))

	s.cfg.Logger.Info("Task completed",
		zap.String("task_id", t.ID),
		zap.String("node_id", nodeID),
		zap.Float64("execution_time", t.ExecutionTime))

	return effects{
		func(context.Context) {
			if node != nil {
				s.placer.Record(snapshot, *node, true, duration)
			}
			if s.cfg.OnResult != nil {
				s.cfg.OnResult(snapshot, result)
			}
		},
		s.persistFx(snapshot),
		func(ctx context.Context) {
			s.publish(ctx, fleet.TopicTaskCompleted, snapshot, map[string]any{
				"node_id":        nodeID,
				"execution_time": snapshot.ExecutionTime,
				"success":        true,
			})
		},
	}
}

// failLocked releases the node first, then requeues the task while retries
// remain or marks it failed.
func (s *Scheduler) failLocked(ctx context.Context, rec *record, msg string, now time.Time) effects {
	t := &rec.task
	nodeID := t.AssignedNode
	endAttempt(t, now, msg)
	node := s.releaseLocked(ctx, nodeID)

	var elapsed time.Duration
	if t.StartedAt != nil {
		elapsed = now.Sub(*t.StartedAt)
	}

	fx := effects{s.recordFailureFx(t.Clone(), node, elapsed)}

	t.Error = msg
	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = fleet.TaskPending
		t.AssignedNode = ""
		t.StartedAt = nil
		s.seq++
		rec.seq = s.seq
		s.queue.push(t.ID, t.Priority, rec.seq)

		snapshot := t.Clone()
		s.cfg.Logger.Info("Task retry scheduled",
			zap.String("task_id", t.ID),
			zap.Int("retry_count", t.RetryCount),
			zap.String("error", msg))
		return append(fx, s.persistFx(snapshot), func(ctx context.Context) {
			s.publish(ctx, fleet.TopicTaskRetried, snapshot, map[string]any{
				"node_id":     nodeID,
				"error":       msg,
				"retry_count": snapshot.RetryCount,
			})
		})
	}

	completed := now
	t.Status = fleet.TaskFailed
	t.CompletedAt = &completed
	errPayload, _ := json.Marshal(map[string]string{"error": msg})
	t.Result = errPayload

	snapshot := t.Clone()
	s.cfg.Logger.Error("Task failed",
		zap.String("task_id", t.ID),
		zap.String("node_id", nodeID),
		zap.Int("retry_count", t.RetryCount),
		zap.String("error", msg))
	return append(fx, s.persistFx(snapshot), func(ctx context.Context) {
		s.publish(ctx, fleet.TopicTaskFailed, snapshot, map[string]any{
			"node_id":     nodeID,
			"error":       msg,
			"retry_count": snapshot.RetryCount,
		})
	})
}

func (s *Scheduler) recordFailureFx(t fleet.Task, node *fleet.Node, elapsed time.Duration) func(context.Context) {
	return func(context.Context) {
		if node != nil {
			s.placer.Record(t, *node, false, elapsed)
		}
	}
}

func endAttempt(t *fleet.Task, now time.Time, msg string) {
	if len(t.Attempts) == 0 {
		return
	}
	last := &t.Attempts[len(t.Attempts)-1]
	if last.EndedAt == nil {
		ended := now
		last.EndedAt = &ended
		last.Error = msg
	}
}

// releaseLocked frees the node slot and returns a copy of the node for
// learning, or nil when the node is gone.
func (s *Scheduler) releaseLocked(ctx context.Context, nodeID string) *fleet.Node {
	if nodeID == "" {
		return nil
	}
	if err := s.registry.Release(ctx, nodeID); err != nil {
		s.cfg.Logger.Debug("Release skipped", zap.String("node_id", nodeID), zap.Error(err))
		return nil
	}
	n, ok := s.registry.Get(nodeID)
	if !ok {
		return nil
	}
	return &n
}

// expireLocked fails running tasks past their deadline, and tasks whose
// node has been offline longer than OfflineGrace.
func (s *Scheduler) expireLocked(ctx context.Context, now time.Time) effects {
	var fx effects
	for _, rec := range s.runningLocked() {
		if now.After(rec.deadline) {
			fx = append(fx, s.failLocked(ctx, rec, "execution timeout", now)...)
			continue
		}
		n, ok := s.registry.Get(rec.task.AssignedNode)
		if !ok || n.Status != fleet.NodeOffline {
			rec.offlineSince = time.Time{}
			continue
		}
		if rec.offlineSince.IsZero() {
			rec.offlineSince = now
		}
		if now.Sub(rec.offlineSince) >= s.cfg.OfflineGrace {
			fx = append(fx, s.failLocked(ctx, rec, "node offline", now)...)
		}
	}
	return fx
}

func (s *Scheduler) runningLocked() []*record {
	var out []*record
	for _, rec := range s.tasks {
		if rec.task.Status == fleet.TaskRunning {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Get returns a copy of the task.
func (s *Scheduler) Get(id string) (fleet.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return fleet.Task{}, fmt.Errorf("%w: %s", fleet.ErrTaskNotFound, id)
	}
	return rec.task.Clone(), nil
}

// Filter selects tasks in List. Zero fields match everything.
type Filter struct {
	Status fleet.TaskStatus
	NodeID string
	IDs    []string
}

// List returns copies of matching tasks ordered by creation.
func (s *Scheduler) List(f Filter) []fleet.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]*record, 0, len(s.tasks))
	for _, rec := range s.tasks {
		if f.Status != "" && rec.task.Status != f.Status {
			continue
		}
		if f.NodeID != "" && rec.task.AssignedNode != f.NodeID {
			continue
		}
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, rec.task.ID) {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].task.CreatedAt, recs[j].task.CreatedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return recs[i].task.ID < recs[j].task.ID
	})

	out := make([]fleet.Task, len(recs))
	for i, rec := range recs {
		out[i] = rec.task.Clone()
	}
	return out
}

// QueueLen returns the number of queued pending tasks.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// Restore loads persisted tasks. Pending tasks are queued; running tasks
// re-reserve their node slot with a fresh deadline, or go back to pending
// when the slot cannot be reserved. Terminal tasks are kept for queries.
func (s *Scheduler) Restore(ctx context.Context, tasks []fleet.Task) {
	sorted := slices.Clone(tasks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	now := s.cfg.Now().UTC()
	var queued, rearmed int

	s.mu.Lock()
	for _, t := range sorted {
		if _, ok := s.tasks[t.ID]; ok {
			continue
		}
		s.seq++
		rec := &record{task: t.Clone(), seq: s.seq}
		s.tasks[t.ID] = rec

		if rec.task.Status == fleet.TaskRunning {
			if s.registry.Adopt(ctx, rec.task.AssignedNode) {
				rec.attempt = 1
				rec.deadline = now.Add(s.cfg.ExecutionTimeout)
				rearmed++
				continue
			}
			rec.task.Status = fleet.TaskPending
			rec.task.AssignedNode = ""
			rec.task.StartedAt = nil
		}
		if rec.task.Status == fleet.TaskPending {
			s.queue.push(rec.task.ID, rec.task.Priority, rec.seq)
			queued++
		}
	}
	s.mu.Unlock()

	s.cfg.Logger.Info("Tasks restored",
		zap.Int("total", len(sorted)),
		zap.Int("queued", queued),
		zap.Int("running", rearmed))
}

// Run calls Tick every Interval until ctx is done or the returned stop
// function is called. Stop waits for in-flight dispatches.
func (s *Scheduler) Run(ctx context.Context) func() {
	t := time.NewTicker(s.cfg.Interval)
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
				s.Tick(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(done)
			<-stopped
			s.inflight.Wait()
		})
	}
}

// Wait blocks until in-flight dispatches finish.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

func (s *Scheduler) persistFx(t fleet.Task) func(context.Context) {
	return func(ctx context.Context) {
		if s.cfg.Store == nil {
			return
		}
		payload, err := json.Marshal(t)
		if err == nil {
			err = s.cfg.Store.UpdateTaskStatus(ctx, t.ID, t.Status, payload)
		}
		if err != nil {
			s.cfg.Logger.Warn("Failed to persist task status",
				zap.String("task_id", t.ID),
				zap.String("status", string(t.Status)),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, topic fleet.Topic, t fleet.Task, data map[string]any) {
	if s.cfg.Publisher == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["task_id"] = t.ID
	if err := s.cfg.Publisher.Publish(ctx, fleet.NewEvent(topic, t.ID, s.cfg.Now(), data)); err != nil {
		s.cfg.Logger.Warn("Failed to publish event", zap.String("topic", string(topic)), zap.Error(err))
	}
}
