// Package registry owns the node table: registration, heartbeats, liveness
// monitoring, availability filtering, and capacity accounting.
package registry

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/fleet"
)

// Config configures a Registry.
type Config struct {
	// HeartbeatTimeout is the heartbeat age after which a node is stale.
	// Default: 60s
	HeartbeatTimeout time.Duration

	// CheckInterval is how often Monitor runs CheckLiveness. Default: 10s
	CheckInterval time.Duration

	// HistorySize bounds heartbeat samples kept per node. Default: 100
	HistorySize int

	// ScoreWindow is how many recent heartbeats feed the response-time
	// penalty. Default: 10
	ScoreWindow int

	// Store and Publisher are optional. Failures are logged and ignored.
	Store     fleet.Store
	Publisher fleet.Publisher

	Now    func() time.Time
	Logger *zap.Logger
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 60 * time.Second,
		CheckInterval:    10 * time.Second,
		HistorySize:      100,
		ScoreWindow:      10,
	}
}

// HeartbeatSample is one reported metrics set.
type HeartbeatSample struct {
	Time    time.Time          `json:"timestamp"`
	Metrics map[string]float64 `json:"metrics"`
}

type entry struct {
	node    fleet.Node
	seq     uint64
	history []HeartbeatSample
}

// Registry is the node table. All methods are safe for concurrent use.
type Registry struct {
	cfg Config

	mu    sync.RWMutex
	nodes map[string]*entry
	seq   uint64

	// inflight holds the slot count of unregistered nodes that still had
	// tasks running. Release drains it; re-registering the id resumes it.
	inflight map[string]int
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.ScoreWindow <= 0 {
		cfg.ScoreWindow = def.ScoreWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{cfg: cfg, nodes: make(map[string]*entry), inflight: make(map[string]int)}
}

// HeartbeatTimeout returns the configured staleness threshold.
func (r *Registry) HeartbeatTimeout() time.Duration {
	return r.cfg.HeartbeatTimeout
}

func statusFor(n *fleet.Node) fleet.NodeStatus {
	if n.CurrentTasks >= n.MaxConcurrentTasks {
		return fleet.NodeBusy
	}
	return fleet.NodeActive
}

// Register adds a node or refreshes a known one. A refresh keeps the node's
// in-flight task count and registration order, and is rejected when the new
// max_concurrent_tasks is below that count. Re-registering an unregistered
// node resumes the slots its running tasks still hold.
func (r *Registry) Register(ctx context.Context, spec fleet.NodeSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	maxTasks := spec.MaxConcurrentTasks
	if maxTasks == 0 {
		maxTasks = fleet.DefaultMaxConcurrentTasks
	}
	now := r.cfg.Now().UTC()

	r.mu.Lock()
	e, known := r.nodes[spec.ID]
	running := r.inflight[spec.ID]
	if known {
		running = e.node.CurrentTasks
	}
	if maxTasks < running {
		r.mu.Unlock()
		return "", &fleet.ValidationError{
			Field:   "max_concurrent_tasks",
			Message: fmt.Sprintf("must be at least %d while that many tasks are running on %s", running, spec.ID),
		}
	}
	if !known {
		r.seq++
		e = &entry{seq: r.seq, node: fleet.Node{ID: spec.ID, RegisteredAt: now, CurrentTasks: running}}
		r.nodes[spec.ID] = e
		delete(r.inflight, spec.ID)
	}
	n := &e.node
	n.Host = spec.Host
	n.Port = spec.Port
	n.Capabilities = slices.Clone(spec.Capabilities)
	n.MaxConcurrentTasks = maxTasks
	n.LastHeartbeat = now
	n.PerformanceMetrics = cloneMetrics(spec.PerformanceMetrics)
	n.Metadata = spec.Metadata
	n.Status = statusFor(n)
	snapshot := n.Clone()
	r.mu.Unlock()

	r.cfg.Logger.Info("Node registered",
		zap.String("node_id", spec.ID),
		zap.String("host", spec.Host),
		zap.Int("port", spec.Port),
		zap.Bool("refreshed", known))

	r.save(ctx, snapshot)
	r.publish(ctx, fleet.TopicNodeRegistered, spec.ID, map[string]any{
		"capabilities": snapshot.Capabilities,
		"host":         snapshot.Host,
		"port":         snapshot.Port,
	})
	return spec.ID, nil
}

// Unregister removes a node immediately. In-flight tasks are not cancelled;
// their slots stay reserved until released.
func (r *Registry) Unregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.nodes[id]
	if ok {
		if e.node.CurrentTasks > 0 {
			r.inflight[id] = e.node.CurrentTasks
		}
		delete(r.nodes, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.cfg.Logger.Info("Node unregistered", zap.String("node_id", id))
	if r.cfg.Store != nil {
		if err := r.cfg.Store.DeleteNode(ctx, id); err != nil {
			r.cfg.Logger.Warn("Failed to delete node from store", zap.String("node_id", id), zap.Error(err))
		}
	}
	r.publish(ctx, fleet.TopicNodeUnregistered, id, nil)
	return true
}

// Heartbeat refreshes a node's liveness and replaces its metrics when
// metrics is non-nil. It returns false for unknown nodes. An offline node
// that heartbeats is schedulable again.
func (r *Registry) Heartbeat(ctx context.Context, id string, metrics map[string]float64) bool {
	now := r.cfg.Now().UTC()

	r.mu.Lock()
	e, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	n := &e.node
	n.LastHeartbeat = now
	if metrics != nil {
		n.PerformanceMetrics = cloneMetrics(metrics)
	}
	e.history = append(e.history, HeartbeatSample{Time: now, Metrics: cloneMetrics(metrics)})
	if over := len(e.history) - r.cfg.HistorySize; over > 0 {
		e.history = slices.Delete(e.history, 0, over)
	}
	revived := n.Status == fleet.NodeOffline
	if revived {
		n.Status = statusFor(n)
	}
	snapshot := n.Clone()
	r.mu.Unlock()

	if revived {
		r.cfg.Logger.Info("Node back online", zap.String("node_id", id))
	}
	r.save(ctx, snapshot)
	return true
}

// Get returns a copy of the node.
func (r *Registry) Get(id string) (fleet.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[id]
	if !ok {
		return fleet.Node{}, false
	}
	return e.node.Clone(), true
}

// Snapshot returns copies of all nodes in registration order.
func (r *Registry) Snapshot() []fleet.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.sortedLocked()
	out := make([]fleet.Node, len(entries))
	for i, e := range entries {
		out[i] = e.node.Clone()
	}
	return out
}

// History returns the heartbeat samples of a node, oldest first.
func (r *Registry) History(id string) []HeartbeatSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.nodes[id]; ok {
		return slices.Clone(e.history)
	}
	return nil
}

func (r *Registry) sortedLocked() []*entry {
	entries := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

// Available returns copies of the nodes that can take a task with the given
// requirements, best score first. Ties keep registration order.
//
// A node whose heartbeat is older than HeartbeatTimeout is excluded here but
// its status is left for CheckLiveness to change.
func (r *Registry) Available(req fleet.Requirements) []fleet.Node {
	now := r.cfg.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		node  fleet.Node
		score float64
	}
	var candidates []scored
	for _, e := range r.sortedLocked() {
		if !r.availableLocked(e, req, now) {
			continue
		}
		candidates = append(candidates, scored{node: e.node.Clone(), score: r.scoreLocked(e)})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	out := make([]fleet.Node, len(candidates))
	for i, c := range candidates {
		out[i] = c.node
	}
	return out
}

func (r *Registry) availableLocked(e *entry, req fleet.Requirements, now time.Time) bool {
	n := &e.node
	if !n.Status.Schedulable() {
		return false
	}
	if now.Sub(n.LastHeartbeat) > r.cfg.HeartbeatTimeout {
		return false
	}
	if n.CurrentTasks >= n.MaxConcurrentTasks {
		return false
	}
	if !n.HasCapabilities(req.Capabilities) {
		return false
	}
	return meetsResources(n, req.Resources)
}

// Missing gauges count as the worst case.
func meetsResources(n *fleet.Node, res fleet.Resources) bool {
	if res.MaxCPUUsage != nil && n.Metric(fleet.MetricCPUUsage, 100) > *res.MaxCPUUsage {
		return false
	}
	if res.MaxMemoryUsage != nil && n.Metric(fleet.MetricMemoryUsage, 100) > *res.MaxMemoryUsage {
		return false
	}
	if res.MinAvailableMemoryGB != nil && n.Metric(fleet.MetricAvailableMemoryGB, 0) < *res.MinAvailableMemoryGB {
		return false
	}
	return true
}

// Score returns the heuristic score of a node.
func (r *Registry) Score(id string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[id]
	if !ok {
		return 0, false
	}
	return r.scoreLocked(e), true
}

// scoreLocked computes
// 100 - 0.5*cpu - 0.3*mem - 20*load - 10*mean(recent avg_response_time),
// floored at zero. Unreported cpu and memory count as 50.
func (r *Registry) scoreLocked(e *entry) float64 {
	n := &e.node
	score := 100.0
	score -= 0.5 * n.Metric(fleet.MetricCPUUsage, 50)
	score -= 0.3 * n.Metric(fleet.MetricMemoryUsage, 50)
	if n.MaxConcurrentTasks > 0 {
		score -= 20 * float64(n.CurrentTasks) / float64(n.MaxConcurrentTasks)
	}
	if len(e.history) > 0 {
		recent := e.history[max(0, len(e.history)-r.cfg.ScoreWindow):]
		var sum float64
		for _, h := range recent {
			v, ok := h.Metrics[fleet.MetricAvgResponseTime]
			if !ok {
				v = 1.0
			}
			sum += v
		}
		score -= 10 * sum / float64(len(recent))
	}
	if math.IsNaN(score) {
		return 0
	}
	return max(score, 0)
}

// Acquire reserves one task slot on a node.
func (r *Registry) Acquire(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return fleet.ErrNodeNotFound
	}
	n := &e.node
	if !n.Status.Schedulable() {
		r.mu.Unlock()
		return fleet.ErrNodeUnavailable
	}
	if n.CurrentTasks >= n.MaxConcurrentTasks {
		r.mu.Unlock()
		return fleet.ErrNodeAtCapacity
	}
	n.CurrentTasks++
	changed := r.recomputeLocked(n)
	status := n.Status
	r.mu.Unlock()

	if changed {
		r.saveStatus(ctx, id, status)
	}
	return nil
}

// Adopt reserves a slot for a task that was already running before a
// restart. Status is ignored but capacity still holds.
func (r *Registry) Adopt(ctx context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.nodes[id]
	if !ok || e.node.CurrentTasks >= e.node.MaxConcurrentTasks {
		r.mu.Unlock()
		return false
	}
	e.node.CurrentTasks++
	changed := r.recomputeLocked(&e.node)
	status := e.node.Status
	r.mu.Unlock()

	if changed {
		r.saveStatus(ctx, id, status)
	}
	return true
}

// Release frees one task slot on a node. Slots of an unregistered node are
// drained from its tombstone and report ErrNodeNotFound.
func (r *Registry) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.nodes[id]
	if !ok {
		if left := r.inflight[id] - 1; left > 0 {
			r.inflight[id] = left
		} else {
			delete(r.inflight, id)
		}
		r.mu.Unlock()
		return fleet.ErrNodeNotFound
	}
	n := &e.node
	n.CurrentTasks = max(0, n.CurrentTasks-1)
	changed := r.recomputeLocked(n)
	status := n.Status
	r.mu.Unlock()

	if changed {
		r.saveStatus(ctx, id, status)
	}
	return nil
}

// recomputeLocked derives busy/active from load. Offline is left alone.
func (r *Registry) recomputeLocked(n *fleet.Node) bool {
	if n.Status == fleet.NodeOffline {
		return false
	}
	next := statusFor(n)
	if next == n.Status {
		return false
	}
	n.Status = next
	return true
}

// Restore loads persisted nodes. Slot counts start at zero; running tasks
// re-reserve theirs through Adopt.
func (r *Registry) Restore(nodes []fleet.Node) {
	sorted := slices.Clone(nodes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RegisteredAt.Before(sorted[j].RegisteredAt) })

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range sorted {
		if _, ok := r.nodes[n.ID]; ok {
			continue
		}
		r.seq++
		n = n.Clone()
		n.CurrentTasks = 0
		if n.MaxConcurrentTasks <= 0 {
			n.MaxConcurrentTasks = fleet.DefaultMaxConcurrentTasks
		}
		if n.Status != fleet.NodeOffline {
			n.Status = statusFor(&n)
		}
		r.nodes[n.ID] = &entry{node: n, seq: r.seq}
	}
	r.cfg.Logger.Info("Nodes restored", zap.Int("count", len(sorted)))
}

// CheckLiveness flags every node whose heartbeat is older than
// HeartbeatTimeout as offline and returns their ids. It is the only place
// a timeout changes node status.
func (r *Registry) CheckLiveness(ctx context.Context) []string {
	now := r.cfg.Now()

	r.mu.Lock()
	var offline []string
	for _, e := range r.sortedLocked() {
		n := &e.node
		if n.Status == fleet.NodeOffline {
			continue
		}
		if now.Sub(n.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			n.Status = fleet.NodeOffline
			offline = append(offline, n.ID)
		}
	}
	r.mu.Unlock()

	for _, id := range offline {
		r.cfg.Logger.Warn("Node offline", zap.String("node_id", id), zap.Duration("timeout", r.cfg.HeartbeatTimeout))
		r.saveStatus(ctx, id, fleet.NodeOffline)
		r.publish(ctx, fleet.TopicNodeOffline, id, nil)
	}
	return offline
}

// Monitor runs CheckLiveness every CheckInterval until ctx is done or the
// returned stop function is called.
func (r *Registry) Monitor(ctx context.Context) func() {
	t := time.NewTicker(r.cfg.CheckInterval)
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
				r.CheckLiveness(ctx)
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

func (r *Registry) save(ctx context.Context, n fleet.Node) {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.SaveNode(ctx, n); err != nil {
		r.cfg.Logger.Warn("Failed to persist node", zap.String("node_id", n.ID), zap.Error(err))
	}
}

func (r *Registry) saveStatus(ctx context.Context, id string, status fleet.NodeStatus) {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.UpdateNodeStatus(ctx, id, status); err != nil {
		r.cfg.Logger.Warn("Failed to persist node status", zap.String("node_id", id), zap.Error(err))
	}
}

func (r *Registry) publish(ctx context.Context, topic fleet.Topic, id string, data map[string]any) {
	if r.cfg.Publisher == nil {
		return
	}
	ev := fleet.NewEvent(topic, id, r.cfg.Now(), data)
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	ev.Data["node_id"] = id
	if err := r.cfg.Publisher.Publish(ctx, ev); err != nil {
		r.cfg.Logger.Warn("Failed to publish event", zap.String("topic", string(topic)), zap.Error(err))
	}
}

func cloneMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
