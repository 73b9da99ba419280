// Package coordinator wires the registry, scheduler, placement engine, and
// performance engine into one process and runs their periodic loops.
//
// Lifecycle: New builds every component. Start loads persisted state,
// restores the node and task tables, and starts the liveness monitor, the
// scheduling tick, the retraining schedule, and the metrics loop. Stop
// reverses that and waits for in-flight dispatches.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/cache"
	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/incremental"
	"github.com/3leaps/gofleet/pkg/optimize"
	"github.com/3leaps/gofleet/pkg/placement"
	"github.com/3leaps/gofleet/pkg/registry"
	"github.com/3leaps/gofleet/pkg/scheduler"
	"github.com/3leaps/gofleet/pkg/waves"
)

// Status is the coordinator lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Config configures a Coordinator. Component sections use their package
// defaults for zero values; Store, Publisher, Now, and Logger are applied
// to every component.
type Config struct {
	Registry    registry.Config
	Scheduler   scheduler.Config
	Placement   placement.Config
	Cache       cache.Config
	Incremental incremental.Config
	Waves       waves.Config
	Optimize    optimize.Config

	// MetricsInterval is the metrics collection period. Default: 30s
	MetricsInterval time.Duration

	// ThroughputWindow is the completion window for throughput per minute.
	// Default: 5m
	ThroughputWindow time.Duration

	// Version is reported in the detailed report.
	Version string

	Dispatcher  fleet.Dispatcher
	Store       fleet.Store
	Publisher   fleet.Publisher
	MetricsSink fleet.MetricsSink

	Now    func() time.Time
	Logger *zap.Logger
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg Config

	registry    *registry.Registry
	placement   *placement.Engine
	scheduler   *scheduler.Scheduler
	cache       *cache.Cache
	incremental *incremental.Engine
	waves       *waves.Optimizer
	optimizer   *optimize.Engine

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	stops     []func()
	latest    fleet.Metrics
}

// DefaultConfig returns every component's defaults.
func DefaultConfig() Config {
	return Config{
		Registry:         registry.DefaultConfig(),
		Scheduler:        scheduler.DefaultConfig(),
		Placement:        placement.DefaultConfig(),
		Cache:            cache.DefaultConfig(),
		Incremental:      incremental.DefaultConfig(),
		Waves:            waves.DefaultConfig(),
		MetricsInterval:  30 * time.Second,
		ThroughputWindow: 5 * time.Minute,
	}
}

// New builds the components in dependency order. Nothing runs until Start.
// A zero Scheduler.DefaultMaxRetries means no retries; start from
// DefaultConfig to get the usual three.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("coordinator requires a dispatcher")
	}
	if cfg.Scheduler.DefaultMaxRetries < 0 {
		cfg.Scheduler.DefaultMaxRetries = fleet.DefaultMaxRetries
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 30 * time.Second
	}
	if cfg.ThroughputWindow <= 0 {
		cfg.ThroughputWindow = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	log := cfg.Logger

	c := &Coordinator{cfg: cfg, status: StatusInitializing}

	rc := cfg.Registry
	rc.Store, rc.Publisher, rc.Now, rc.Logger = cfg.Store, cfg.Publisher, cfg.Now, log.Named("registry")
	c.registry = registry.New(rc)

	wc := cfg.Waves
	c.waves = waves.New(wc)

	pc := cfg.Placement
	pc.Now, pc.Logger = cfg.Now, log.Named("placement")
	if pc.Estimate == nil {
		pc.Estimate = c.waves.EstimateDuration
	}
	pe, err := placement.New(pc)
	if err != nil {
		return nil, fmt.Errorf("placement engine: %w", err)
	}
	c.placement = pe

	sc := cfg.Scheduler
	sc.Store, sc.Publisher, sc.Now, sc.Logger = cfg.Store, cfg.Publisher, cfg.Now, log.Named("scheduler")
	sc.OnResult = c.onResult
	c.scheduler = scheduler.New(c.registry, c.placement, cfg.Dispatcher, sc)

	cc := cfg.Cache
	cc.Now, cc.Logger = cfg.Now, log.Named("cache")
	c.cache = cache.New(cc)

	ic := cfg.Incremental
	ic.Now, ic.Logger = cfg.Now, log.Named("incremental")
	c.incremental = incremental.New(c.cache, ic)

	oc := cfg.Optimize
	oc.Now, oc.Logger = cfg.Now, log.Named("optimize")
	c.optimizer = optimize.New(c.cache, c.incremental, c.waves, oc)

	return c, nil
}

// Start restores persisted state and starts the periodic loops. It fails
// if the coordinator was already started.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusInitializing {
		st := c.status
		c.mu.Unlock()
		return fmt.Errorf("coordinator cannot start from status %s", st)
	}
	c.mu.Unlock()

	if err := c.restore(ctx); err != nil {
		c.setStatus(StatusError)
		return err
	}

	stopRetrain, err := c.placement.Start(ctx)
	if err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("start retraining: %w", err)
	}

	stops := []func(){
		c.registry.Monitor(ctx),
		c.scheduler.Run(ctx),
		stopRetrain,
		c.runMetrics(ctx),
	}

	c.mu.Lock()
	c.stops = stops
	c.startedAt = c.cfg.Now()
	c.status = StatusRunning
	c.mu.Unlock()

	c.collect()
	c.cfg.Logger.Info("Coordinator started")
	return nil
}

func (c *Coordinator) restore(ctx context.Context) error {
	if c.cfg.Store == nil {
		return nil
	}
	snap, err := c.cfg.Store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load persisted state: %w", err)
	}
	if snap == nil {
		return nil
	}
	c.registry.Restore(snap.Nodes)
	c.scheduler.Restore(ctx, snap.Tasks)
	return nil
}

// Stop halts the loops in reverse start order and waits for in-flight
// dispatches. The context bounds the wait.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusRunning {
		st := c.status
		c.mu.Unlock()
		if st == StatusStopped {
			return nil
		}
		return fmt.Errorf("coordinator cannot stop from status %s", st)
	}
	c.status = StatusStopping
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}

	done := make(chan struct{})
	go func() {
		c.scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.setStatus(StatusError)
		return fmt.Errorf("waiting for in-flight dispatches: %w", ctx.Err())
	}

	c.setStatus(StatusStopped)
	c.cfg.Logger.Info("Coordinator stopped")
	return nil
}

func (c *Coordinator) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// State returns the lifecycle status.
func (c *Coordinator) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) onResult(t fleet.Task, result fleet.ExecutionResult) {
	d := time.Duration(t.ExecutionTime * float64(time.Second))
	if err := c.optimizer.CacheTaskResult(t, result.Result, d, result.ResourceUsage); err != nil {
		c.cfg.Logger.Warn("Failed to cache task result", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// RegisterNode adds or refreshes a node.
func (c *Coordinator) RegisterNode(ctx context.Context, spec fleet.NodeSpec) (string, error) {
	return c.registry.Register(ctx, spec)
}

// UnregisterNode removes a node. Tasks running there finish or time out
// through the normal result path.
func (c *Coordinator) UnregisterNode(ctx context.Context, id string) bool {
	return c.registry.Unregister(ctx, id)
}

// Heartbeat records liveness and metrics. It is false for unknown nodes.
func (c *Coordinator) Heartbeat(ctx context.Context, id string, metrics map[string]float64) bool {
	return c.registry.Heartbeat(ctx, id, metrics)
}

// Node returns a registered node.
func (c *Coordinator) Node(id string) (fleet.Node, error) {
	n, ok := c.registry.Get(id)
	if !ok {
		return fleet.Node{}, fmt.Errorf("%w: %s", fleet.ErrNodeNotFound, id)
	}
	return n, nil
}

// Nodes returns all registered nodes in registration order.
func (c *Coordinator) Nodes() []fleet.Node {
	return c.registry.Snapshot()
}

// SubmitTask queues a task and returns its id.
func (c *Coordinator) SubmitTask(ctx context.Context, spec fleet.TaskSpec) (string, error) {
	return c.scheduler.Submit(ctx, spec)
}

// HandleResult applies a node's execution result.
func (c *Coordinator) HandleResult(ctx context.Context, result fleet.ExecutionResult) error {
	return c.scheduler.Complete(ctx, result)
}

// Task returns a task by id.
func (c *Coordinator) Task(id string) (fleet.Task, error) {
	return c.scheduler.Get(id)
}

// Tasks lists tasks matching f.
func (c *Coordinator) Tasks(f scheduler.Filter) []fleet.Task {
	return c.scheduler.List(f)
}

// OptimizeBatch plans a batch without submitting it.
func (c *Coordinator) OptimizeBatch(ctx context.Context, batch []fleet.Task, changedFiles []string) ([][]fleet.Task, optimize.Report, error) {
	return c.optimizer.Optimize(ctx, batch, changedFiles)
}

// SetOptimizeOptions replaces the enabled optimization stages.
func (c *Coordinator) SetOptimizeOptions(o optimize.Options) {
	c.optimizer.SetOptions(o)
}
