// Package waves packs a task batch into resource-bounded execution groups
// ("waves") using per-type duration and resource estimates refined by
// observed executions.
package waves

import (
	"runtime"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/3leaps/gofleet/pkg/fleet"
)

// Usage is an estimated resource vector in abstract units.
type Usage struct {
	CPU    float64 `json:"cpu" yaml:"cpu"`
	Memory float64 `json:"memory" yaml:"memory"`
	IO     float64 `json:"io" yaml:"io"`
}

// Add returns the component-wise sum.
func (u Usage) Add(o Usage) Usage {
	return Usage{CPU: u.CPU + o.CPU, Memory: u.Memory + o.Memory, IO: u.IO + o.IO}
}

// Within reports whether every component is at most the limit's.
func (u Usage) Within(limit Usage) bool {
	return u.CPU <= limit.CPU && u.Memory <= limit.Memory && u.IO <= limit.IO
}

const defaultTypeDuration = 180 * time.Second

var defaultDurations = map[string]time.Duration{
	"unit_test":        30 * time.Second,
	"integration_test": 120 * time.Second,
	"ui_test":          300 * time.Second,
	"performance_test": 600 * time.Second,
	"e2e_test":         900 * time.Second,
}

var defaultUsage = Usage{CPU: 1.0, Memory: 0.5, IO: 0.3}

var defaultProfiles = map[string]Usage{
	"unit_test":        {CPU: 0.5, Memory: 0.2, IO: 0.1},
	"integration_test": {CPU: 1.0, Memory: 0.5, IO: 0.3},
	"ui_test":          {CPU: 2.0, Memory: 1.0, IO: 0.2},
	"performance_test": {CPU: 4.0, Memory: 2.0, IO: 1.0},
	"e2e_test":         {CPU: 2.0, Memory: 1.5, IO: 0.5},
}

// Config configures an Optimizer.
type Config struct {
	// Workers is the cpu limit of one group.
	// Default: min(32, NumCPU+4)
	Workers int

	// MemoryLimit is the memory limit of one group. Default: 8.0
	MemoryLimit float64

	// IOLimit is the io limit of one group. Default: 4.0
	IOLimit float64

	// HistorySize bounds the samples kept per task type. Default: 20
	HistorySize int
}

// DefaultConfig returns the default optimizer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:     min(32, runtime.NumCPU()+4),
		MemoryLimit: 8.0,
		IOLimit:     4.0,
		HistorySize: 20,
	}
}

type sample struct {
	duration time.Duration
	usage    map[string]float64
}

// Group is one wave of tasks that may run concurrently.
type Group struct {
	Tasks    []fleet.Task  `json:"tasks"`
	Usage    Usage         `json:"estimated_usage"`
	Duration time.Duration `json:"estimated_duration"`
	// Oversized marks a single-task group whose estimate alone exceeds the
	// limits. It still runs, alone, rather than being dropped.
	Oversized bool `json:"oversized,omitempty"`
}

// Optimizer groups tasks into waves. It is safe for concurrent use.
type Optimizer struct {
	cfg Config

	mu      sync.RWMutex
	history map[string][]sample
}

// New creates an optimizer, applying defaults for zero config values.
func New(cfg Config) *Optimizer {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = def.MemoryLimit
	}
	if cfg.IOLimit <= 0 {
		cfg.IOLimit = def.IOLimit
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	return &Optimizer{cfg: cfg, history: make(map[string][]sample)}
}

// Limits returns the per-group resource limits.
func (o *Optimizer) Limits() Usage {
	return Usage{CPU: float64(o.cfg.Workers), Memory: o.cfg.MemoryLimit, IO: o.cfg.IOLimit}
}

// Record appends an observed execution for taskType, dropping the oldest
// sample beyond HistorySize. Usage keys "cpu", "memory" and "io" refine
// resource estimates; other keys are ignored.
func (o *Optimizer) Record(taskType string, d time.Duration, usage map[string]float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	h := append(o.history[taskType], sample{duration: d, usage: usage})
	if over := len(h) - o.cfg.HistorySize; over > 0 {
		h = slices.Delete(h, 0, over)
	}
	o.history[taskType] = h
}

// Samples returns how many samples are held for taskType.
func (o *Optimizer) Samples(taskType string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.history[taskType])
}

// EstimateDuration returns the mean observed duration for taskType, or the
// per-type default when nothing has been recorded.
func (o *Optimizer) EstimateDuration(taskType string) time.Duration {
	o.mu.RLock()
	h := o.history[taskType]
	if len(h) > 0 {
		var sum time.Duration
		for _, s := range h {
			sum += s.duration
		}
		o.mu.RUnlock()
		return sum / time.Duration(len(h))
	}
	o.mu.RUnlock()

	if d, ok := defaultDurations[taskType]; ok {
		return d
	}
	return defaultTypeDuration
}

// EstimateResources returns the per-type profile with each component
// replaced by its observed mean when samples report it.
func (o *Optimizer) EstimateResources(taskType string) Usage {
	u, ok := defaultProfiles[taskType]
	if !ok {
		u = defaultUsage
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if m, ok := meanUsage(o.history[taskType], "cpu"); ok {
		u.CPU = m
	}
	if m, ok := meanUsage(o.history[taskType], "memory"); ok {
		u.Memory = m
	}
	if m, ok := meanUsage(o.history[taskType], "io"); ok {
		u.IO = m
	}
	return u
}

func meanUsage(h []sample, key string) (float64, bool) {
	var sum float64
	var n int
	for _, s := range h {
		if v, ok := s.usage[key]; ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Optimize returns the tasks grouped into waves.
func (o *Optimizer) Optimize(tasks []fleet.Task) [][]fleet.Task {
	groups := o.Plan(tasks)
	out := make([][]fleet.Task, len(groups))
	for i, g := range groups {
		out[i] = g.Tasks
	}
	return out
}

// Plan sorts tasks longest-first and packs them greedily: a task joins the
// open group while the group's summed usage stays within Limits, otherwise
// the group is closed and a new one started. A task exceeding the limits on
// its own gets a group to itself, flagged Oversized.
func (o *Optimizer) Plan(tasks []fleet.Task) []Group {
	if len(tasks) == 0 {
		return nil
	}

	type estimated struct {
		task     fleet.Task
		duration time.Duration
		usage    Usage
	}
	items := make([]estimated, len(tasks))
	for i, t := range tasks {
		items[i] = estimated{task: t, duration: o.EstimateDuration(t.Type), usage: o.EstimateResources(t.Type)}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].duration > items[j].duration })

	limits := o.Limits()
	var groups []Group
	var cur Group
	closeGroup := func() {
		cur.Oversized = !cur.Usage.Within(limits)
		groups = append(groups, cur)
		cur = Group{}
	}
	for _, it := range items {
		if len(cur.Tasks) > 0 && !cur.Usage.Add(it.usage).Within(limits) {
			closeGroup()
		}
		cur.Tasks = append(cur.Tasks, it.task)
		cur.Usage = cur.Usage.Add(it.usage)
		cur.Duration = max(cur.Duration, it.duration)
	}
	closeGroup()
	return groups
}

// NaiveDuration is the sum of per-task estimates, the cost of running the
// batch one task at a time.
func (o *Optimizer) NaiveDuration(tasks []fleet.Task) time.Duration {
	var total time.Duration
	for _, t := range tasks {
		total += o.EstimateDuration(t.Type)
	}
	return total
}

// WaveDuration is the sum over groups of the longest member estimate.
func WaveDuration(groups []Group) time.Duration {
	var total time.Duration
	for _, g := range groups {
		total += g.Duration
	}
	return total
}
