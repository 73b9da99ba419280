// Package placement picks the node a task should run on from the
// registry's candidates, and learns from recorded outcomes.
package placement

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/predict"
)

const (
	performanceWeight = 0.6
	matchWeight       = 0.4

	insightWindow = 10
)

// Config configures an Engine.
type Config struct {
	// TrainingSize bounds the training buffer. Default: 1000
	TrainingSize int

	// NodeHistorySize bounds samples kept per node. Default: 1000
	NodeHistorySize int

	// RetrainSchedule is a cron spec for retraining checks.
	// Default: "@every 1h"
	RetrainSchedule string

	// RetrainInterval is the minimum time between trainings. Default: 6h
	RetrainInterval time.Duration

	// MinNewSamples is how many samples must arrive between trainings.
	// Default: 50
	MinNewSamples int

	// Estimate returns a task type's expected duration. Default: zero.
	Estimate func(taskType string) time.Duration

	Now    func() time.Time
	Logger *zap.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		TrainingSize:    1000,
		NodeHistorySize: 1000,
		RetrainSchedule: "@every 1h",
		RetrainInterval: 6 * time.Hour,
		MinNewSamples:   50,
	}
}

// Sample is one recorded execution outcome.
type Sample struct {
	NodeID   string               `json:"node_id"`
	Task     predict.TaskFeatures `json:"task"`
	Node     predict.NodeFeatures `json:"node"`
	Success  bool                 `json:"success"`
	Duration time.Duration        `json:"duration"`
	Time     time.Time            `json:"timestamp"`
}

// NodeInsight summarizes a node's recent outcomes.
type NodeInsight struct {
	RecentSuccessRate   float64 `json:"recent_success_rate"`
	AvgExecutionSeconds float64 `json:"avg_execution_time"`
	TotalSamples        int     `json:"total_samples"`
}

// Insights describe the learning state.
type Insights struct {
	TrainingSamples int                    `json:"total_training_samples"`
	SamplesSince    int                    `json:"samples_since_training"`
	ModelsTrained   map[string]bool        `json:"models_trained"`
	LastTraining    time.Time              `json:"last_training_time"`
	Nodes           map[string]NodeInsight `json:"node_performance_history"`
}

// Option customizes an Engine.
type Option func(*Engine)

// WithModels replaces the trainable models. Train becomes a no-op for
// models that are not *predict.Predictor or *predict.Matcher.
func WithModels(perf predict.PerformanceModel, match predict.MatchModel) Option {
	return func(e *Engine) {
		e.perf = perf
		e.match = match
	}
}

// Engine selects nodes. It is safe for concurrent use.
type Engine struct {
	cfg   Config
	perf  predict.PerformanceModel
	match predict.MatchModel

	mu           sync.Mutex
	samples      []Sample
	perNode      map[string][]Sample
	newSamples   int
	lastTraining time.Time
	training     bool
}

// New creates an engine with untrained models.
func New(cfg Config, opts ...Option) (*Engine, error) {
	def := DefaultConfig()
	if cfg.TrainingSize <= 0 {
		cfg.TrainingSize = def.TrainingSize
	}
	if cfg.NodeHistorySize <= 0 {
		cfg.NodeHistorySize = def.NodeHistorySize
	}
	if cfg.RetrainSchedule == "" {
		cfg.RetrainSchedule = def.RetrainSchedule
	}
	if cfg.RetrainInterval <= 0 {
		cfg.RetrainInterval = def.RetrainInterval
	}
	if cfg.MinNewSamples <= 0 {
		cfg.MinNewSamples = def.MinNewSamples
	}
	if cfg.Estimate == nil {
		cfg.Estimate = func(string) time.Duration { return 0 }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if _, err := cron.ParseStandard(cfg.RetrainSchedule); err != nil {
		return nil, fmt.Errorf("parse retrain schedule %q: %w", cfg.RetrainSchedule, err)
	}

	e := &Engine{
		cfg:          cfg,
		perf:         predict.NewPredictor(cfg.Logger),
		match:        predict.NewMatcher(cfg.Logger),
		perNode:      make(map[string][]Sample),
		lastTraining: cfg.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Select returns the candidate with the highest combined score
// 0.6*performance + 0.4*100*match. Ties keep candidate order. It returns
// false only when there are no candidates. A model panic falls back to the
// first candidate.
func (e *Engine) Select(task fleet.Task, candidates []fleet.Node) (id string, ok bool) {
	if len(candidates) == 0 {
		return "", false
	}

	defer func() {
		if r := recover(); r != nil {
			e.cfg.Logger.Error("Node selection failed, using first candidate",
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
			id, ok = candidates[0].ID, true
		}
	}()

	tf := predict.TaskFeaturesFrom(task, e.cfg.Estimate(task.Type))
	best, bestScore := -1, 0.0
	for i, n := range candidates {
		nf := predict.NodeFeaturesFrom(n)
		score := performanceWeight*e.perf.PredictPerformance(nf) + matchWeight*100*e.match.PredictMatch(tf, nf)
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}

	e.cfg.Logger.Debug("Node selected",
		zap.String("task_id", task.ID),
		zap.String("node_id", candidates[best].ID),
		zap.Float64("score", bestScore))
	return candidates[best].ID, true
}

// Record appends an execution outcome to the training buffer and the
// node's history.
func (e *Engine) Record(task fleet.Task, node fleet.Node, success bool, duration time.Duration) {
	s := Sample{
		NodeID:   node.ID,
		Task:     predict.TaskFeaturesFrom(task, e.cfg.Estimate(task.Type)),
		Node:     predict.NodeFeaturesFrom(node),
		Success:  success,
		Duration: duration,
		Time:     e.cfg.Now().UTC(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = appendBounded(e.samples, s, e.cfg.TrainingSize)
	e.perNode[node.ID] = appendBounded(e.perNode[node.ID], s, e.cfg.NodeHistorySize)
	e.newSamples++
}

func appendBounded(buf []Sample, s Sample, limit int) []Sample {
	buf = append(buf, s)
	if over := len(buf) - limit; over > 0 {
		buf = slices.Delete(buf, 0, over)
	}
	return buf
}

// Train fits both models on the current buffer. It reports whether either
// model was trained.
func (e *Engine) Train() bool {
	e.mu.Lock()
	if e.training {
		e.mu.Unlock()
		return false
	}
	e.training = true
	samples := slices.Clone(e.samples)
	e.mu.Unlock()

	perfSamples := make([]predict.PerformanceSample, len(samples))
	matchSamples := make([]predict.MatchSample, len(samples))
	for i, s := range samples {
		perfSamples[i] = predict.PerformanceSample{
			Node:  s.Node,
			Score: 100*s.Node.CompletionRate - s.Node.AvgExecutionTime/10,
		}
		matchSamples[i] = predict.MatchSample{Task: s.Task, Node: s.Node, Success: s.Success}
	}

	var trained bool
	if p, ok := e.perf.(*predict.Predictor); ok {
		trained = p.Train(perfSamples) || trained
	}
	if m, ok := e.match.(*predict.Matcher); ok {
		trained = m.Train(matchSamples) || trained
	}

	e.mu.Lock()
	e.training = false
	e.lastTraining = e.cfg.Now()
	e.newSamples = 0
	e.mu.Unlock()

	e.cfg.Logger.Info("Placement models retrained",
		zap.Int("samples", len(samples)),
		zap.Bool("trained", trained))
	return trained
}

// MaybeRetrain trains when RetrainInterval has passed since the last
// training and at least MinNewSamples arrived since.
func (e *Engine) MaybeRetrain() bool {
	e.mu.Lock()
	due := e.cfg.Now().Sub(e.lastTraining) >= e.cfg.RetrainInterval && e.newSamples >= e.cfg.MinNewSamples
	e.mu.Unlock()
	if !due {
		return false
	}
	return e.Train()
}

// Start runs MaybeRetrain on RetrainSchedule until ctx is done or the
// returned stop function is called.
func (e *Engine) Start(ctx context.Context) (func(), error) {
	schedule, err := cron.ParseStandard(e.cfg.RetrainSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse retrain schedule %q: %w", e.cfg.RetrainSchedule, err)
	}

	c := cron.New(cron.WithLocation(time.UTC))
	c.Schedule(schedule, cron.FuncJob(func() { e.MaybeRetrain() }))
	c.Start()

	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-done:
		}
		<-c.Stop().Done()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}, nil
}

// Insights reports sample counts, model state, and per-node outcomes over
// the last ten samples.
func (e *Engine) Insights() Insights {
	e.mu.Lock()
	defer e.mu.Unlock()

	in := Insights{
		TrainingSamples: len(e.samples),
		SamplesSince:    e.newSamples,
		ModelsTrained:   map[string]bool{"performance_predictor": false, "task_matcher": false},
		LastTraining:    e.lastTraining.UTC(),
		Nodes:           make(map[string]NodeInsight, len(e.perNode)),
	}
	if p, ok := e.perf.(interface{ Trained() bool }); ok {
		in.ModelsTrained["performance_predictor"] = p.Trained()
	}
	if m, ok := e.match.(interface{ Trained() bool }); ok {
		in.ModelsTrained["task_matcher"] = m.Trained()
	}

	for id, history := range e.perNode {
		if len(history) == 0 {
			continue
		}
		recent := history[max(0, len(history)-insightWindow):]
		var ok int
		var total time.Duration
		for _, s := range recent {
			if s.Success {
				ok++
			}
			total += s.Duration
		}
		in.Nodes[id] = NodeInsight{
			RecentSuccessRate:   float64(ok) / float64(len(recent)),
			AvgExecutionSeconds: total.Seconds() / float64(len(recent)),
			TotalSamples:        len(history),
		}
	}
	return in
}
