package predict

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// MinPerformanceSamples is the smallest training set the Predictor accepts.
	MinPerformanceSamples = 10

	// MinMatchSamples is the smallest training set the Matcher accepts.
	MinMatchSamples = 20
)

// PerformanceSample pairs node features with an observed performance score.
type PerformanceSample struct {
	Node  NodeFeatures
	Score float64
}

// MatchSample records whether a task succeeded on a node.
type MatchSample struct {
	Task    TaskFeatures
	Node    NodeFeatures
	Success bool
}

// Predictor is a trainable PerformanceModel backed by ridge regression.
type Predictor struct {
	fallback PerformanceModel
	logger   *zap.Logger
	model    atomic.Pointer[linearModel]
	trained  atomic.Int64
}

// NewPredictor returns an untrained predictor that answers with the
// heuristic.
func NewPredictor(logger *zap.Logger) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Predictor{fallback: Heuristic{}, logger: logger}
}

// Trained reports whether a trained model is active.
func (p *Predictor) Trained() bool {
	return p.model.Load() != nil
}

// TrainedAt returns when the active model was trained.
func (p *Predictor) TrainedAt() time.Time {
	if ns := p.trained.Load(); ns != 0 {
		return time.Unix(0, ns).UTC()
	}
	return time.Time{}
}

// Train fits a new model and swaps it in. It returns false, keeping the
// previous model, when there are too few samples or training fails.
func (p *Predictor) Train(samples []PerformanceSample) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Performance model training panicked", zap.Any("panic", r))
			ok = false
		}
	}()

	if len(samples) < MinPerformanceSamples {
		p.logger.Debug("Not enough samples to train performance model",
			zap.Int("samples", len(samples)),
			zap.Int("required", MinPerformanceSamples))
		return false
	}

	rows := make([][]float64, len(samples))
	targets := make([]float64, len(samples))
	for i, s := range samples {
		rows[i] = s.Node.Vector()
		targets[i] = s.Score
	}
	m, err := fitLinear(rows, targets, false, defaultTrainParams)
	if err != nil {
		p.logger.Warn("Performance model training failed", zap.Error(err))
		return false
	}

	p.model.Store(m)
	p.trained.Store(time.Now().UnixNano())
	p.logger.Info("Performance model trained", zap.Int("samples", len(samples)))
	return true
}

// PredictPerformance uses the trained model when available, else the
// heuristic. The result is clamped to [0, 100].
func (p *Predictor) PredictPerformance(n NodeFeatures) float64 {
	m := p.model.Load()
	if m == nil {
		return p.fallback.PredictPerformance(n)
	}
	y, err := m.predict(n.Vector())
	if err != nil {
		p.logger.Warn("Performance prediction failed, using heuristic", zap.Error(err))
		return p.fallback.PredictPerformance(n)
	}
	return clamp(y, 0, 100)
}

// Matcher is a trainable MatchModel backed by logistic regression.
type Matcher struct {
	fallback MatchModel
	logger   *zap.Logger
	model    atomic.Pointer[linearModel]
	trained  atomic.Int64
}

// NewMatcher returns an untrained matcher that answers with the heuristic.
func NewMatcher(logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{fallback: Heuristic{}, logger: logger}
}

// Trained reports whether a trained model is active.
func (m *Matcher) Trained() bool {
	return m.model.Load() != nil
}

// TrainedAt returns when the active model was trained.
func (m *Matcher) TrainedAt() time.Time {
	if ns := m.trained.Load(); ns != 0 {
		return time.Unix(0, ns).UTC()
	}
	return time.Time{}
}

var errSingleClass = errors.New("samples contain a single outcome")

// Train fits a new model and swaps it in. Samples must include both
// outcomes.
func (m *Matcher) Train(samples []MatchSample) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Match model training panicked", zap.Any("panic", r))
			ok = false
		}
	}()

	if len(samples) < MinMatchSamples {
		m.logger.Debug("Not enough samples to train match model",
			zap.Int("samples", len(samples)),
			zap.Int("required", MinMatchSamples))
		return false
	}

	rows := make([][]float64, len(samples))
	targets := make([]float64, len(samples))
	var positives int
	for i, s := range samples {
		rows[i] = append(s.Task.Vector(), s.Node.Vector()...)
		if s.Success {
			targets[i] = 1
			positives++
		}
	}
	if positives == 0 || positives == len(samples) {
		m.logger.Warn("Match model training failed", zap.Error(errSingleClass))
		return false
	}

	model, err := fitLinear(rows, targets, true, defaultTrainParams)
	if err != nil {
		m.logger.Warn("Match model training failed", zap.Error(fmt.Errorf("fit: %w", err)))
		return false
	}

	m.model.Store(model)
	m.trained.Store(time.Now().UnixNano())
	m.logger.Info("Match model trained", zap.Int("samples", len(samples)), zap.Int("successes", positives))
	return true
}

// PredictMatch uses the trained model when available, else the heuristic.
// The result is clamped to [0, 1].
func (m *Matcher) PredictMatch(t TaskFeatures, n NodeFeatures) float64 {
	model := m.model.Load()
	if model == nil {
		return m.fallback.PredictMatch(t, n)
	}
	y, err := model.predict(append(t.Vector(), n.Vector()...))
	if err != nil {
		m.logger.Warn("Match prediction failed, using heuristic", zap.Error(err))
		return m.fallback.PredictMatch(t, n)
	}
	return clamp(y, 0, 1)
}
