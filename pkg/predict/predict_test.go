package predict

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleet"
)

func TestHeuristicPerformance(t *testing.T) {
	h := Heuristic{}
	n := NodeFeatures{CPUUsage: 20, MemoryUsage: 40, CompletionRate: 1, ErrorRate: 0.1, ConcurrentTasks: 7}
	// 100 - 10 - 12 - 2 + 10 - 10
	assert.InDelta(t, 76.0, h.PredictPerformance(n), 1e-9)

	assert.Equal(t, 0.0, h.PredictPerformance(NodeFeatures{CPUUsage: 100, MemoryUsage: 100, ErrorRate: 5}))
	assert.Equal(t, 100.0, h.PredictPerformance(NodeFeatures{CompletionRate: 5}))
}

func TestHeuristicMatch(t *testing.T) {
	h := Heuristic{}
	tests := []struct {
		name string
		node NodeFeatures
		want float64
	}{
		{"idle healthy node", NodeFeatures{CPUUsage: 10, MemoryUsage: 10, ConcurrentTasks: 0, CompletionRate: 0.95}, 1.0},
		{"middle bands", NodeFeatures{CPUUsage: 80, MemoryUsage: 70, ConcurrentTasks: 5, CompletionRate: 0.8}, 0.5},
		{"overloaded", NodeFeatures{CPUUsage: 95, MemoryUsage: 90, ConcurrentTasks: 9, CompletionRate: 0.5}, 0.0},
		{"mixed", NodeFeatures{CPUUsage: 50, MemoryUsage: 90, ConcurrentTasks: 2, CompletionRate: 0.8}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, h.PredictMatch(TaskFeatures{}, tt.node), 1e-9)
		})
	}
}

func TestTaskFeatures(t *testing.T) {
	task := fleet.Task{
		Type:        "integration_test",
		TestLevel:   "level3",
		Priority:    4,
		SourceFiles: []string{"a", "b"},
	}
	f := TaskFeaturesFrom(task, 2*time.Minute)
	assert.Equal(t, []float64{2, 3, 120, 1, 2, 4, 2}, f.Vector())

	task.Type = "mystery"
	task.TestLevel = "level11"
	task.Requirements.CPUCores = 4
	f = TaskFeaturesFrom(task, 0)
	v := f.Vector()
	assert.Equal(t, 0.0, v[0])
	assert.Equal(t, 0.0, v[1])
	assert.Equal(t, 4.0, v[3])
}

func TestNodeFeaturesDefaults(t *testing.T) {
	f := NodeFeaturesFrom(fleet.Node{CurrentTasks: 3})
	assert.Equal(t, 50.0, f.CPUUsage)
	assert.Equal(t, 50.0, f.MemoryUsage)
	assert.Equal(t, 1.0, f.CompletionRate)
	assert.Equal(t, 3.0, f.ConcurrentTasks)

	f = NodeFeaturesFrom(fleet.Node{PerformanceMetrics: map[string]float64{"cpu_usage": 12, "error_rate": 0.2}})
	assert.Equal(t, 12.0, f.CPUUsage)
	assert.Equal(t, 0.2, f.ErrorRate)
}

func perfSamples(n int) []PerformanceSample {
	out := make([]PerformanceSample, n)
	for i := range out {
		cpu := 10 + 80*float64(i)/float64(n-1)
		out[i] = PerformanceSample{Node: NodeFeatures{CPUUsage: cpu, CompletionRate: 1}, Score: 100 - 0.5*cpu}
	}
	return out
}

func TestPredictorTraining(t *testing.T) {
	p := NewPredictor(nil)
	node := NodeFeatures{CPUUsage: 20, CompletionRate: 1}
	assert.Equal(t, Heuristic{}.PredictPerformance(node), p.PredictPerformance(node))

	assert.False(t, p.Train(perfSamples(9)))
	assert.False(t, p.Trained())
	assert.True(t, p.TrainedAt().IsZero())

	require.True(t, p.Train(perfSamples(30)))
	assert.True(t, p.Trained())
	assert.False(t, p.TrainedAt().IsZero())
	assert.InDelta(t, 90.0, p.PredictPerformance(node), 1.0)
	assert.Equal(t, 100.0, p.PredictPerformance(NodeFeatures{CPUUsage: -500, CompletionRate: 1}), "clamped")
}

func TestPredictorFallsBackOnNonFiniteOutput(t *testing.T) {
	p := NewPredictor(nil)
	d := len(NodeFeatures{}.Vector())
	weights := make([]float64, d)
	weights[0] = math.NaN()
	std := make([]float64, d)
	for i := range std {
		std[i] = 1
	}
	p.model.Store(&linearModel{scaler: scaler{mean: make([]float64, d), std: std}, weights: weights})

	node := NodeFeatures{CPUUsage: 30, MemoryUsage: 30, CompletionRate: 1}
	assert.Equal(t, Heuristic{}.PredictPerformance(node), p.PredictPerformance(node))
}

func matchSamples(n int) []MatchSample {
	out := make([]MatchSample, n)
	for i := range out {
		cpu := 5 + 90*float64(i)/float64(n-1)
		out[i] = MatchSample{
			Task:    TaskFeatures{Type: "unit_test", CPUCores: 1, MemoryGB: 2},
			Node:    NodeFeatures{CPUUsage: cpu, CompletionRate: 1},
			Success: cpu < 50,
		}
	}
	return out
}

func TestMatcherTraining(t *testing.T) {
	m := NewMatcher(nil)
	assert.False(t, m.Train(matchSamples(19)))

	single := matchSamples(40)
	for i := range single {
		single[i].Success = true
	}
	assert.False(t, m.Train(single), "one outcome cannot train a classifier")
	assert.False(t, m.Trained())

	require.True(t, m.Train(matchSamples(40)))
	task := TaskFeatures{Type: "unit_test", CPUCores: 1, MemoryGB: 2}
	low := m.PredictMatch(task, NodeFeatures{CPUUsage: 10, CompletionRate: 1})
	high := m.PredictMatch(task, NodeFeatures{CPUUsage: 90, CompletionRate: 1})
	assert.Greater(t, low, 0.5)
	assert.Less(t, high, 0.5)
	assert.GreaterOrEqual(t, high, 0.0)
	assert.LessOrEqual(t, low, 1.0)
}

func TestFitRidgeRecoversLinearRelation(t *testing.T) {
	rows := make([][]float64, 50)
	targets := make([]float64, len(rows))
	for i := range rows {
		a, b := float64(i), float64((i*7)%11)
		rows[i] = []float64{a, b, 3}
		targets[i] = 2*a - b + 5
	}

	m, err := fitLinear(rows, targets, false, trainParams{l2: 1e-9})
	require.NoError(t, err)
	assert.False(t, m.logistic)

	y, err := m.predict([]float64{10, 4, 3})
	require.NoError(t, err)
	assert.InDelta(t, 21.0, y, 1e-4)

	_, err = m.predict([]float64{1, 2})
	assert.Error(t, err, "dimension mismatch")
}

func TestFitRidgeShrinksWithPenalty(t *testing.T) {
	rows := [][]float64{{1}, {2}, {3}, {4}}
	targets := []float64{1, 2, 3, 4}

	loose, err := fitLinear(rows, targets, false, trainParams{l2: 0})
	require.NoError(t, err)
	tight, err := fitLinear(rows, targets, false, trainParams{l2: 10})
	require.NoError(t, err)

	assert.Less(t, math.Abs(tight.weights[0]), math.Abs(loose.weights[0]))
	assert.InDelta(t, 2.5, tight.bias, 1e-9, "bias is the target mean")
}

func TestFitLogisticSeparatesClasses(t *testing.T) {
	var rows [][]float64
	var targets []float64
	for i := range 40 {
		x := float64(i)
		rows = append(rows, []float64{x})
		if x >= 20 {
			targets = append(targets, 1)
		} else {
			targets = append(targets, 0)
		}
	}

	m, err := fitLinear(rows, targets, true, defaultTrainParams)
	require.NoError(t, err)
	assert.True(t, m.logistic)

	lo, err := m.predict([]float64{2})
	require.NoError(t, err)
	hi, err := m.predict([]float64{37})
	require.NoError(t, err)
	assert.Less(t, lo, 0.2)
	assert.Greater(t, hi, 0.8)
}

func TestFitLinearRejectsRaggedInput(t *testing.T) {
	_, err := fitLinear(nil, nil, false, defaultTrainParams)
	assert.Error(t, err)

	_, err = fitLinear([][]float64{{1, 2}, {3}}, []float64{1, 2}, false, defaultTrainParams)
	assert.Error(t, err)

	_, err = fitLinear([][]float64{{1}}, []float64{1, 2}, true, defaultTrainParams)
	assert.Error(t, err)
}
