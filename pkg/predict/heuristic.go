package predict

// PerformanceModel predicts a node's performance score in [0, 100].
type PerformanceModel interface {
	PredictPerformance(node NodeFeatures) float64
}

// MatchModel predicts the probability in [0, 1] that a task runs well on a
// node.
type MatchModel interface {
	PredictMatch(task TaskFeatures, node NodeFeatures) float64
}

// Heuristic is the closed-form model. The zero value is ready to use.
type Heuristic struct{}

var (
	_ PerformanceModel = Heuristic{}
	_ MatchModel       = Heuristic{}
)

// PredictPerformance starts from 100 and penalizes load, errors, and a
// completion rate below one half.
func (Heuristic) PredictPerformance(n NodeFeatures) float64 {
	score := 100.0
	score -= 0.5 * n.CPUUsage
	score -= 0.3 * n.MemoryUsage
	score -= 20 * n.ErrorRate
	score += (n.CompletionRate - 0.5) * 20
	if n.ConcurrentTasks > 5 {
		score -= (n.ConcurrentTasks - 5) * 5
	}
	return clamp(score, 0, 100)
}

// PredictMatch adjusts a 0.5 baseline by cpu, memory, concurrency, and
// completion-rate bands. The task itself does not move the estimate.
func (Heuristic) PredictMatch(_ TaskFeatures, n NodeFeatures) float64 {
	score := 0.5

	switch {
	case n.CPUUsage < 70:
		score += 0.2
	case n.CPUUsage > 90:
		score -= 0.3
	}
	switch {
	case n.MemoryUsage < 60:
		score += 0.2
	case n.MemoryUsage > 85:
		score -= 0.3
	}
	switch {
	case n.ConcurrentTasks < 3:
		score += 0.1
	case n.ConcurrentTasks > 8:
		score -= 0.2
	}
	switch {
	case n.CompletionRate > 0.9:
		score += 0.2
	case n.CompletionRate < 0.7:
		score -= 0.2
	}
	return clamp(score, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
