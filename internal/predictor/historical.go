// Package predictor holds failure predictors for the scheduler.
package predictor

import (
	"context"

	"github.com/aristath/selfheal/internal/scheduler"
)

// DefaultMinSamples is the number of outcomes needed before Historical predicts.
const DefaultMinSamples = 3

// Historical predicts failure from the node's agent ref failure rate over the
// stats window captured in the snapshot.
type Historical struct {
	MinSamples int
}

// NewHistorical creates a Historical predictor with the default sample floor.
func NewHistorical() *Historical {
	return &Historical{MinSamples: DefaultMinSamples}
}

// Predict returns the failure rate as probability. With too few samples it
// returns probability 0. The recommendation escalates from retry to rollback,
// reroute and finally escalate, depending on what the execution can offer.
func (h *Historical) Predict(ctx context.Context, snap scheduler.Snapshot, node scheduler.TaskNode) (scheduler.FailurePrediction, error) {
	if err := ctx.Err(); err != nil {
		return scheduler.FailurePrediction{}, err
	}

	pred := scheduler.FailurePrediction{
		ExpectedFailurePoint: scheduler.UnknownFailurePoint,
		RecommendedAction:    scheduler.ActionRetry,
	}

	minSamples := h.MinSamples
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	window := snap.Stats[node.AgentRef]
	if len(window) < minSamples {
		return pred, nil
	}

	failures := 0
	for _, ok := range window {
		if !ok {
			failures++
		}
	}
	pred.Probability = float64(failures) / float64(len(window))
	if pred.Probability < 0.5 {
		return pred, nil
	}

	pred.ExpectedFailurePoint = node.ID
	switch {
	case snap.LatestCheckpoint != "":
		pred.RecommendedAction = scheduler.ActionRollback
	case node.Fallback != nil:
		pred.RecommendedAction = scheduler.ActionReroute
	default:
		pred.RecommendedAction = scheduler.ActionEscalate
	}
	return pred, nil
}
