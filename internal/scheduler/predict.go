package scheduler

import (
	"context"
	"errors"
	"time"
)

// Action is the recovery a predictor recommends for a node it expects to fail.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionRollback Action = "rollback"
	ActionReroute  Action = "reroute"
	ActionEscalate Action = "escalate"
)

// UnknownFailurePoint is used when a predictor cannot name where a failure will occur.
const UnknownFailurePoint = "unknown"

// DefaultPredictorBudget bounds a prediction when neither an explicit timeout
// nor any node estimate is available.
const DefaultPredictorBudget = 250 * time.Millisecond

// FailurePrediction is a predictor's advisory output for one node. It is
// produced fresh on every call.
type FailurePrediction struct {
	Probability          float64 // In [0,1]
	ExpectedFailurePoint string  // Node ID or UnknownFailurePoint
	RecommendedAction    Action
}

// Predictor estimates how likely a node is to fail given the execution state.
type Predictor interface {
	Predict(ctx context.Context, snap Snapshot, node TaskNode) (FailurePrediction, error)
}

// PredictorFunc adapts a function to the Predictor interface.
type PredictorFunc func(ctx context.Context, snap Snapshot, node TaskNode) (FailurePrediction, error)

// Predict calls f.
func (f PredictorFunc) Predict(ctx context.Context, snap Snapshot, node TaskNode) (FailurePrediction, error) {
	return f(ctx, snap, node)
}

// PredictWithin runs p with a time budget. An error or a missed budget is
// returned as *PredictorUnavailableError together with a zero prediction, so
// callers can log it and carry on. The probability is clamped to [0,1].
func PredictWithin(ctx context.Context, p Predictor, budget time.Duration, snap Snapshot, node TaskNode) (FailurePrediction, error) {
	zero := FailurePrediction{ExpectedFailurePoint: UnknownFailurePoint, RecommendedAction: ActionRetry}
	if p == nil {
		return zero, &PredictorUnavailableError{Err: errors.New("no predictor configured")}
	}
	if budget <= 0 {
		budget = DefaultPredictorBudget
	}

	pctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		pred FailurePrediction
		err  error
	}
	// Buffered so a predictor that ignores ctx can still finish and exit
	ch := make(chan outcome, 1)
	go func() {
		pred, err := p.Predict(pctx, snap, node)
		ch <- outcome{pred, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return zero, &PredictorUnavailableError{Err: out.err}
		}
		out.pred.Probability = clamp01(out.pred.Probability)
		if out.pred.ExpectedFailurePoint == "" {
			out.pred.ExpectedFailurePoint = UnknownFailurePoint
		}
		return out.pred, nil
	case <-pctx.Done():
		return zero, &PredictorUnavailableError{Err: pctx.Err()}
	}
}

// predictorBudget picks the time budget for predictions in g: explicit when
// set, else the shortest positive estimate in the graph, else the default.
func predictorBudget(explicit time.Duration, g *TaskGraph) time.Duration {
	if explicit > 0 {
		return explicit
	}
	var shortest time.Duration
	for _, n := range g.Nodes() {
		if n.EstimatedDuration > 0 && (shortest == 0 || n.EstimatedDuration < shortest) {
			shortest = n.EstimatedDuration
		}
	}
	if shortest > 0 {
		return shortest
	}
	return DefaultPredictorBudget
}
