package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aristath/selfheal/internal/agent"
	"github.com/aristath/selfheal/internal/events"
	"github.com/aristath/selfheal/internal/scheduler"
)

// Orchestrator walks its strategies in registration order. The first strategy
// to succeed wins and later ones are not invoked.
type Orchestrator struct {
	strategies []Strategy
	predictor  scheduler.Predictor
	budget     time.Duration
	sink       scheduler.EventSink
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPredictor re-consults p after a failure; the prediction is logged and
// kept in the recovery record.
func WithPredictor(p scheduler.Predictor, budget time.Duration) Option {
	return func(o *Orchestrator) {
		o.predictor = p
		o.budget = budget
	}
}

// WithEventSink publishes recovery events to sink.
func WithEventSink(sink scheduler.EventSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator over strategies, in the given order.
func New(strategies []Strategy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		strategies: append([]Strategy(nil), strategies...),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DefaultStrategies returns the standard chain: retry with backoff, checkpoint
// rollback, alternate path, graceful degradation.
func DefaultStrategies(exec agent.Executor, store scheduler.CheckpointStore, retry RetryConfig, sleep Sleeper, isFatal func(error) bool) []Strategy {
	return []Strategy{
		NewBackoffRetry(exec, retry, sleep).WithFatal(isFatal),
		NewCheckpointRollback(exec, store),
		NewAlternatePath(exec),
		NewGracefulDegradation(exec),
	}
}

// Strategies returns the strategy names in order.
func (o *Orchestrator) Strategies() []string {
	names := make([]string, 0, len(o.strategies))
	for _, s := range o.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Recover tries each strategy on its own clone of the execution context. Only
// the clone of the successful strategy is merged back. Every attempt ends up in
// the context's recovery history.
func (o *Orchestrator) Recover(ctx context.Context, f scheduler.Failure) scheduler.RecoveryOutcome {
	log := o.logger.With("workflow_id", f.WorkflowID, "node_id", f.Node.ID, "agent_ref", f.Node.AgentRef)

	record := scheduler.RecoveryRecord{
		NodeID:   f.Node.ID,
		AgentRef: f.Node.AgentRef,
		At:       time.Now(),
	}
	if f.Err != nil {
		record.Cause = f.Err.Error()
	}
	if o.predictor != nil {
		pred, err := scheduler.PredictWithin(ctx, o.predictor, o.budget, f.Context.Snapshot(), f.Node)
		if err != nil {
			log.Warn("prediction during recovery skipped", "error", err)
		} else {
			record.Prediction = &pred
			log.Info("failure prediction", "probability", pred.Probability,
				"action", string(pred.RecommendedAction))
		}
	}

	var failures []scheduler.StrategyError
	for _, s := range o.strategies {
		if err := ctx.Err(); err != nil {
			failures = append(failures, scheduler.StrategyError{Strategy: s.Name(), Err: err})
			break
		}

		work := f.Context.Clone()
		start := time.Now()
		res, err := s.Attempt(ctx, Attempt{
			WorkflowID: f.WorkflowID,
			Node:       f.Node,
			Context:    work,
			Inputs:     f.Inputs,
			Err:        f.Err,
		})
		elapsed := time.Since(start)

		o.emit(events.RecoveryAttemptedEvent{
			WorkflowID: f.WorkflowID,
			ID:         f.Node.ID,
			Strategy:   s.Name(),
			Err:        err,
			Duration:   elapsed,
			Timestamp:  time.Now(),
		})

		attempt := scheduler.RecoveryAttempt{Strategy: s.Name(), Duration: elapsed}
		if err != nil {
			attempt.Err = err.Error()
			record.Attempts = append(record.Attempts, attempt)
			failures = append(failures, scheduler.StrategyError{Strategy: s.Name(), Err: err})
			if errors.Is(err, ErrNotApplicable) {
				log.Debug("strategy not applicable", "strategy", s.Name(), "error", err)
			} else {
				log.Warn("strategy failed", "strategy", s.Name(), "error", err)
			}
			continue
		}

		if mergeErr := f.Context.Merge(ctx, work); mergeErr != nil {
			log.Warn("merge recovery stats", "strategy", s.Name(), "error", mergeErr)
		}
		record.Attempts = append(record.Attempts, attempt)
		record.Strategy = s.Name()
		record.Succeeded = true
		f.Context.RecordRecovery(record)

		o.emit(events.RecoverySucceededEvent{
			WorkflowID: f.WorkflowID,
			ID:         f.Node.ID,
			Strategy:   s.Name(),
			Timestamp:  time.Now(),
		})
		log.Info("node recovered", "strategy", s.Name(), "duration", elapsed)
		return scheduler.RecoveryOutcome{Recovered: true, Strategy: s.Name(), Output: res.Output}
	}

	exhausted := &scheduler.RecoveryExhaustedError{NodeID: f.Node.ID, Cause: f.Err, Attempts: failures}
	f.Context.RecordRecovery(record)

	names := make([]string, 0, len(failures))
	for _, fe := range failures {
		names = append(names, fe.Strategy)
	}
	o.emit(events.RecoveryExhaustedEvent{
		WorkflowID: f.WorkflowID,
		ID:         f.Node.ID,
		Strategies: names,
		Err:        exhausted,
		Timestamp:  time.Now(),
	})
	log.Error("recovery exhausted", "strategies", names, "error", f.Err)
	return scheduler.RecoveryOutcome{Err: exhausted}
}

func (o *Orchestrator) emit(e events.Event) {
	if o.sink != nil {
		o.sink.Emit(e)
	}
}
