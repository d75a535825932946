// Package orchestrator wires the scheduler, recovery chain, predictor,
// persistence and event bus into the two public entry points: a plain run and
// a self-healing run.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/aristath/selfheal/internal/agent"
	"github.com/aristath/selfheal/internal/checkpoint"
	"github.com/aristath/selfheal/internal/config"
	"github.com/aristath/selfheal/internal/events"
	"github.com/aristath/selfheal/internal/logging"
	"github.com/aristath/selfheal/internal/persistence"
	"github.com/aristath/selfheal/internal/predictor"
	"github.com/aristath/selfheal/internal/recovery"
	"github.com/aristath/selfheal/internal/scheduler"
	"github.com/aristath/selfheal/internal/workflow"
)

// RunConfig configures one execution.
type RunConfig struct {
	MaxConcurrency   int                     // Default 16
	HaltOnFailure    bool                    // Cancel the run on the first unrecovered failure
	PredictorTimeout time.Duration           // 0 derives the budget from the graph
	AtRiskThreshold  float64                 // Default 0.7
	FailurePolicy    scheduler.FailurePolicy // Applied to dependants when not halting
	CheckpointEvery  int                     // Checkpoint after every n completions (0 disables)
	StatsWindow      int                     // Outcomes kept per agent ref
	Retry            recovery.RetryConfig
}

// DefaultRunConfig returns the defaults used when no configuration is given.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxConcurrency:  scheduler.DefaultMaxConcurrency,
		AtRiskThreshold: scheduler.DefaultAtRiskThreshold,
		FailurePolicy:   scheduler.SkipDownstream,
		StatsWindow:     scheduler.DefaultStatsWindow,
		Retry:           recovery.DefaultRetryConfig(),
	}
}

// RunConfigFrom converts file configuration into a RunConfig.
func RunConfigFrom(cfg *config.Config) (RunConfig, error) {
	policy, err := scheduler.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return RunConfig{}, err
	}
	return RunConfig{
		MaxConcurrency:   cfg.MaxConcurrency,
		HaltOnFailure:    cfg.HaltOnFailure,
		PredictorTimeout: cfg.PredictorTimeout(),
		AtRiskThreshold:  cfg.AtRiskThreshold,
		FailurePolicy:    policy,
		CheckpointEvery:  cfg.CheckpointEvery,
		StatsWindow:      cfg.Stats.Window,
		Retry: recovery.RetryConfig{
			Unit:        cfg.Retry.RetryUnit(),
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
	}, nil
}

// RunRecorder stores run summaries.
type RunRecorder interface {
	SaveRun(ctx context.Context, run persistence.RunRecord) error
}

// Engine executes workflows. It is safe for concurrent use; resource locks and
// historical stats are shared by every run it starts.
type Engine struct {
	exec        agent.Executor
	checkpoints scheduler.CheckpointStore
	stats       scheduler.StatsStore
	runs        RunRecorder
	predictor   scheduler.Predictor
	bus         *events.EventBus
	locks       *scheduler.KeyedMutex
	sleep       recovery.Sleeper
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore uses a persistence store for checkpoints, stats and run history.
func WithStore(s persistence.Store) Option {
	return func(e *Engine) {
		e.checkpoints = s
		e.stats = s
		e.runs = s
	}
}

// WithCheckpointStore overrides the checkpoint store.
func WithCheckpointStore(cs scheduler.CheckpointStore) Option {
	return func(e *Engine) { e.checkpoints = cs }
}

// WithStatsStore overrides the shared stats store.
func WithStatsStore(ss scheduler.StatsStore) Option {
	return func(e *Engine) { e.stats = ss }
}

// WithRunRecorder stores a summary of every run.
func WithRunRecorder(r RunRecorder) Option {
	return func(e *Engine) { e.runs = r }
}

// WithPredictor replaces the default historical predictor.
func WithPredictor(p scheduler.Predictor) Option {
	return func(e *Engine) { e.predictor = p }
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithSleeper replaces the retry strategy's sleep.
func WithSleeper(s recovery.Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine dispatching to exec. Without a store,
// checkpoints and stats live in memory for the Engine's lifetime.
func NewEngine(exec agent.Executor, opts ...Option) *Engine {
	e := &Engine{
		exec:   exec,
		locks:  scheduler.NewKeyedMutex(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.checkpoints == nil {
		e.checkpoints = checkpoint.NewMemoryStore()
	}
	if e.stats == nil {
		e.stats = scheduler.NewMemoryStatsStore(scheduler.DefaultStatsWindow)
	}
	if e.predictor == nil {
		e.predictor = predictor.NewHistorical()
	}
	return e
}

// ExecuteAsync runs the workflow without recovery: a failed node stays failed
// and the failure policy handles its dependants.
func (e *Engine) ExecuteAsync(ctx context.Context, def *workflow.Definition, cfg RunConfig) (*scheduler.Result, error) {
	return e.execute(ctx, def, cfg, false)
}

// ExecuteWithSelfHealing runs the workflow with failure prediction, at-risk
// checkpoints and the full recovery chain.
func (e *Engine) ExecuteWithSelfHealing(ctx context.Context, def *workflow.Definition, cfg RunConfig) (*scheduler.Result, error) {
	return e.execute(ctx, def, cfg, true)
}

func (e *Engine) execute(ctx context.Context, def *workflow.Definition, cfg RunConfig, selfHealing bool) (*scheduler.Result, error) {
	g, err := def.Build()
	if err != nil {
		return nil, err
	}

	ec := scheduler.NewExecutionContext(def.ID,
		scheduler.WithStatsWindow(cfg.StatsWindow),
		scheduler.WithStatsStore(e.stats),
	)
	log := logging.ForWorkflow(e.logger, def.ID, "")

	opts := scheduler.Options{
		MaxConcurrency:     cfg.MaxConcurrency,
		HaltOnFailure:      cfg.HaltOnFailure,
		FailurePolicy:      cfg.FailurePolicy,
		PredictorTimeout:   cfg.PredictorTimeout,
		AtRiskThreshold:    cfg.AtRiskThreshold,
		CheckpointInterval: cfg.CheckpointEvery,
		IsFatal:            agent.IsFatalExit,
	}
	extra := []scheduler.Option{
		scheduler.WithResourceLocks(e.locks),
		scheduler.WithLogger(e.logger),
	}
	if e.bus != nil {
		extra = append(extra, scheduler.WithEventSink(e.bus))
	}
	if selfHealing {
		extra = append(extra,
			scheduler.WithPredictor(e.predictor),
			scheduler.WithCheckpointStore(e.checkpoints),
			scheduler.WithRecoverer(e.recoverer(cfg)),
		)
	}

	log.Info("executing workflow", "nodes", g.Len(), "self_healing", selfHealing)
	res, runErr := scheduler.New(e.exec, opts, extra...).Run(ctx, g, ec)
	if res == nil {
		return nil, runErr
	}

	if e.runs != nil {
		// Record even when the caller's context is already cancelled
		rec := persistence.NewRunRecord(res, g, selfHealing)
		if err := e.runs.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
			log.Warn("failed to save run record", "run_id", res.RunID, "error", err)
		}
	}
	return res, runErr
}

func (e *Engine) recoverer(cfg RunConfig) *recovery.Orchestrator {
	isFatal := agent.IsFatalExit
	strategies := recovery.DefaultStrategies(e.exec, e.checkpoints, cfg.Retry, e.sleep, isFatal)

	opts := []recovery.Option{
		recovery.WithPredictor(e.predictor, cfg.PredictorTimeout),
		recovery.WithLogger(e.logger),
	}
	if e.bus != nil {
		opts = append(opts, recovery.WithEventSink(e.bus))
	}
	return recovery.New(strategies, opts...)
}
