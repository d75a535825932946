package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/selfheal/internal/agent"
	"github.com/aristath/selfheal/internal/events"
)

const (
	DefaultMaxConcurrency  = 16
	DefaultAtRiskThreshold = 0.7
)

// FailurePolicy decides what happens to the dependants of a failed node when
// the run is not halted.
type FailurePolicy int

const (
	SkipDownstream  FailurePolicy = iota // Dependants are marked Skipped
	BlockDownstream                      // Dependants stay Pending; the run ends stalled
)

func (p FailurePolicy) String() string {
	if p == BlockDownstream {
		return "block"
	}
	return "skip"
}

// ParseFailurePolicy maps "skip" and "block" to a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "skip":
		return SkipDownstream, nil
	case "block":
		return BlockDownstream, nil
	default:
		return SkipDownstream, fmt.Errorf("unknown failure policy %q", s)
	}
}

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	StatusSucceeded RunStatus = "succeeded" // Every node completed
	StatusPartial   RunStatus = "partial"   // Some nodes failed or were skipped, the rest completed
	StatusFailed    RunStatus = "failed"    // Halted, cancelled, or stalled
)

// EventSink receives lifecycle events. Implementations must not block.
type EventSink interface {
	Emit(events.Event)
}

// Failure is handed to a Recoverer when a node's execution fails.
type Failure struct {
	WorkflowID string
	Node       TaskNode
	Context    *ExecutionContext
	Inputs     map[string]any
	Err        error
}

// RecoveryOutcome reports whether a Recoverer produced a result for a node.
type RecoveryOutcome struct {
	Recovered bool
	Strategy  string // Strategy that recovered the node
	Output    any
	Err       error // Usually *RecoveryExhaustedError when not recovered
}

// Recoverer attempts to recover a failed node. It runs on the worker goroutine
// that executed the node.
type Recoverer interface {
	Recover(ctx context.Context, f Failure) RecoveryOutcome
}

// Options configures a Scheduler.
type Options struct {
	MaxConcurrency     int              // Worker pool size (default 16)
	HaltOnFailure      bool             // Cancel the run on the first unrecovered failure
	FailurePolicy      FailurePolicy    // Applied to dependants when not halting
	PredictorTimeout   time.Duration    // Prediction budget (0 derives one from the graph)
	AtRiskThreshold    float64          // Probability above which a node is flagged (default 0.7)
	CheckpointInterval int              // Checkpoint after every n completions (0 disables)
	IsFatal            func(error) bool // Extra non-retryable error classes
}

// Scheduler drives one TaskGraph to completion per Run call.
type Scheduler struct {
	opts        Options
	executor    agent.Executor
	recoverer   Recoverer
	predictor   Predictor
	checkpoints CheckpointStore
	sink        EventSink
	locks       *KeyedMutex
	logger      *slog.Logger
	scorer      PriorityScorer
}

// Option sets an optional collaborator.
type Option func(*Scheduler)

// WithRecoverer enables self-healing through r.
func WithRecoverer(r Recoverer) Option {
	return func(s *Scheduler) { s.recoverer = r }
}

// WithPredictor consults p once per node before dispatch.
func WithPredictor(p Predictor) Option {
	return func(s *Scheduler) { s.predictor = p }
}

// WithCheckpointStore enables checkpoints for at-risk nodes and periodic ones.
func WithCheckpointStore(cs CheckpointStore) Option {
	return func(s *Scheduler) { s.checkpoints = cs }
}

// WithEventSink publishes lifecycle events to sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithResourceLocks shares resource locks between schedulers.
func WithResourceLocks(k *KeyedMutex) Option {
	return func(s *Scheduler) { s.locks = k }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler that dispatches nodes to exec.
func New(exec agent.Executor, opts Options, extra ...Option) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.AtRiskThreshold <= 0 {
		opts.AtRiskThreshold = DefaultAtRiskThreshold
	}
	s := &Scheduler{
		opts:     opts,
		executor: exec,
		locks:    NewKeyedMutex(),
		logger:   slog.Default(),
	}
	for _, opt := range extra {
		opt(s)
	}
	return s
}

// Result summarises a finished run.
type Result struct {
	RunID      string
	WorkflowID string
	Status     RunStatus
	Completed  []string
	Failed     []string
	Skipped    []string
	Cancelled  []string // In-flight when the run halted; also listed in Failed
	NotStarted []string // Still Pending when the run ended
	NodeErrors map[string]error
	Recoveries []RecoveryRecord
	Err        error // All node errors and the run-level cause, joined
	StartedAt  time.Time
	Duration   time.Duration
}

// nodeResult travels from a worker back to the loop.
type nodeResult struct {
	id       string
	output   any
	strategy string
	err      error
	duration time.Duration
}

// run holds the state of one Run call. Only the loop goroutine touches it.
type run struct {
	s      *Scheduler
	g      *TaskGraph
	ec     *ExecutionContext
	ctx    context.Context
	cancel context.CancelFunc
	pool   errgroup.Group
	done   chan nodeResult

	inflight   int
	completed  int
	budget     time.Duration
	predicted  map[string]bool
	cancelled  []string
	nodeErrors map[string]error
	haltErr    error
}

// Run validates g and executes it against ec. A validation error is returned
// before any node leaves Pending. Otherwise a Result is always returned, and
// the error is non-nil only when the Result's status is StatusFailed.
func (s *Scheduler) Run(ctx context.Context, g *TaskGraph, ec *ExecutionContext) (*Result, error) {
	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	if ec == nil {
		ec = NewExecutionContext(uuid.NewString())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		s:          s,
		g:          g,
		ec:         ec,
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan nodeResult, max(g.Len(), 1)),
		predicted:  make(map[string]bool),
		nodeErrors: make(map[string]error),
	}
	r.pool.SetLimit(s.opts.MaxConcurrency)
	if s.predictor != nil {
		r.budget = predictorBudget(s.opts.PredictorTimeout, g)
	}

	res := &Result{
		RunID:      uuid.NewString(),
		WorkflowID: ec.WorkflowID(),
		StartedAt:  time.Now(),
	}
	log := s.logger.With("workflow_id", res.WorkflowID, "run_id", res.RunID)
	log.Info("run started", "nodes", g.Len(), "max_concurrency", s.opts.MaxConcurrency)

	s.seedStats(runCtx, g, ec)
	r.loop()

	s.finish(r, res)
	log.Info("run finished", "status", string(res.Status),
		"completed", len(res.Completed), "failed", len(res.Failed),
		"skipped", len(res.Skipped), "duration", res.Duration)

	if res.Status == StatusFailed {
		return res, res.Err
	}
	return res, nil
}

// loop dispatches ready nodes while slots are free and otherwise waits for any
// in-flight node to finish.
func (r *run) loop() {
	for {
		if err := r.ctx.Err(); err != nil {
			if r.haltErr == nil {
				r.halt(err)
			}
			return
		}

		for r.haltErr == nil && r.inflight < r.s.opts.MaxConcurrency {
			node, ok := r.next()
			if !ok {
				break
			}
			r.dispatch(node)
		}

		if r.inflight == 0 || r.haltErr != nil {
			return
		}

		select {
		case res := <-r.done:
			r.inflight--
			r.handle(res)
		case <-r.ctx.Done():
			r.halt(r.ctx.Err())
			return
		}
	}
}

// next returns the highest scoring ready node. A node is shown to the predictor
// once per run; flagging it at-risk changes its score, so ranking is redone.
func (r *run) next() (TaskNode, bool) {
	for {
		maxc := r.s.opts.MaxConcurrency
		availability := float64(maxc-r.inflight) / float64(maxc)

		var top TaskNode
		found := false
		for node := range r.g.ReadyTasks(r.scoreFunc(availability)) {
			top, found = node, true
			break
		}
		if !found {
			return TaskNode{}, false
		}

		if r.s.predictor == nil || r.predicted[top.ID] {
			return top, true
		}
		r.predicted[top.ID] = true
		if !r.consult(top) {
			return top, true
		}
	}
}

func (r *run) scoreFunc(availability float64) func(TaskNode) float64 {
	return func(n TaskNode) float64 {
		score := r.s.scorer.Score(n, r.ec, availability)
		if r.ec.IsAtRisk(n.ID) {
			score *= AtRiskPenalty
		}
		return score
	}
}

// consult asks the predictor about node and reports whether it was flagged at-risk.
func (r *run) consult(node TaskNode) bool {
	pred, err := PredictWithin(r.ctx, r.s.predictor, r.budget, r.ec.Snapshot(), node)
	if err != nil {
		r.s.logger.Warn("prediction skipped", "workflow_id", r.ec.WorkflowID(),
			"node_id", node.ID, "error", err)
		return false
	}
	if pred.Probability <= r.s.opts.AtRiskThreshold {
		return false
	}

	r.ec.MarkAtRisk(node.ID)
	r.s.logger.Warn("node at risk", "workflow_id", r.ec.WorkflowID(), "node_id", node.ID,
		"probability", pred.Probability, "action", string(pred.RecommendedAction))

	if r.s.checkpoints != nil {
		if _, err := r.ec.Checkpoint(r.ctx, r.s.checkpoints); err != nil {
			r.s.logger.Warn("checkpoint before at-risk node failed",
				"workflow_id", r.ec.WorkflowID(), "node_id", node.ID, "error", err)
		}
	}
	return true
}

func (r *run) dispatch(node TaskNode) {
	if err := r.g.MarkReady(node.ID); err != nil {
		r.s.logger.Error("mark ready", "node_id", node.ID, "error", err)
		return
	}
	if err := r.g.MarkRunning(node.ID); err != nil {
		r.s.logger.Error("mark running", "node_id", node.ID, "error", err)
		return
	}
	r.ec.SetCurrentStep(node.ID)
	r.inflight++

	r.s.emit(events.TaskStartedEvent{
		WorkflowID: r.ec.WorkflowID(),
		ID:         node.ID,
		Name:       node.Name,
		AgentRef:   node.AgentRef,
		AtRisk:     r.ec.IsAtRisk(node.ID),
		Timestamp:  time.Now(),
	})
	r.progress()

	inputs := r.ec.Inputs(node.DependsOn)
	ctx, ec, done := r.ctx, r.ec, r.done
	r.pool.Go(func() error {
		done <- r.s.execute(ctx, ec, node, inputs)
		return nil // Node errors travel on done, never abort the pool
	})
}

// execute runs one node on a worker goroutine, including recovery.
func (s *Scheduler) execute(ctx context.Context, ec *ExecutionContext, node TaskNode, inputs map[string]any) nodeResult {
	start := time.Now()

	unlock := s.locks.LockAll(node.Resources)
	defer unlock()

	res, err := agent.Call(ctx, s.executor, node.AgentRef, agent.Options{
		WorkflowID: ec.WorkflowID(),
		NodeID:     node.ID,
		Params:     node.Params,
		Inputs:     inputs,
	}, node.Timeout)

	// Stats outlive the run context so cancelled runs still record outcomes
	if recErr := ec.RecordOutcome(context.WithoutCancel(ctx), node.AgentRef, err == nil); recErr != nil {
		s.logger.Warn("record outcome", "node_id", node.ID, "agent_ref", node.AgentRef, "error", recErr)
	}
	if err == nil {
		return nodeResult{id: node.ID, output: res.Output, duration: time.Since(start)}
	}

	execErr := &TaskExecutionError{NodeID: node.ID, AgentRef: node.AgentRef, Err: err}
	s.emit(events.TaskFailedEvent{
		WorkflowID: ec.WorkflowID(),
		ID:         node.ID,
		Err:        execErr,
		Duration:   time.Since(start),
		Timestamp:  time.Now(),
	})

	if s.recoverer == nil || s.isFatal(err) || ctx.Err() != nil {
		return nodeResult{id: node.ID, err: execErr, duration: time.Since(start)}
	}

	s.logger.Info("recovering node", "workflow_id", ec.WorkflowID(), "node_id", node.ID,
		"agent_ref", node.AgentRef, "error", err)
	out := s.recoverer.Recover(ctx, Failure{
		WorkflowID: ec.WorkflowID(),
		Node:       node,
		Context:    ec,
		Inputs:     inputs,
		Err:        execErr,
	})
	if out.Recovered {
		return nodeResult{id: node.ID, output: out.Output, strategy: out.Strategy, duration: time.Since(start)}
	}
	if out.Err == nil {
		out.Err = execErr
	}
	return nodeResult{id: node.ID, err: out.Err, duration: time.Since(start)}
}

func (s *Scheduler) isFatal(err error) bool {
	if IsFatal(err) {
		return true
	}
	return s.opts.IsFatal != nil && s.opts.IsFatal(err)
}

// handle applies a worker's result to the graph.
func (r *run) handle(res nodeResult) {
	wf := r.ec.WorkflowID()

	if res.err == nil {
		if err := r.g.MarkCompleted(res.id, res.output); err != nil {
			r.s.logger.Error("mark completed", "node_id", res.id, "error", err)
			return
		}
		r.ec.SetOutput(res.id, res.output)
		r.completed++
		r.s.emit(events.TaskCompletedEvent{
			WorkflowID: wf,
			ID:         res.id,
			Strategy:   res.strategy,
			Duration:   res.duration,
			Timestamp:  time.Now(),
		})
		r.maybeCheckpoint()
		r.progress()
		return
	}

	if err := r.g.MarkFailed(res.id, res.err); err != nil {
		r.s.logger.Error("mark failed", "node_id", res.id, "error", err)
		return
	}
	r.nodeErrors[res.id] = res.err
	r.s.emit(events.TaskFailedEvent{
		WorkflowID: wf,
		ID:         res.id,
		Err:        res.err,
		Final:      true,
		Duration:   res.duration,
		Timestamp:  time.Now(),
	})
	r.s.logger.Error("node failed", "workflow_id", wf, "node_id", res.id, "error", res.err)

	switch {
	case errors.Is(res.err, context.Canceled) && r.ctx.Err() != nil:
		// Lost a race with cancellation; the select on ctx.Done halts next
		r.cancelled = append(r.cancelled, res.id)
	case r.s.opts.HaltOnFailure:
		r.halt(fmt.Errorf("halted after node %q failed: %w", res.id, res.err))
	case r.s.opts.FailurePolicy == SkipDownstream:
		if skipped := r.g.SkipDownstream(res.id); len(skipped) > 0 {
			r.s.logger.Info("skipped dependants", "workflow_id", wf, "node_id", res.id, "skipped", skipped)
		}
	}
	r.progress()
}

// halt cancels in-flight work and stops waiting for it. Nodes still running are
// marked Failed with context.Canceled.
func (r *run) halt(cause error) {
	r.haltErr = cause
	r.cancel()

	for _, id := range r.g.idsWithStatus(TaskRunning) {
		if err := r.g.MarkFailed(id, context.Canceled); err == nil {
			r.cancelled = append(r.cancelled, id)
			r.nodeErrors[id] = context.Canceled
		}
	}
	r.progress()
}

func (r *run) maybeCheckpoint() {
	n := r.s.opts.CheckpointInterval
	if n <= 0 || r.s.checkpoints == nil || r.completed%n != 0 {
		return
	}
	if _, err := r.ec.Checkpoint(r.ctx, r.s.checkpoints); err != nil {
		r.s.logger.Warn("periodic checkpoint failed", "workflow_id", r.ec.WorkflowID(), "error", err)
	}
}

func (r *run) progress() {
	p := r.g.Counts()
	r.s.emit(events.DAGProgressEvent{
		WorkflowID: r.ec.WorkflowID(),
		Total:      p.Total,
		Pending:    p.Pending + p.Ready,
		Running:    p.Running,
		Completed:  p.Completed,
		Failed:     p.Failed,
		Skipped:    p.Skipped,
		Timestamp:  time.Now(),
	})
}

// finish fills res from the final graph state.
func (s *Scheduler) finish(r *run, res *Result) {
	g := r.g
	res.Completed = g.idsWithStatus(TaskCompleted)
	res.Failed = g.idsWithStatus(TaskFailed)
	res.Skipped = g.idsWithStatus(TaskSkipped)
	res.NotStarted = g.idsWithStatus(TaskPending)
	res.Cancelled = r.cancelled
	res.NodeErrors = r.nodeErrors
	res.Recoveries = r.ec.RecoveryHistory()
	res.Duration = time.Since(res.StartedAt)

	var errs []error
	for _, id := range res.Failed {
		if err := r.nodeErrors[id]; err != nil && !slices.Contains(r.cancelled, id) {
			errs = append(errs, err)
		}
	}

	switch {
	case r.haltErr != nil:
		res.Status = StatusFailed
		errs = append(errs, r.haltErr)
	case len(res.NotStarted) > 0:
		res.Status = StatusFailed
		errs = append(errs, &StalledGraphError{Blocked: res.NotStarted})
	case len(res.Failed) > 0 || len(res.Skipped) > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusSucceeded
	}
	res.Err = errors.Join(errs...)
}

// seedStats loads the shared stats window for every agent ref in g that the
// context has no observations for yet.
func (s *Scheduler) seedStats(ctx context.Context, g *TaskGraph, ec *ExecutionContext) {
	ec.mu.RLock()
	shared, window := ec.shared, ec.window
	ec.mu.RUnlock()
	if shared == nil {
		return
	}

	seen := make(map[string]bool)
	for _, n := range g.Nodes() {
		if seen[n.AgentRef] {
			continue
		}
		seen[n.AgentRef] = true
		if _, ok := ec.SuccessRate(n.AgentRef); ok {
			continue
		}
		outcomes, err := shared.Window(ctx, n.AgentRef, window)
		if err != nil {
			s.logger.Warn("load agent stats", "agent_ref", n.AgentRef, "error", err)
			continue
		}
		if len(outcomes) > 0 {
			ec.SeedStats(n.AgentRef, outcomes)
		}
	}
}

func (s *Scheduler) emit(e events.Event) {
	if s.sink != nil {
		s.sink.Emit(e)
	}
}
