package scheduler

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"
)

// DefaultStatsWindow is the number of outcomes kept per agent ref.
const DefaultStatsWindow = 50

// CheckpointRef identifies a checkpoint saved for an execution.
type CheckpointRef struct {
	ID        string
	Seq       int64
	CreatedAt time.Time
}

// Snapshot is the serialisable state of an ExecutionContext.
type Snapshot struct {
	WorkflowID       string            `json:"workflow_id" msgpack:"workflow_id"`
	Seq              int64             `json:"seq" msgpack:"seq"`
	CurrentStep      string            `json:"current_step" msgpack:"current_step"`
	Outputs          map[string]any    `json:"outputs" msgpack:"outputs"`
	Stats            map[string][]bool `json:"stats" msgpack:"stats"`
	LatestCheckpoint string            `json:"latest_checkpoint,omitempty" msgpack:"latest_checkpoint,omitempty"`
	TakenAt          time.Time         `json:"taken_at" msgpack:"taken_at"`
}

// RecoveryAttempt is one strategy's result within a RecoveryRecord.
type RecoveryAttempt struct {
	Strategy string
	Err      string
	Duration time.Duration
}

// RecoveryRecord describes how recovery of one node went.
type RecoveryRecord struct {
	NodeID     string
	AgentRef   string
	Cause      string
	Strategy   string // Empty when exhausted
	Succeeded  bool
	Attempts   []RecoveryAttempt
	Prediction *FailurePrediction
	At         time.Time
}

// ExecutionContext is the mutable record of one workflow execution. It is owned
// by a single Scheduler run. Clone produces an isolated working copy whose
// recorded outcomes are only applied to the parent through Merge.
type ExecutionContext struct {
	mu          sync.RWMutex
	cpMu        sync.Mutex // Serialises checkpoint writes for this execution
	workflowID  string
	currentStep string
	checkpoints []CheckpointRef
	outputs     map[string]any
	stats       map[string][]bool
	window      int
	history     []RecoveryRecord
	atRisk      map[string]bool
	restoredTo  string

	shared  StatsStore
	journal []statEntry // Outcomes recorded on a clone, replayed by Merge
	isClone bool
}

type statEntry struct {
	agentRef string
	success  bool
}

// ContextOption configures an ExecutionContext.
type ContextOption func(*ExecutionContext)

// WithStatsWindow sets how many outcomes are kept per agent ref.
func WithStatsWindow(n int) ContextOption {
	return func(ec *ExecutionContext) {
		if n > 0 {
			ec.window = n
		}
	}
}

// WithStatsStore writes every recorded outcome through to a shared store.
func WithStatsStore(s StatsStore) ContextOption {
	return func(ec *ExecutionContext) { ec.shared = s }
}

// NewExecutionContext creates an empty context for workflowID.
func NewExecutionContext(workflowID string, opts ...ContextOption) *ExecutionContext {
	ec := &ExecutionContext{
		workflowID: workflowID,
		outputs:    make(map[string]any),
		stats:      make(map[string][]bool),
		window:     DefaultStatsWindow,
		atRisk:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// WorkflowID returns the execution's workflow ID.
func (ec *ExecutionContext) WorkflowID() string {
	return ec.workflowID
}

// CurrentStep returns the ID of the most recently dispatched node.
func (ec *ExecutionContext) CurrentStep() string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.currentStep
}

// SetCurrentStep records the most recently dispatched node.
func (ec *ExecutionContext) SetCurrentStep(nodeID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.currentStep = nodeID
}

// SetOutput stores a completed node's output for its dependants.
func (ec *ExecutionContext) SetOutput(nodeID string, output any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.outputs[nodeID] = output
}

// Inputs returns the outputs of the given nodes that are known.
func (ec *ExecutionContext) Inputs(nodeIDs []string) map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	inputs := make(map[string]any, len(nodeIDs))
	for _, id := range nodeIDs {
		if v, ok := ec.outputs[id]; ok {
			inputs[id] = v
		}
	}
	return inputs
}

// SeedStats installs previously observed outcomes for an agent ref, oldest first.
func (ec *ExecutionContext) SeedStats(agentRef string, outcomes []bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.stats[agentRef] = ec.trim(append([]bool(nil), outcomes...))
}

// RecordOutcome appends a success or failure for agentRef to the rolling window.
// On a root context the outcome is also written to the shared stats store.
func (ec *ExecutionContext) RecordOutcome(ctx context.Context, agentRef string, success bool) error {
	ec.mu.Lock()
	ec.stats[agentRef] = ec.trim(append(ec.stats[agentRef], success))
	if ec.isClone {
		ec.journal = append(ec.journal, statEntry{agentRef: agentRef, success: success})
	}
	shared := ec.shared
	ec.mu.Unlock()

	if shared == nil {
		return nil
	}
	if err := shared.Record(ctx, agentRef, success); err != nil {
		return fmt.Errorf("record outcome for %q: %w", agentRef, err)
	}
	return nil
}

func (ec *ExecutionContext) trim(window []bool) []bool {
	if len(window) > ec.window {
		return window[len(window)-ec.window:]
	}
	return window
}

// SuccessRate returns the fraction of successes in agentRef's window.
// ok is false when nothing has been recorded.
func (ec *ExecutionContext) SuccessRate(agentRef string) (float64, bool) {
	if ec == nil {
		return 0, false
	}
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	window := ec.stats[agentRef]
	if len(window) == 0 {
		return 0, false
	}
	ok := 0
	for _, s := range window {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(window)), true
}

// Counts returns successes and failures in agentRef's window.
func (ec *ExecutionContext) Counts(agentRef string) (successes, failures int) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	for _, s := range ec.stats[agentRef] {
		if s {
			successes++
		} else {
			failures++
		}
	}
	return successes, failures
}

// MarkAtRisk flags a node the predictor expects to fail.
func (ec *ExecutionContext) MarkAtRisk(nodeID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.atRisk[nodeID] = true
}

// IsAtRisk reports whether the node was flagged by MarkAtRisk.
func (ec *ExecutionContext) IsAtRisk(nodeID string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.atRisk[nodeID]
}

// RecordRecovery appends a recovery record to the history.
func (ec *ExecutionContext) RecordRecovery(rec RecoveryRecord) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.history = append(ec.history, rec)
}

// RecoveryHistory returns a copy of the recovery records.
func (ec *ExecutionContext) RecoveryHistory() []RecoveryRecord {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]RecoveryRecord(nil), ec.history...)
}

// Checkpoints returns the checkpoints taken so far, oldest first.
func (ec *ExecutionContext) Checkpoints() []CheckpointRef {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]CheckpointRef(nil), ec.checkpoints...)
}

// Snapshot returns the serialisable state of the context.
func (ec *ExecutionContext) Snapshot() Snapshot {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.snapshotLocked()
}

func (ec *ExecutionContext) snapshotLocked() Snapshot {
	stats := make(map[string][]bool, len(ec.stats))
	for ref, window := range ec.stats {
		stats[ref] = append([]bool(nil), window...)
	}
	snap := Snapshot{
		WorkflowID:  ec.workflowID,
		CurrentStep: ec.currentStep,
		Outputs:     maps.Clone(ec.outputs),
		Stats:       stats,
		TakenAt:     time.Now(),
	}
	if n := len(ec.checkpoints); n > 0 {
		snap.Seq = ec.checkpoints[n-1].Seq
		snap.LatestCheckpoint = ec.checkpoints[n-1].ID
	}
	return snap
}

// Checkpoint saves a snapshot to store. Checkpoint writes for one execution are
// serialised, and sequence numbers increase monotonically.
func (ec *ExecutionContext) Checkpoint(ctx context.Context, store CheckpointStore) (CheckpointRef, error) {
	ec.cpMu.Lock()
	defer ec.cpMu.Unlock()

	ec.mu.RLock()
	snap := ec.snapshotLocked()
	ec.mu.RUnlock()
	snap.Seq++

	id, err := store.Save(ctx, snap)
	if err != nil {
		return CheckpointRef{}, fmt.Errorf("save checkpoint: %w", err)
	}

	ref := CheckpointRef{ID: id, Seq: snap.Seq, CreatedAt: snap.TakenAt}
	ec.mu.Lock()
	ec.checkpoints = append(ec.checkpoints, ref)
	ec.mu.Unlock()
	return ref, nil
}

// RestoreFrom replaces the workflow state (outputs and current step) with the
// snapshot's. The stats window and recovery history are observations, not
// workflow state, and are kept.
func (ec *ExecutionContext) RestoreFrom(snap Snapshot, checkpointID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.outputs = maps.Clone(snap.Outputs)
	if ec.outputs == nil {
		ec.outputs = make(map[string]any)
	}
	ec.currentStep = snap.CurrentStep
	ec.restoredTo = checkpointID
}

// RestoredTo returns the checkpoint ID the context was last restored from.
func (ec *ExecutionContext) RestoredTo() string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.restoredTo
}

// Clone returns an isolated working copy. The copy never writes to the shared
// stats store; its outcomes reach the parent only through Merge.
func (ec *ExecutionContext) Clone() *ExecutionContext {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	stats := make(map[string][]bool, len(ec.stats))
	for ref, window := range ec.stats {
		stats[ref] = append([]bool(nil), window...)
	}
	return &ExecutionContext{
		workflowID:  ec.workflowID,
		currentStep: ec.currentStep,
		checkpoints: append([]CheckpointRef(nil), ec.checkpoints...),
		outputs:     maps.Clone(ec.outputs),
		stats:       stats,
		window:      ec.window,
		history:     append([]RecoveryRecord(nil), ec.history...),
		atRisk:      maps.Clone(ec.atRisk),
		isClone:     true,
	}
}

// Merge applies the outcomes recorded on a working copy to ec.
func (ec *ExecutionContext) Merge(ctx context.Context, work *ExecutionContext) error {
	work.mu.RLock()
	journal := append([]statEntry(nil), work.journal...)
	restored := work.restoredTo
	work.mu.RUnlock()

	var firstErr error
	for _, e := range journal {
		if err := ec.RecordOutcome(ctx, e.agentRef, e.success); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if restored != "" {
		ec.mu.Lock()
		ec.restoredTo = restored
		ec.mu.Unlock()
	}
	return firstErr
}
