package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNodeNotFound is returned when a transition or lookup names an unknown node.
var ErrNodeNotFound = errors.New("node not found")

// DuplicateNodeError is returned by AddNode when the ID is already present.
type DuplicateNodeError struct {
	ID string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("node %q already exists", e.ID)
}

// UnknownDependencyError is returned when a node depends on an ID the graph does not hold.
type UnknownDependencyError struct {
	NodeID       string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("node %q depends on unknown node %q", e.NodeID, e.DependencyID)
}

// DependencyCycleError names one cycle found during validation. The first and
// last entries of Cycle are the same node.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	if len(e.Cycle) == 0 {
		return "dependency cycle detected"
	}
	return "dependency cycle detected: " + strings.Join(e.Cycle, " -> ")
}

// InvalidTransitionError is returned when a node is moved out of a state other
// than the one the transition expects.
type InvalidTransitionError struct {
	NodeID string
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("node %q: invalid transition %s -> %s", e.NodeID, e.From, e.To)
}

// TaskExecutionError wraps an error returned by the executor for a node.
type TaskExecutionError struct {
	NodeID   string
	AgentRef string
	Err      error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("node %q (agent %q): %v", e.NodeID, e.AgentRef, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// StrategyError records why one recovery strategy did not recover a node.
type StrategyError struct {
	Strategy string
	Err      error
}

func (e StrategyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Strategy, e.Err)
}

// RecoveryExhaustedError is returned when every registered strategy failed.
type RecoveryExhaustedError struct {
	NodeID   string
	Cause    error
	Attempts []StrategyError
}

func (e *RecoveryExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	return fmt.Sprintf("node %q: recovery exhausted after %d strategies [%s]: %v",
		e.NodeID, len(e.Attempts), strings.Join(parts, "; "), e.Cause)
}

func (e *RecoveryExhaustedError) Unwrap() error { return e.Cause }

// PredictorUnavailableError is returned when the failure predictor errors or
// misses its time budget. The scheduler treats it as a zero-probability prediction.
type PredictorUnavailableError struct {
	Err error
}

func (e *PredictorUnavailableError) Error() string {
	return fmt.Sprintf("failure predictor unavailable: %v", e.Err)
}

func (e *PredictorUnavailableError) Unwrap() error { return e.Err }

// StalledGraphError is returned when pending nodes remain but none can ever run.
type StalledGraphError struct {
	Blocked []string
}

func (e *StalledGraphError) Error() string {
	return fmt.Sprintf("graph stalled: %d node(s) can never become ready: %s",
		len(e.Blocked), strings.Join(e.Blocked, ", "))
}

// FatalError marks an executor error as non-retryable. Fatal errors bypass recovery.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the scheduler and recovery strategies skip retrying it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
