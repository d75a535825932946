package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
	Workflow() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicRecovery = "recovery"
	TopicDAG      = "dag"
)

// Event type constants
const (
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeRecoveryAttempted = "recovery.attempted"
	EventTypeRecoverySucceeded = "recovery.succeeded"
	EventTypeRecoveryExhausted = "recovery.exhausted"
	EventTypeDAGProgress       = "dag.progress"
)

// TaskStartedEvent is published when a node is dispatched.
type TaskStartedEvent struct {
	WorkflowID string
	ID         string
	Name       string
	AgentRef   string
	AtRisk     bool // The predictor expected this node to fail
	Timestamp  time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }
func (e TaskStartedEvent) Workflow() string  { return e.WorkflowID }

// TaskCompletedEvent is published when a node completes, including after recovery.
type TaskCompletedEvent struct {
	WorkflowID string
	ID         string
	Strategy   string // Recovery strategy that produced the result, if any
	Duration   time.Duration
	Timestamp  time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }
func (e TaskCompletedEvent) Workflow() string  { return e.WorkflowID }

// TaskFailedEvent is published when an execution fails. Final is false for the
// initial failure handed to recovery and true once the node is marked Failed.
type TaskFailedEvent struct {
	WorkflowID string
	ID         string
	Err        error
	Final      bool
	Duration   time.Duration
	Timestamp  time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }
func (e TaskFailedEvent) Workflow() string  { return e.WorkflowID }

// RecoveryAttemptedEvent is published after each strategy attempt.
type RecoveryAttemptedEvent struct {
	WorkflowID string
	ID         string
	Strategy   string
	Err        error // nil when the strategy recovered the node
	Duration   time.Duration
	Timestamp  time.Time
}

func (e RecoveryAttemptedEvent) EventType() string { return EventTypeRecoveryAttempted }
func (e RecoveryAttemptedEvent) TaskID() string    { return e.ID }
func (e RecoveryAttemptedEvent) Workflow() string  { return e.WorkflowID }

// RecoverySucceededEvent names the strategy that recovered a node.
type RecoverySucceededEvent struct {
	WorkflowID string
	ID         string
	Strategy   string
	Timestamp  time.Time
}

func (e RecoverySucceededEvent) EventType() string { return EventTypeRecoverySucceeded }
func (e RecoverySucceededEvent) TaskID() string    { return e.ID }
func (e RecoverySucceededEvent) Workflow() string  { return e.WorkflowID }

// RecoveryExhaustedEvent is published when every strategy failed for a node.
type RecoveryExhaustedEvent struct {
	WorkflowID string
	ID         string
	Strategies []string
	Err        error
	Timestamp  time.Time
}

func (e RecoveryExhaustedEvent) EventType() string { return EventTypeRecoveryExhausted }
func (e RecoveryExhaustedEvent) TaskID() string    { return e.ID }
func (e RecoveryExhaustedEvent) Workflow() string  { return e.WorkflowID }

// DAGProgressEvent is published when graph progress changes.
type DAGProgressEvent struct {
	WorkflowID string
	Total      int
	Pending    int
	Running    int
	Completed  int
	Failed     int
	Skipped    int
	Timestamp  time.Time
}

func (e DAGProgressEvent) EventType() string { return EventTypeDAGProgress }
func (e DAGProgressEvent) TaskID() string    { return "" }
func (e DAGProgressEvent) Workflow() string  { return e.WorkflowID }

// TopicOf returns the topic an event is published under, derived from the
// prefix of its type.
func TopicOf(e Event) string {
	t := e.EventType()
	for i := 0; i < len(t); i++ {
		if t[i] == '.' {
			return t[:i]
		}
	}
	return t
}
