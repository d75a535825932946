package scheduler

import (
	"maps"
	"time"
)

// TaskStatus represents the lifecycle state of a node.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies
	TaskReady                       // All dependencies completed, selected for dispatch
	TaskRunning                     // Handed to the executor (including recovery)
	TaskCompleted                   // Finished successfully
	TaskFailed                      // Recovery exhausted, fatal error, or cancelled
	TaskSkipped                     // Not run because an upstream node failed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the node can no longer change state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Route is an alternate way of performing a node's work: a fallback path or a
// degraded variant supplied by the workflow author.
type Route struct {
	AgentRef string
	Params   map[string]any
}

// TaskNode represents a unit of work in the graph.
type TaskNode struct {
	ID                string         // Unique within a graph
	Name              string         // Human-readable name
	AgentRef          string         // Opaque reference resolved by the executor
	DependsOn         []string       // Node IDs that must complete first
	Priority          int            // Author-supplied importance, 0-100
	EstimatedDuration time.Duration  // Advisory, used for heuristics only
	Timeout           time.Duration  // Per-execution deadline (0 = none)
	Params            map[string]any // Task configuration passed to the executor
	Resources         []string       // Named resources held exclusively while running
	Fallback          *Route         // Alternate path around this node
	Degraded          *Route         // Reduced-feature variant

	Status TaskStatus
	Output any   // Populated on completion
	Error  error // Populated on failure or skip
}

func cloneNode(n *TaskNode) TaskNode {
	cp := *n
	if n.DependsOn != nil {
		cp.DependsOn = append([]string(nil), n.DependsOn...)
	}
	if n.Resources != nil {
		cp.Resources = append([]string(nil), n.Resources...)
	}
	if n.Params != nil {
		cp.Params = maps.Clone(n.Params)
	}
	cp.Fallback = cloneRoute(n.Fallback)
	cp.Degraded = cloneRoute(n.Degraded)
	return cp
}

func cloneRoute(r *Route) *Route {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Params != nil {
		cp.Params = maps.Clone(r.Params)
	}
	return &cp
}
