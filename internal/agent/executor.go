// Package agent defines the boundary between the scheduler and the work it
// dispatches, plus executors that route, protect, and run that work.
package agent

import (
	"context"
	"time"
)

// Options describes one invocation of an agent.
type Options struct {
	WorkflowID string
	NodeID     string
	Attempt    int            // 0 for the first dispatch, >0 for recovery attempts
	Params     map[string]any // Task configuration
	Inputs     map[string]any // Outputs of the node's dependencies
	Route      string         // "", "fallback" or "degraded"
	Degraded   bool           // Set when running a reduced-feature variant
}

// Result is what an agent produced.
type Result struct {
	Output any
}

// Executor runs the work identified by agentRef. Any returned error is treated
// as retryable unless it is marked fatal by the caller.
type Executor interface {
	Run(ctx context.Context, agentRef string, opts Options) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, agentRef string, opts Options) (Result, error)

// Run calls f.
func (f ExecutorFunc) Run(ctx context.Context, agentRef string, opts Options) (Result, error) {
	return f(ctx, agentRef, opts)
}

// Call runs agentRef on e, bounding the call by timeout when it is positive.
func Call(ctx context.Context, e Executor, agentRef string, opts Options, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.Run(ctx, agentRef, opts)
}
