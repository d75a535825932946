// Package recovery heals failed nodes by walking an ordered chain of strategies
// until one of them produces a result.
package recovery

import (
	"context"
	"errors"

	"github.com/aristath/selfheal/internal/agent"
	"github.com/aristath/selfheal/internal/scheduler"
)

// Strategy names, in default chain order.
const (
	NameBackoffRetry        = "exponential_backoff_retry"
	NameCheckpointRollback  = "checkpoint_rollback"
	NameAlternatePath       = "alternate_path_routing"
	NameGracefulDegradation = "graceful_degradation"
)

// ErrNotApplicable is returned by a strategy that cannot act on a node, for
// example rollback without a checkpoint or rerouting without a fallback.
var ErrNotApplicable = errors.New("strategy not applicable")

// Attempt carries everything a strategy needs to retry a node. Context is an
// isolated working copy; it is merged into the execution only on success.
type Attempt struct {
	WorkflowID string
	Node       scheduler.TaskNode
	Context    *scheduler.ExecutionContext
	Inputs     map[string]any
	Err        error // The failure being recovered from
}

// Strategy is one way of recovering a failed node. Weight is informational and
// lies in [0,1]; ordering is decided by the Orchestrator.
type Strategy interface {
	Name() string
	Weight() float64
	Attempt(ctx context.Context, a Attempt) (agent.Result, error)
}

// invoke runs one executor call for a strategy and records its outcome on the
// working copy.
func invoke(ctx context.Context, exec agent.Executor, a Attempt, agentRef string, opts agent.Options) (agent.Result, error) {
	opts.WorkflowID = a.WorkflowID
	opts.NodeID = a.Node.ID
	if opts.Inputs == nil {
		opts.Inputs = a.Inputs
	}
	res, err := agent.Call(ctx, exec, agentRef, opts, a.Node.Timeout)
	_ = a.Context.RecordOutcome(ctx, agentRef, err == nil) // Clones never write through
	return res, err
}
