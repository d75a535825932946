package recovery

import (
	"context"
	"fmt"
	"slices"

	"github.com/aristath/selfheal/internal/agent"
	"github.com/aristath/selfheal/internal/scheduler"
)

// CheckpointRollback restores the working copy from the latest checkpoint and
// re-drives the node once with inputs taken from the restored state.
type CheckpointRollback struct {
	exec  agent.Executor
	store scheduler.CheckpointStore
}

// NewCheckpointRollback creates the rollback strategy.
func NewCheckpointRollback(exec agent.Executor, store scheduler.CheckpointStore) *CheckpointRollback {
	return &CheckpointRollback{exec: exec, store: store}
}

func (c *CheckpointRollback) Name() string    { return NameCheckpointRollback }
func (c *CheckpointRollback) Weight() float64 { return 0.7 }

func (c *CheckpointRollback) Attempt(ctx context.Context, a Attempt) (agent.Result, error) {
	if c.store == nil {
		return agent.Result{}, fmt.Errorf("%w: no checkpoint store", ErrNotApplicable)
	}

	cp, err := c.store.Latest(ctx, a.WorkflowID)
	if err != nil {
		return agent.Result{}, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if cp == nil {
		return agent.Result{}, fmt.Errorf("%w: no checkpoint for workflow %q", ErrNotApplicable, a.WorkflowID)
	}
	cpID := cp.ID

	// Another run of the same workflow may have written the latest checkpoint;
	// only this execution's own checkpoints are restored.
	own := a.Context.Checkpoints()
	if !slices.ContainsFunc(own, func(ref scheduler.CheckpointRef) bool { return ref.ID == cpID }) {
		if len(own) == 0 {
			return agent.Result{}, fmt.Errorf("%w: no checkpoint taken by this execution", ErrNotApplicable)
		}
		cpID = own[len(own)-1].ID
	}

	snap, err := c.store.Restore(ctx, a.WorkflowID, cpID)
	if err != nil {
		return agent.Result{}, fmt.Errorf("restore checkpoint %s: %w", cpID, err)
	}
	a.Context.RestoreFrom(snap, cpID)

	// Dependencies that finished after the checkpoint keep their live output
	inputs := a.Context.Inputs(a.Node.DependsOn)
	for id, v := range a.Inputs {
		if _, ok := inputs[id]; !ok {
			inputs[id] = v
		}
	}

	return invoke(ctx, c.exec, a, a.Node.AgentRef, agent.Options{
		Attempt: 1,
		Params:  a.Node.Params,
		Inputs:  inputs,
	})
}
