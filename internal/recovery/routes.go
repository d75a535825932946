package recovery

import (
	"context"
	"fmt"

	"github.com/aristath/selfheal/internal/agent"
	"github.com/aristath/selfheal/internal/scheduler"
)

// AlternatePath runs the node's fallback route instead of its own agent.
type AlternatePath struct {
	exec agent.Executor
}

// NewAlternatePath creates the rerouting strategy.
func NewAlternatePath(exec agent.Executor) *AlternatePath {
	return &AlternatePath{exec: exec}
}

func (p *AlternatePath) Name() string    { return NameAlternatePath }
func (p *AlternatePath) Weight() float64 { return 0.5 }

func (p *AlternatePath) Attempt(ctx context.Context, a Attempt) (agent.Result, error) {
	if a.Node.Fallback == nil {
		return agent.Result{}, fmt.Errorf("%w: node %q has no fallback route", ErrNotApplicable, a.Node.ID)
	}
	return runRoute(ctx, p.exec, a, a.Node.Fallback, "fallback", false)
}

// GracefulDegradation runs the node's reduced-feature variant. It is always
// the last strategy in the chain.
type GracefulDegradation struct {
	exec agent.Executor
}

// NewGracefulDegradation creates the degradation strategy.
func NewGracefulDegradation(exec agent.Executor) *GracefulDegradation {
	return &GracefulDegradation{exec: exec}
}

func (d *GracefulDegradation) Name() string    { return NameGracefulDegradation }
func (d *GracefulDegradation) Weight() float64 { return 0.3 }

func (d *GracefulDegradation) Attempt(ctx context.Context, a Attempt) (agent.Result, error) {
	if a.Node.Degraded == nil {
		return agent.Result{}, fmt.Errorf("%w: node %q has no degraded variant", ErrNotApplicable, a.Node.ID)
	}
	return runRoute(ctx, d.exec, a, a.Node.Degraded, "degraded", true)
}

func runRoute(ctx context.Context, exec agent.Executor, a Attempt, r *scheduler.Route, name string, degraded bool) (agent.Result, error) {
	ref := r.AgentRef
	if ref == "" {
		ref = a.Node.AgentRef
	}
	params := r.Params
	if params == nil {
		params = a.Node.Params
	}
	return invoke(ctx, exec, a, ref, agent.Options{
		Attempt:  1,
		Params:   params,
		Route:    name,
		Degraded: degraded,
	})
}
