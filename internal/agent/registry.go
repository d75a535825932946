package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrNoAgent is returned when no registered agent can handle an agent ref.
var ErrNoAgent = errors.New("no agent can handle agent ref")

type registration struct {
	name         string
	capabilities []string
	exec         Executor
}

// Registry routes an agent ref to the first registered agent whose name or
// capabilities match it. Registration order decides between candidates.
type Registry struct {
	mu     sync.RWMutex
	agents []registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an agent. Registering the same name twice is an error.
func (r *Registry) Register(name string, capabilities []string, exec Executor) error {
	if exec == nil {
		return fmt.Errorf("agent %q: executor is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.agents {
		if a.name == name {
			return fmt.Errorf("agent %q already registered", name)
		}
	}
	r.agents = append(r.agents, registration{
		name:         name,
		capabilities: slices.Clone(capabilities),
		exec:         exec,
	})
	return nil
}

// CanHandle reports whether some registered agent accepts agentRef.
func (r *Registry) CanHandle(agentRef string) bool {
	_, ok := r.lookup(agentRef)
	return ok
}

// Names returns registered agent names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for _, a := range r.agents {
		names = append(names, a.name)
	}
	return names
}

func (r *Registry) lookup(agentRef string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.agents {
		if a.name == agentRef || slices.Contains(a.capabilities, agentRef) {
			return a, true
		}
	}
	return registration{}, false
}

// Run dispatches to the matching agent.
func (r *Registry) Run(ctx context.Context, agentRef string, opts Options) (Result, error) {
	a, ok := r.lookup(agentRef)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrNoAgent, agentRef)
	}
	return a.exec.Run(ctx, agentRef, opts)
}
