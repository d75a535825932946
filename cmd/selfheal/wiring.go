package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/aristath/selfheal/internal/agent"
	"github.com/aristath/selfheal/internal/config"
	"github.com/aristath/selfheal/internal/persistence"
)

// buildExecutor registers one command agent per configured agent, routed by
// name and capability, behind per-ref circuit breakers when enabled.
func buildExecutor(cfg *config.Config, pm *agent.ProcessManager, logger *slog.Logger) (*agent.Registry, agent.Executor, error) {
	specs := make(map[string]agent.CommandSpec, len(cfg.Agents))
	for name, ac := range cfg.Agents {
		specs[name] = agent.CommandSpec{
			Command:        ac.Command,
			Args:           ac.Args,
			Dir:            ac.Dir,
			Env:            ac.Env,
			FatalExitCodes: ac.FatalExitCodes,
		}
	}
	commands := agent.NewCommandExecutor(specs, pm)

	registry := agent.NewRegistry()
	names := commands.Refs()
	for _, name := range names {
		// Capability refs reach the command under the agent's own name
		exec := agent.ExecutorFunc(func(ctx context.Context, _ string, opts agent.Options) (agent.Result, error) {
			return commands.Run(ctx, name, opts)
		})
		if err := registry.Register(name, cfg.Agents[name].Capabilities, exec); err != nil {
			return nil, nil, fmt.Errorf("registering agent %s: %w", name, err)
		}
	}

	if !cfg.Breaker.Enabled {
		return registry, registry, nil
	}
	settings := agent.DefaultBreakerSettings()
	if cfg.Breaker.ConsecutiveFailures > 0 {
		settings.ConsecutiveFailures = uint32(cfg.Breaker.ConsecutiveFailures)
	}
	if t := cfg.Breaker.OpenTimeout(); t > 0 {
		settings.OpenTimeout = t
	}
	return registry, agent.NewBreakerExecutor(registry, settings, logger), nil
}

// openStore opens the configured SQLite store, or an in-memory one when no
// path is set.
func openStore(ctx context.Context, cfg *config.Config) (*persistence.SQLiteStore, error) {
	var (
		store *persistence.SQLiteStore
		err   error
	)
	if cfg.Store.Path != "" {
		store, err = persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	} else {
		store, err = persistence.NewMemoryStore(ctx)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Stats.Window > 0 {
		store.SetStatsLimit(cfg.Stats.Window)
	}
	return store, nil
}

// missingAgents returns the refs no registered agent can handle.
func missingAgents(registry *agent.Registry, refs []string) []string {
	var missing []string
	for _, ref := range refs {
		if !registry.CanHandle(ref) {
			missing = append(missing, ref)
		}
	}
	slices.Sort(missing)
	return missing
}
