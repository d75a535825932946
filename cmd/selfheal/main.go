package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/selfheal/internal/config"
)

type rootOptions struct {
	configPath string // Project config override
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "selfheal",
		Short: "Run DAG workflows with failure-aware self-healing",
		Long: `Selfheal executes workflow definitions as dependency graphs of agent calls.
Nodes run concurrently as soon as their dependencies complete. Failed nodes
are recovered by retrying with backoff, rolling back to a checkpoint,
switching to a fallback agent or degrading gracefully.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Project config file (default .selfheal/config.json)")

	rootCmd.AddCommand(runCmd(opts))
	rootCmd.AddCommand(validateCmd(opts))
	rootCmd.AddCommand(historyCmd(opts))
	rootCmd.AddCommand(configCmd(opts))

	return rootCmd
}

// loadConfig merges the global config with the project config.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	projectPath := o.configPath
	if projectPath == "" {
		projectPath = config.ProjectPath()
	}
	return config.Load(globalPath, projectPath)
}
