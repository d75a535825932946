package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/selfheal/internal/agent"
	"github.com/aristath/selfheal/internal/config"
	"github.com/aristath/selfheal/internal/logging"
	"github.com/aristath/selfheal/internal/persistence"
	"github.com/aristath/selfheal/internal/workflow"
)

func validateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow>",
		Short: "Check a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.LoadFile(args[0])
			if err != nil {
				return err
			}
			g, err := def.Build()
			if err != nil {
				return err
			}

			order, err := g.Validate()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d nodes\n", def.ID, g.Len())
			fmt.Fprintf(out, "order: %s\n", strings.Join(order, " -> "))

			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			registry, _, err := buildExecutor(cfg, agent.NewProcessManager(), logging.Discard())
			if err != nil {
				return err
			}
			if missing := missingAgents(registry, def.Agents()); len(missing) > 0 {
				return fmt.Errorf("no agent configured for %s", strings.Join(missing, ", "))
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
}

func historyCmd(root *rootOptions) *cobra.Command {
	var (
		workflowID string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past runs, or show one run's nodes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return errors.New("history needs a persistent store; set store.path in the config")
			}
			store, err := persistence.NewSQLiteStore(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRun(out, run)
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), workflowID, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			printRuns(out, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow", "", "Only show runs of this workflow")
	cmd.Flags().IntVar(&limit, "limit", 20, "Max runs to show (0 for all)")

	return cmd
}

func printRuns(out io.Writer, runs []persistence.RunRecord) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tSTARTED\tDURATION\tHEALING")
	for _, r := range runs {
		healing := "off"
		if r.SelfHealing {
			healing = "on"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\n",
			r.ID, r.WorkflowID, r.Status, humanize.Time(r.StartedAt), r.Duration.Round(time.Millisecond), healing)
	}
	tw.Flush()
}

func printRun(out io.Writer, r *persistence.RunRecord) {
	fmt.Fprintf(out, "Run %s of %s: %s\n", r.ID, r.WorkflowID, r.Status)
	fmt.Fprintf(out, "Started %s (%s), took %v\n",
		r.StartedAt.Format(time.RFC3339), humanize.Time(r.StartedAt), r.Duration.Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", r.Error)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tAGENT\tSTATUS\tRECOVERED BY\tERROR")
	for _, n := range r.Nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", n.NodeID, n.AgentRef, n.Status, n.Strategy, n.Error)
	}
	tw.Flush()
}

func configCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(configInitCmd(root))
	cmd.AddCommand(configShowCmd(root))
	return cmd
}

func configInitCmd(root *rootOptions) *cobra.Command {
	var (
		global bool
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.configPath
			if path == "" {
				path = config.ProjectPath()
			}
			if global {
				var err error
				if path, err = config.GlobalPath(); err != nil {
					return err
				}
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "Write the per-user config instead of the project config")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func configShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "max_concurrency\t%d\n", cfg.MaxConcurrency)
			fmt.Fprintf(tw, "halt_on_failure\t%v\n", cfg.HaltOnFailure)
			fmt.Fprintf(tw, "failure_policy\t%s\n", cfg.FailurePolicy)
			fmt.Fprintf(tw, "at_risk_threshold\t%v\n", cfg.AtRiskThreshold)
			fmt.Fprintf(tw, "retry\t%d attempts, unit %v\n", cfg.Retry.MaxAttempts, cfg.Retry.RetryUnit())
			fmt.Fprintf(tw, "breaker\tenabled=%v after %d failures, open %v\n",
				cfg.Breaker.Enabled, cfg.Breaker.ConsecutiveFailures, cfg.Breaker.OpenTimeout())
			fmt.Fprintf(tw, "store\t%s\n", storeDescription(cfg.Store.Path))
			fmt.Fprintf(tw, "agents\t%d\n", len(cfg.Agents))
			return tw.Flush()
		},
	}
}

func storeDescription(path string) string {
	if path == "" {
		return "in memory"
	}
	return path
}
