package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/selfheal/internal/agent"
	"github.com/aristath/selfheal/internal/events"
	"github.com/aristath/selfheal/internal/logging"
	"github.com/aristath/selfheal/internal/orchestrator"
	"github.com/aristath/selfheal/internal/scheduler"
	"github.com/aristath/selfheal/internal/tui"
	"github.com/aristath/selfheal/internal/workflow"
)

type runOptions struct {
	noHeal      bool
	useTUI      bool
	halt        bool
	concurrency int
}

type runFunc func(ctx context.Context, def *workflow.Definition, cfg orchestrator.RunConfig) (*scheduler.Result, error)

func runCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, root, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.noHeal, "no-heal", false, "Disable prediction, checkpoints and recovery")
	cmd.Flags().BoolVar(&opts.useTUI, "tui", false, "Show live progress in a terminal UI")
	cmd.Flags().BoolVar(&opts.halt, "halt", false, "Stop the run on the first unrecovered failure")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Max concurrently running nodes (default from config)")

	return cmd
}

func runWorkflow(cmd *cobra.Command, root *rootOptions, opts *runOptions, path string) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	def, err := workflow.LoadFile(path)
	if err != nil {
		return err
	}

	rc, err := orchestrator.RunConfigFrom(cfg)
	if err != nil {
		return err
	}
	if opts.halt {
		rc.HaltOnFailure = true
	}
	if opts.concurrency > 0 {
		rc.MaxConcurrency = opts.concurrency
	}

	logger, closeLog, err := logging.New(cfg.Log.Dir, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer closeLog()
	if opts.useTUI && cfg.Log.Dir == "" {
		// stderr would draw over the TUI
		logger = logging.Discard()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pm := agent.NewProcessManager()
	registry, exec, err := buildExecutor(cfg, pm, logger)
	if err != nil {
		return err
	}
	if missing := missingAgents(registry, def.Agents()); len(missing) > 0 {
		return fmt.Errorf("no agent configured for %s", strings.Join(missing, ", "))
	}

	bus := events.NewEventBus()
	defer bus.Close()

	engine := orchestrator.NewEngine(exec,
		orchestrator.WithStore(store),
		orchestrator.WithEventBus(bus),
		orchestrator.WithLogger(logger),
	)
	execute := runFunc(engine.ExecuteWithSelfHealing)
	if opts.noHeal {
		execute = engine.ExecuteAsync
	}

	var res *scheduler.Result
	if opts.useTUI {
		res, err = runWithTUI(ctx, stop, pm, bus, def.ID, logger, func(ctx context.Context) (*scheduler.Result, error) {
			return execute(ctx, def, rc)
		})
	} else {
		res, err = execute(ctx, def, rc)
		if ctx.Err() != nil {
			shutdown(pm, logger)
		}
	}

	if res != nil {
		printResult(cmd.OutOrStdout(), res)
	}
	if err != nil {
		return err
	}
	if res.Status != scheduler.StatusSucceeded {
		return fmt.Errorf("workflow %s finished %s", def.ID, res.Status)
	}
	return nil
}

// shutdown kills every subprocess still tracked after a signal.
func shutdown(pm *agent.ProcessManager, logger *slog.Logger) {
	logger.Info("shutdown signal received, cleaning up")
	if err := pm.KillAll(); err != nil {
		logger.Error("failed to kill subprocesses", "error", err)
	}
}

type runOutcome struct {
	res *scheduler.Result
	err error
}

// runWithTUI runs the workflow while the TUI renders its events. Quitting the
// TUI cancels the run; a signal cancels both.
func runWithTUI(ctx context.Context, stop context.CancelFunc, pm *agent.ProcessManager, bus *events.EventBus, workflowID string, logger *slog.Logger, run func(context.Context) (*scheduler.Result, error)) (*scheduler.Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(tui.New(bus, workflowID), tea.WithAltScreen())

	done := make(chan runOutcome, 1)
	go func() {
		res, err := run(runCtx)
		p.Send(tui.DoneMsg{Result: res, Err: err})
		done <- runOutcome{res, err}
	}()

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		// User quit; stop whatever is still running
		cancel()
		if err != nil {
			logger.Error("TUI exited with error", "error", err)
		}
	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C force-exits
		stop()
		shutdown(pm, logger)
		p.Quit()

		select {
		case err := <-errChan:
			if err != nil {
				logger.Error("TUI exit error", "error", err)
			}
		case <-time.After(10 * time.Second):
			logger.Warn("shutdown timeout exceeded, forcing exit")
		}
	}

	out := <-done
	return out.res, out.err
}

func printResult(w io.Writer, res *scheduler.Result) {
	fmt.Fprintf(w, "Run %s (%s): %s in %v\n", res.RunID, res.WorkflowID, res.Status, res.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  completed: %d  failed: %d  skipped: %d\n", len(res.Completed), len(res.Failed), len(res.Skipped))
	if len(res.NotStarted) > 0 {
		fmt.Fprintf(w, "  not started: %s\n", strings.Join(res.NotStarted, ", "))
	}
	for _, rec := range res.Recoveries {
		if rec.Succeeded {
			fmt.Fprintf(w, "  recovered %s with %s\n", rec.NodeID, rec.Strategy)
		} else {
			fmt.Fprintf(w, "  could not recover %s after %d attempts\n", rec.NodeID, len(rec.Attempts))
		}
	}
	for _, id := range res.Failed {
		if err := res.NodeErrors[id]; err != nil {
			fmt.Fprintf(w, "  %s: %v\n", id, err)
		}
	}
}
