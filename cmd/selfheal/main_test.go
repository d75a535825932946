package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/selfheal/internal/agent"
	"github.com/aristath/selfheal/internal/logging"
)

// TestProcessManagerKillAllOnShutdown verifies that ProcessManager.KillAll()
// correctly terminates tracked processes during simulated shutdown.
func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := agent.NewProcessManager()

	cmd := exec.CommandContext(context.Background(), "sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Process group isolation
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start subprocess: %v", err)
	}
	pm.Track(cmd)

	if count := pm.Count(); count != 1 {
		t.Errorf("Expected 1 tracked process, got %d", count)
	}

	shutdown(pm, logging.Discard())

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected process to be killed (non-zero exit), got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after shutdown")
	}

	// Untracking is left to the executor that started the process
	pm.Untrack(cmd)
	if count := pm.Count(); count != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", count)
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels correctly when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}
}

type testEnv struct {
	dir        string
	configPath string
}

// newTestEnv isolates HOME and writes a project config with the given body.
func newTestEnv(t *testing.T, configBody string) testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configBody), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return testEnv{dir: dir, configPath: configPath}
}

func (e testEnv) writeWorkflow(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(e.dir, "workflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	return path
}

func (e testEnv) execute(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := root.Execute()
	return out.String(), err
}

const pipelineWorkflow = `
id: pipeline
nodes:
  - id: fetch
    agent: fetcher
  - id: parse
    agent: parser
    depends_on: [fetch]
`

// TestRunRecoversFlakyAgent runs a workflow whose first agent fails once
func TestRunRecoversFlakyAgent(t *testing.T) {
	dir := t.TempDir()
	mark := filepath.Join(dir, "mark")

	env := newTestEnv(t, `
retry:
  unit_ms: 1
store:
  path: `+filepath.Join(dir, "selfheal.db")+`
agents:
  fetcher:
    command: sh
    args: ["-c", "if [ -f \"$MARK\" ]; then echo '{\"items\": 3}'; else touch \"$MARK\"; exit 1; fi"]
    env: ["MARK=`+mark+`"]
  parser:
    command: sh
    args: ["-c", "cat"]
    capabilities: [parse]
`)
	wf := env.writeWorkflow(t, pipelineWorkflow)

	out, err := env.execute("run", wf)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{"succeeded", "recovered fetch with"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = env.execute("history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "pipeline") || !strings.Contains(out, "succeeded") {
		t.Errorf("history output:\n%s", out)
	}
}

func TestRunFatalExitIsPartial(t *testing.T) {
	env := newTestEnv(t, `
agents:
  fetcher:
    command: sh
    args: ["-c", "echo bad input >&2; exit 2"]
    fatal_exit_codes: [2]
  parser:
    command: "true"
`)
	wf := env.writeWorkflow(t, pipelineWorkflow)

	out, err := env.execute("run", wf)
	if err == nil {
		t.Fatal("expected error for partial run")
	}
	if !strings.Contains(out, "partial") || !strings.Contains(out, "bad input") {
		t.Errorf("output:\n%s", out)
	}
	if strings.Contains(out, "recovered") {
		t.Errorf("fatal exit should not be recovered:\n%s", out)
	}
}

func TestRunRejectsUnconfiguredAgents(t *testing.T) {
	env := newTestEnv(t, "max_concurrency: 4\n")
	wf := env.writeWorkflow(t, pipelineWorkflow)

	_, err := env.execute("run", wf)
	if err == nil || !strings.Contains(err.Error(), "fetcher, parser") {
		t.Errorf("expected missing agents error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	env := newTestEnv(t, `
agents:
  fetcher:
    command: "true"
  parser:
    command: "true"
`)

	tests := []struct {
		name     string
		workflow string
		wantErr  string
		wantOut  string
	}{
		{
			name:     "valid",
			workflow: pipelineWorkflow,
			wantOut:  "order: fetch -> parse",
		},
		{
			name: "cycle",
			workflow: `
id: loop
nodes:
  - {id: a, agent: fetcher, depends_on: [b]}
  - {id: b, agent: fetcher, depends_on: [a]}
`,
			wantErr: "cycle",
		},
		{
			name: "unknown agent",
			workflow: `
id: other
nodes:
  - {id: a, agent: mailer}
`,
			wantErr: "mailer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := env.writeWorkflow(t, tt.workflow)
			out, err := env.execute("validate", wf)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("output missing %q:\n%s", tt.wantOut, out)
			}
		})
	}
}

func TestHistoryNeedsStore(t *testing.T) {
	env := newTestEnv(t, "max_concurrency: 4\n")
	if _, err := env.execute("history"); err == nil {
		t.Error("expected error without store.path")
	}
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "project", "config.json")

	run := func(args ...string) error {
		root := newRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetArgs(append([]string{"--config", path, "config", "init"}, args...))
		return root.Execute()
	}

	if err := run(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if err := run(); err == nil {
		t.Error("expected error when the file exists")
	}
	if err := run("--force"); err != nil {
		t.Errorf("config init --force: %v", err)
	}
}
