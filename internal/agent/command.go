package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
)

// CommandSpec describes an agent implemented as an external program. The
// program receives a JSON Request on stdin and writes its output to stdout.
type CommandSpec struct {
	Command        string
	Args           []string
	Dir            string
	Env            []string // Appended to the parent environment
	FatalExitCodes []int    // Exit codes that mark the failure as not worth retrying
}

// Request is the JSON document written to a command agent's stdin.
type Request struct {
	WorkflowID string         `json:"workflow_id"`
	NodeID     string         `json:"node_id"`
	Attempt    int            `json:"attempt"`
	Route      string         `json:"route,omitempty"`
	Degraded   bool           `json:"degraded,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

// ExitError reports a command agent that exited unsuccessfully.
type ExitError struct {
	Code   int
	Stderr string
	Fatal  bool
	Err    error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command failed: %v (stderr: %s)", e.Err, e.Stderr)
	}
	return fmt.Sprintf("command failed: %v", e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// IsFatalExit reports whether err came from a command exiting with one of its
// fatal exit codes.
func IsFatalExit(err error) bool {
	var ee *ExitError
	return errors.As(err, &ee) && ee.Fatal
}

// CommandExecutor runs agents as subprocesses.
type CommandExecutor struct {
	mu      sync.RWMutex
	specs   map[string]CommandSpec
	procMgr *ProcessManager
}

// NewCommandExecutor creates an executor for the given specs keyed by agent
// ref. The ProcessManager is optional; if nil, subprocesses aren't tracked.
func NewCommandExecutor(specs map[string]CommandSpec, procMgr *ProcessManager) *CommandExecutor {
	c := &CommandExecutor{
		specs:   make(map[string]CommandSpec, len(specs)),
		procMgr: procMgr,
	}
	for ref, spec := range specs {
		c.specs[ref] = spec
	}
	return c
}

// Refs returns the agent refs this executor can run.
func (c *CommandExecutor) Refs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	refs := make([]string, 0, len(c.specs))
	for ref := range c.specs {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	return refs
}

// Run starts the command registered for agentRef and decodes its stdout. JSON
// output is returned decoded; anything else is returned as a trimmed string.
func (c *CommandExecutor) Run(ctx context.Context, agentRef string, opts Options) (Result, error) {
	c.mu.RLock()
	spec, ok := c.specs[agentRef]
	c.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoAgent, agentRef)
	}

	req, err := json.Marshal(Request{
		WorkflowID: opts.WorkflowID,
		NodeID:     opts.NodeID,
		Attempt:    opts.Attempt,
		Route:      opts.Route,
		Degraded:   opts.Degraded,
		Params:     opts.Params,
		Inputs:     opts.Inputs,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode request: %w", err)
	}

	cmd := newCommand(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdin = bytes.NewReader(req)

	stdout, stderr, err := executeCommand(cmd, c.procMgr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("agent %s: %w", agentRef, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			return Result{}, &ExitError{
				Code:   code,
				Stderr: strings.TrimSpace(string(stderr)),
				Fatal:  slices.Contains(spec.FatalExitCodes, code),
				Err:    err,
			}
		}
		return Result{}, err
	}

	return Result{Output: decodeOutput(stdout)}, nil
}

func decodeOutput(stdout []byte) any {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if json.Valid(trimmed) && json.Unmarshal(trimmed, &v) == nil {
		return v
	}
	return string(trimmed)
}

// newCommand creates an exec.Cmd in its own process group so the whole
// subprocess tree can be terminated.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// executeCommand runs cmd and returns its stdout and stderr. Both pipes are
// drained concurrently before cmd.Wait so large outputs can't deadlock.
func executeCommand(cmd *exec.Cmd, procMgr *ProcessManager) (stdout []byte, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	if procMgr != nil {
		procMgr.Track(cmd)
		defer procMgr.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), waitErr
}

// killProcessGroup sends SIGKILL to the command's whole process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running subprocesses so they can all be terminated on
// shutdown.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess once it has been waited for.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
