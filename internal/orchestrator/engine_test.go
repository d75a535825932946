package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/aristath/selfheal/internal/agent"
	"github.com/aristath/selfheal/internal/config"
	"github.com/aristath/selfheal/internal/events"
	"github.com/aristath/selfheal/internal/logging"
	"github.com/aristath/selfheal/internal/persistence"
	"github.com/aristath/selfheal/internal/recovery"
	"github.com/aristath/selfheal/internal/scheduler"
	"github.com/aristath/selfheal/internal/workflow"
)

// mockExecutor fails the first failFirst[nodeID] calls of a node and counts
// every call.
type mockExecutor struct {
	mu        sync.Mutex
	calls     map[string]int
	failFirst map[string]int
	err       error
}

func newMockExecutor(failFirst map[string]int) *mockExecutor {
	return &mockExecutor{calls: make(map[string]int), failFirst: failFirst, err: errors.New("transient")}
}

func (m *mockExecutor) Run(ctx context.Context, agentRef string, opts agent.Options) (agent.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[opts.NodeID]++
	if m.calls[opts.NodeID] <= m.failFirst[opts.NodeID] {
		return agent.Result{}, m.err
	}
	return agent.Result{Output: opts.NodeID + "-done"}, nil
}

func (m *mockExecutor) count(nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[nodeID]
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func testStore(t *testing.T) *persistence.SQLiteStore {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func chainDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID: "pipeline",
		Nodes: []workflow.NodeSpec{
			{ID: "fetch", Agent: "http"},
			{ID: "parse", Agent: "parser", DependsOn: []string{"fetch"}},
			{ID: "audit", Agent: "auditor"},
		},
	}
}

func drain(ch <-chan events.Event) []string {
	var types []string
	for {
		select {
		case e := <-ch:
			types = append(types, e.EventType())
		default:
			return types
		}
	}
}

// TestExecuteAsyncNoRecovery verifies a plain run leaves failures to the failure policy
func TestExecuteAsyncNoRecovery(t *testing.T) {
	exec := newMockExecutor(map[string]int{"fetch": 1})
	store := testStore(t)
	engine := NewEngine(exec, WithStore(store), WithLogger(logging.Discard()))

	res, err := engine.ExecuteAsync(context.Background(), chainDefinition(), DefaultRunConfig())
	if err != nil {
		t.Fatalf("partial runs return no error, got %v", err)
	}
	if res.Status != scheduler.StatusPartial {
		t.Errorf("status = %s, want partial", res.Status)
	}
	if diff := cmp.Diff([]string{"fetch"}, res.Failed); diff != "" {
		t.Errorf("failed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"parse"}, res.Skipped); diff != "" {
		t.Errorf("skipped (-want +got):\n%s", diff)
	}
	if exec.count("fetch") != 1 {
		t.Errorf("fetch ran %d times, want 1", exec.count("fetch"))
	}

	rec, err := store.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.SelfHealing || rec.Status != "partial" || rec.WorkflowID != "pipeline" {
		t.Errorf("run record = %+v", rec)
	}
	statuses := map[string]string{}
	for _, n := range rec.Nodes {
		statuses[n.NodeID] = n.Status
	}
	want := map[string]string{"fetch": "failed", "parse": "skipped", "audit": "completed"}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("node statuses (-want +got):\n%s", diff)
	}
}

// TestExecuteWithSelfHealing verifies a transient failure is retried and the run succeeds
func TestExecuteWithSelfHealing(t *testing.T) {
	exec := newMockExecutor(map[string]int{"fetch": 1})
	store := testStore(t)
	bus := events.NewEventBus()
	defer bus.Close()
	all := bus.SubscribeAll(1024)

	engine := NewEngine(exec,
		WithStore(store),
		WithEventBus(bus),
		WithSleeper(noSleep),
		WithLogger(logging.Discard()),
	)

	res, err := engine.ExecuteWithSelfHealing(context.Background(), chainDefinition(), DefaultRunConfig())
	if err != nil {
		t.Fatalf("ExecuteWithSelfHealing: %v", err)
	}
	if res.Status != scheduler.StatusSucceeded {
		t.Fatalf("status = %s, errors %v", res.Status, res.NodeErrors)
	}
	if len(res.Recoveries) != 1 || res.Recoveries[0].Strategy != recovery.NameBackoffRetry {
		t.Errorf("recoveries = %+v", res.Recoveries)
	}

	types := drain(all)
	counts := map[string]int{}
	for _, typ := range types {
		counts[typ]++
	}
	if counts[events.EventTypeRecoverySucceeded] != 1 || counts[events.EventTypeTaskCompleted] != 3 {
		t.Errorf("event counts = %v", counts)
	}

	rec, err := store.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !rec.SelfHealing {
		t.Error("run record should be marked self-healing")
	}
	for _, n := range rec.Nodes {
		if n.NodeID == "fetch" && n.Strategy != recovery.NameBackoffRetry {
			t.Errorf("fetch strategy = %q", n.Strategy)
		}
	}

	// Outcomes reach the shared stats store
	window, err := store.Window(context.Background(), "http", 0)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if diff := cmp.Diff([]bool{false, true}, window); diff != "" {
		t.Errorf("http window (-want +got):\n%s", diff)
	}
}

// TestFatalExitSkipsRecovery verifies a command's fatal exit code bypasses the strategies
func TestFatalExitSkipsRecovery(t *testing.T) {
	exec := newMockExecutor(map[string]int{"fetch": 10})
	exec.err = &agent.ExitError{Code: 2, Fatal: true, Err: errors.New("exit status 2")}

	engine := NewEngine(exec, WithSleeper(noSleep), WithLogger(logging.Discard()))
	res, err := engine.ExecuteWithSelfHealing(context.Background(), chainDefinition(), DefaultRunConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.count("fetch") != 1 {
		t.Errorf("fetch ran %d times, want 1", exec.count("fetch"))
	}
	if len(res.Recoveries) != 0 {
		t.Errorf("recoveries = %+v, want none", res.Recoveries)
	}
	if !agent.IsFatalExit(res.NodeErrors["fetch"]) {
		t.Errorf("node error = %v", res.NodeErrors["fetch"])
	}
}

// TestHaltOnFailureReturnsError verifies a halted run reports StatusFailed with an error
func TestHaltOnFailureReturnsError(t *testing.T) {
	exec := newMockExecutor(map[string]int{"fetch": 1})
	cfg := DefaultRunConfig()
	cfg.HaltOnFailure = true
	cfg.MaxConcurrency = 1

	engine := NewEngine(exec, WithLogger(logging.Discard()))
	res, err := engine.ExecuteAsync(context.Background(), chainDefinition(), cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if res == nil || res.Status != scheduler.StatusFailed {
		t.Fatalf("result = %+v", res)
	}
}

func TestInvalidDefinition(t *testing.T) {
	def := &workflow.Definition{
		ID: "bad",
		Nodes: []workflow.NodeSpec{
			{ID: "a", Agent: "x", DependsOn: []string{"b"}},
			{ID: "b", Agent: "x", DependsOn: []string{"a"}},
		},
	}
	engine := NewEngine(newMockExecutor(nil), WithLogger(logging.Discard()))

	res, err := engine.ExecuteWithSelfHealing(context.Background(), def, DefaultRunConfig())
	var cyc *scheduler.DependencyCycleError
	if !errors.As(err, &cyc) {
		t.Errorf("expected DependencyCycleError, got %v", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
}

func TestRunConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.FailurePolicy = "block"
	cfg.PredictorTimeoutMs = 100
	cfg.Retry.UnitMs = 10

	rc, err := RunConfigFrom(cfg)
	if err != nil {
		t.Fatalf("RunConfigFrom: %v", err)
	}
	want := RunConfig{
		MaxConcurrency:   16,
		PredictorTimeout: 100 * time.Millisecond,
		AtRiskThreshold:  0.7,
		FailurePolicy:    scheduler.BlockDownstream,
		StatsWindow:      50,
		Retry:            recovery.RetryConfig{Unit: 10 * time.Millisecond, MaxAttempts: 5},
	}
	if diff := cmp.Diff(want, rc); diff != "" {
		t.Errorf("RunConfig (-want +got):\n%s", diff)
	}

	cfg.FailurePolicy = "explode"
	if _, err := RunConfigFrom(cfg); err == nil {
		t.Error("expected error for unknown failure policy")
	}
}
