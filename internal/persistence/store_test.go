package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/aristath/selfheal/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	if err := a.Record(ctx, "agent", true); err != nil {
		t.Fatalf("Record: %v", err)
	}
	window, err := b.Window(ctx, "agent", 0)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(window) != 0 {
		t.Errorf("second store sees %d outcomes from the first", len(window))
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	ec := scheduler.NewExecutionContext("wf-1")
	ec.SetOutput("fetch", "payload")
	ec.SetCurrentStep("fetch")
	ec.SeedStats("http", []bool{true, false})

	ref, err := ec.Checkpoint(ctx, store)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	snap, err := store.Restore(ctx, "wf-1", ref.ID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if snap.WorkflowID != "wf-1" || snap.Seq != 1 || snap.CurrentStep != "fetch" {
		t.Errorf("restored header = %s/%d/%s", snap.WorkflowID, snap.Seq, snap.CurrentStep)
	}
	if snap.Outputs["fetch"] != "payload" {
		t.Errorf("restored outputs = %v", snap.Outputs)
	}
	if diff := cmp.Diff([]bool{true, false}, snap.Stats["http"]); diff != "" {
		t.Errorf("restored stats (-want +got):\n%s", diff)
	}
}

func TestCheckpointLatest(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	cp, err := store.Latest(ctx, "wf")
	if err != nil || cp != nil {
		t.Fatalf("Latest on empty store = %v, %v; want nil, nil", cp, err)
	}

	ec := scheduler.NewExecutionContext("wf")
	var last scheduler.CheckpointRef
	for i := 0; i < 3; i++ {
		if last, err = ec.Checkpoint(ctx, store); err != nil {
			t.Fatalf("Checkpoint: %v", err)
		}
	}

	cp, err = store.Latest(ctx, "wf")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if cp.ID != last.ID || cp.Seq != 3 {
		t.Errorf("Latest = %s/%d, want %s/3", cp.ID, cp.Seq, last.ID)
	}
	if cp.Snapshot.LatestCheckpoint == "" {
		t.Error("snapshot does not reference the previous checkpoint")
	}
}

func TestRestoreNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.Restore(context.Background(), "wf", "missing")
	if !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("expected ErrCheckpointNotFound, got %v", err)
	}
}

func TestStatsWindow(t *testing.T) {
	store := testStore(t)
	store.SetStatsLimit(4)
	ctx := context.Background()

	for _, ok := range []bool{false, false, true, true, false, true} {
		if err := store.Record(ctx, "agent", ok); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	tests := []struct {
		n    int
		want []bool
	}{
		{0, []bool{true, true, false, true}},
		{2, []bool{false, true}},
		{10, []bool{true, true, false, true}},
	}
	for _, tt := range tests {
		got, err := store.Window(ctx, "agent", tt.n)
		if err != nil {
			t.Fatalf("Window(%d): %v", tt.n, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Window(%d) (-want +got):\n%s", tt.n, diff)
		}
	}
}

func TestSaveAndGetRun(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	run := RunRecord{
		ID:          "run-1",
		WorkflowID:  "wf",
		Status:      "partial",
		SelfHealing: true,
		StartedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:    1500 * time.Millisecond,
		Error:       "node \"b\" failed",
		Nodes: []NodeRecord{
			{NodeID: "a", AgentRef: "x", Status: "completed", Strategy: "exponential_backoff_retry"},
			{NodeID: "b", AgentRef: "y", Status: "failed", Error: "boom"},
		},
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, run.StartedAt)
	}
	got.StartedAt = run.StartedAt
	if diff := cmp.Diff(run, *got); diff != "" {
		t.Errorf("run (-want +got):\n%s", diff)
	}

	// Saving again replaces node records
	run.Status = "succeeded"
	run.Nodes = run.Nodes[:1]
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun again: %v", err)
	}
	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != "succeeded" || len(got.Nodes) != 1 {
		t.Errorf("after update: status %s, %d nodes", got.Status, len(got.Nodes))
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := testStore(t)
	if _, err := store.GetRun(context.Background(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, wf := range []string{"alpha", "beta", "alpha"} {
		err := store.SaveRun(ctx, RunRecord{
			ID:         string(rune('a' + i)),
			WorkflowID: wf,
			Status:     "succeeded",
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	ids := func(runs []RunRecord) []string {
		var out []string
		for _, r := range runs {
			out = append(out, r.ID)
		}
		return out
	}

	all, err := store.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if diff := cmp.Diff([]string{"c", "b", "a"}, ids(all)); diff != "" {
		t.Errorf("all runs (-want +got):\n%s", diff)
	}

	alpha, err := store.ListRuns(ctx, "alpha", 1)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if diff := cmp.Diff([]string{"c"}, ids(alpha)); diff != "" {
		t.Errorf("alpha runs (-want +got):\n%s", diff)
	}
}

func TestNewRunRecord(t *testing.T) {
	g := scheduler.NewTaskGraph()
	for _, n := range []*scheduler.TaskNode{{ID: "a", AgentRef: "x"}, {ID: "b", AgentRef: "y"}} {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	res := &scheduler.Result{
		RunID:      "run-1",
		WorkflowID: "wf",
		Status:     scheduler.StatusSucceeded,
		Recoveries: []scheduler.RecoveryRecord{{NodeID: "b", Strategy: "alternate_path_routing", Succeeded: true}},
	}

	rec := NewRunRecord(res, g, true)
	want := []NodeRecord{
		{NodeID: "a", AgentRef: "x", Status: "pending"},
		{NodeID: "b", AgentRef: "y", Status: "pending", Strategy: "alternate_path_routing"},
	}
	if diff := cmp.Diff(want, rec.Nodes); diff != "" {
		t.Errorf("nodes (-want +got):\n%s", diff)
	}
	if rec.Status != "succeeded" || !rec.SelfHealing {
		t.Errorf("record = %+v", rec)
	}
}
