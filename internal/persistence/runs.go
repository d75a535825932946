package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/selfheal/internal/scheduler"
)

// ErrRunNotFound is returned by GetRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is the stored summary of one workflow execution.
type RunRecord struct {
	ID          string
	WorkflowID  string
	Status      string
	SelfHealing bool
	StartedAt   time.Time
	Duration    time.Duration
	Error       string
	Nodes       []NodeRecord // Populated by GetRun only
}

// NodeRecord is the final state of one node in a run.
type NodeRecord struct {
	NodeID   string
	AgentRef string
	Status   string
	Strategy string // Recovery strategy that completed the node, if any
	Error    string
}

// NewRunRecord builds a RunRecord from a scheduler result and the final graph.
func NewRunRecord(res *scheduler.Result, g *scheduler.TaskGraph, selfHealing bool) RunRecord {
	rec := RunRecord{
		ID:          res.RunID,
		WorkflowID:  res.WorkflowID,
		Status:      string(res.Status),
		SelfHealing: selfHealing,
		StartedAt:   res.StartedAt,
		Duration:    res.Duration,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}

	recovered := make(map[string]string)
	for _, r := range res.Recoveries {
		if r.Succeeded {
			recovered[r.NodeID] = r.Strategy
		}
	}
	for _, n := range g.Nodes() {
		nr := NodeRecord{
			NodeID:   n.ID,
			AgentRef: n.AgentRef,
			Status:   n.Status.String(),
			Strategy: recovered[n.ID],
		}
		if n.Error != nil {
			nr.Error = n.Error.Error()
		}
		rec.Nodes = append(rec.Nodes, nr)
	}
	return rec
}

// SaveRun stores a run and its node records.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, status, self_healing, started_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			duration_ms = excluded.duration_ms,
			error = excluded.error
	`, run.ID, run.WorkflowID, run.Status, run.SelfHealing, run.StartedAt.UTC(), run.Duration.Milliseconds(), run.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_nodes WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to delete old node records: %w", err)
	}
	for _, n := range run.Nodes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_nodes (run_id, node_id, agent_ref, status, strategy, error)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.ID, n.NodeID, n.AgentRef, n.Status, n.Strategy, n.Error)
		if err != nil {
			return fmt.Errorf("failed to insert node record %s: %w", n.NodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun retrieves a run including its node records.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, self_healing, started_at, duration_ms, error
		FROM runs WHERE id = ?
	`, runID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, agent_ref, status, strategy, error
		FROM run_nodes WHERE run_id = ?
		ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query node records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n NodeRecord
		var strategy, errStr sql.NullString
		if err := rows.Scan(&n.NodeID, &n.AgentRef, &n.Status, &strategy, &errStr); err != nil {
			return nil, fmt.Errorf("failed to scan node record: %w", err)
		}
		n.Strategy = strategy.String
		n.Error = errStr.String
		run.Nodes = append(run.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node records: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. An empty workflowID lists all
// workflows; limit <= 0 means no limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, workflowID string, limit int) ([]RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, status, self_healing, started_at, duration_ms, error
		FROM runs
		WHERE ? = '' OR workflow_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, workflowID, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		run        RunRecord
		durationMs int64
		errStr     sql.NullString
	)
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.Status, &run.SelfHealing, &run.StartedAt, &durationMs, &errStr); err != nil {
		return nil, err
	}
	run.Duration = time.Duration(durationMs) * time.Millisecond
	run.Error = errStr.String
	return &run, nil
}
