package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		snapshot BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow_seq ON checkpoints(workflow_id, seq);

	CREATE TABLE IF NOT EXISTS agent_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_ref TEXT NOT NULL,
		success INTEGER NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_agent_stats_ref ON agent_stats(agent_ref, id);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		status TEXT NOT NULL,
		self_healing INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_workflow_started ON runs(workflow_id, started_at);

	CREATE TABLE IF NOT EXISTS run_nodes (
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		agent_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		strategy TEXT,
		error TEXT,
		PRIMARY KEY (run_id, node_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
