package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/selfheal/internal/scheduler"
)

// ErrCheckpointNotFound is returned by Restore for an unknown checkpoint.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Save encodes snap with msgpack and stores it under a new ID.
func (s *SQLiteStore) Save(ctx context.Context, snap scheduler.Snapshot) (string, error) {
	blob, err := msgpack.Marshal(&snap)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	s.checkpointLocks.Lock(snap.WorkflowID)
	defer s.checkpointLocks.Unlock(snap.WorkflowID)

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, workflow_id, seq, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, snap.WorkflowID, snap.Seq, blob, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return id, nil
}

// Latest returns the workflow's checkpoint with the highest sequence number,
// or nil when it has none.
func (s *SQLiteStore) Latest(ctx context.Context, workflowID string) (*scheduler.Checkpoint, error) {
	var (
		cp        scheduler.Checkpoint
		blob      []byte
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, seq, snapshot, created_at
		FROM checkpoints
		WHERE workflow_id = ?
		ORDER BY seq DESC, created_at DESC
		LIMIT 1
	`, workflowID).Scan(&cp.ID, &cp.WorkflowID, &cp.Seq, &blob, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest checkpoint: %w", err)
	}

	if err := msgpack.Unmarshal(blob, &cp.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", cp.ID, err)
	}
	cp.CreatedAt = createdAt
	return &cp, nil
}

// Restore loads the snapshot stored under checkpointID.
func (s *SQLiteStore) Restore(ctx context.Context, workflowID, checkpointID string) (scheduler.Snapshot, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM checkpoints WHERE id = ? AND workflow_id = ?
	`, checkpointID, workflowID).Scan(&blob)
	if err == sql.ErrNoRows {
		return scheduler.Snapshot{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	if err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("failed to query checkpoint: %w", err)
	}

	var snap scheduler.Snapshot
	if err := msgpack.Unmarshal(blob, &snap); err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("failed to decode checkpoint %s: %w", checkpointID, err)
	}
	return snap, nil
}
