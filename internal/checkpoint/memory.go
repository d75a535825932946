// Package checkpoint provides an in-process scheduler.CheckpointStore.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/selfheal/internal/scheduler"
)

// MemoryStore keeps checkpoints in memory, per workflow, in save order.
type MemoryStore struct {
	locks *scheduler.KeyedMutex // Serialises writes per workflow
	mu    sync.RWMutex
	byWF  map[string][]scheduler.Checkpoint
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: scheduler.NewKeyedMutex(),
		byWF:  make(map[string][]scheduler.Checkpoint),
	}
}

// Save stores snap under a new ID.
func (s *MemoryStore) Save(ctx context.Context, snap scheduler.Snapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.locks.Lock(snap.WorkflowID)
	defer s.locks.Unlock(snap.WorkflowID)

	cp := scheduler.Checkpoint{
		ID:         uuid.NewString(),
		WorkflowID: snap.WorkflowID,
		Seq:        snap.Seq,
		CreatedAt:  time.Now(),
		Snapshot:   snap,
	}

	s.mu.Lock()
	s.byWF[snap.WorkflowID] = append(s.byWF[snap.WorkflowID], cp)
	s.mu.Unlock()
	return cp.ID, nil
}

// Latest returns the checkpoint with the highest sequence number, or nil.
func (s *MemoryStore) Latest(ctx context.Context, workflowID string) (*scheduler.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *scheduler.Checkpoint
	for i := range s.byWF[workflowID] {
		cp := s.byWF[workflowID][i]
		if latest == nil || cp.Seq >= latest.Seq {
			latest = &cp
		}
	}
	return latest, nil
}

// Restore returns the snapshot stored under checkpointID.
func (s *MemoryStore) Restore(ctx context.Context, workflowID, checkpointID string) (scheduler.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return scheduler.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cp := range s.byWF[workflowID] {
		if cp.ID == checkpointID {
			return cp.Snapshot, nil
		}
	}
	return scheduler.Snapshot{}, fmt.Errorf("checkpoint %s for workflow %q: %w", checkpointID, workflowID, ErrNotFound)
}

// List returns a workflow's checkpoints in save order.
func (s *MemoryStore) List(workflowID string) []scheduler.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]scheduler.Checkpoint(nil), s.byWF[workflowID]...)
}
