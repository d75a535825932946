package scheduler

import (
	"context"
	"sync"
	"time"
)

// Checkpoint is a stored snapshot.
type Checkpoint struct {
	ID         string
	WorkflowID string
	Seq        int64
	CreatedAt  time.Time
	Snapshot   Snapshot
}

// CheckpointStore persists execution snapshots for rollback.
type CheckpointStore interface {
	// Save stores snap and returns its checkpoint ID.
	Save(ctx context.Context, snap Snapshot) (string, error)

	// Latest returns the checkpoint with the highest sequence number for the
	// workflow, or nil when none exists.
	Latest(ctx context.Context, workflowID string) (*Checkpoint, error)

	// Restore loads the snapshot stored under checkpointID.
	Restore(ctx context.Context, workflowID, checkpointID string) (Snapshot, error)
}

// StatsStore is a historical-stats store that may be shared between executions.
// Implementations serialise writes per agent ref.
type StatsStore interface {
	Record(ctx context.Context, agentRef string, success bool) error

	// Window returns up to n most recent outcomes for agentRef, oldest first.
	Window(ctx context.Context, agentRef string, n int) ([]bool, error)
}

// MemoryStatsStore is an in-process StatsStore.
type MemoryStatsStore struct {
	locks    *KeyedMutex
	mu       sync.RWMutex
	outcomes map[string][]bool
	limit    int
}

// NewMemoryStatsStore keeps at most limit outcomes per agent ref
// (DefaultStatsWindow when limit <= 0).
func NewMemoryStatsStore(limit int) *MemoryStatsStore {
	if limit <= 0 {
		limit = DefaultStatsWindow
	}
	return &MemoryStatsStore{
		locks:    NewKeyedMutex(),
		outcomes: make(map[string][]bool),
		limit:    limit,
	}
}

// Record appends an outcome. Writers for the same agent ref are serialised.
func (s *MemoryStatsStore) Record(ctx context.Context, agentRef string, success bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.locks.Lock(agentRef)
	defer s.locks.Unlock(agentRef)

	s.mu.RLock()
	window := append([]bool(nil), s.outcomes[agentRef]...)
	s.mu.RUnlock()

	window = append(window, success)
	if len(window) > s.limit {
		window = window[len(window)-s.limit:]
	}

	s.mu.Lock()
	s.outcomes[agentRef] = window
	s.mu.Unlock()
	return nil
}

// Window returns up to n most recent outcomes for agentRef.
func (s *MemoryStatsStore) Window(ctx context.Context, agentRef string, n int) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := s.outcomes[agentRef]
	if n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	return append([]bool(nil), window...), nil
}
