package persistence

import (
	"context"
	"fmt"
	"slices"
)

// Record appends an outcome for agentRef and prunes rows beyond the stats limit.
func (s *SQLiteStore) Record(ctx context.Context, agentRef string, success bool) error {
	s.statsLocks.Lock(agentRef)
	defer s.statsLocks.Unlock(agentRef)

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_stats (agent_ref, success) VALUES (?, ?)
	`, agentRef, success); err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_stats
		WHERE agent_ref = ? AND id NOT IN (
			SELECT id FROM agent_stats WHERE agent_ref = ? ORDER BY id DESC LIMIT ?
		)
	`, agentRef, agentRef, s.statsLimit)
	if err != nil {
		return fmt.Errorf("failed to prune outcomes: %w", err)
	}
	return nil
}

// Window returns up to n most recent outcomes for agentRef, oldest first.
// n <= 0 returns everything retained.
func (s *SQLiteStore) Window(ctx context.Context, agentRef string, n int) ([]bool, error) {
	if n <= 0 {
		n = s.statsLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT success FROM agent_stats
		WHERE agent_ref = ?
		ORDER BY id DESC
		LIMIT ?
	`, agentRef, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var window []bool
	for rows.Next() {
		var ok bool
		if err := rows.Scan(&ok); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		window = append(window, ok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}

	slices.Reverse(window)
	return window, nil
}
