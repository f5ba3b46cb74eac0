package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const cursorKey = "remote_cursor"

// LoadCursor returns the stored remote cursor token, or "" before the first
// successful pull.
func (s *Store) LoadCursor(ctx context.Context) (string, error) {
	var token string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, cursorKey).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return token, nil
}

// SaveCursor stores token if seq is ahead of the stored cursor and reports
// whether it advanced. The cursor never moves backwards; only Reset clears it.
func (s *Store) SaveCursor(ctx context.Context, token string, seq int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO sync_state (key, value, seq, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		seq = excluded.seq,
		updated_at = excluded.updated_at
	WHERE excluded.seq > sync_state.seq
	`
	res, err := s.conn.ExecContext(ctx, query, cursorKey, token, seq, formatTime(s.now()))
	if err != nil {
		return false, fmt.Errorf("failed to save cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to save cursor: %w", err)
	}
	return n > 0, nil
}
