package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// ErrArtifactNotFound is returned when an artifact id is unknown.
var ErrArtifactNotFound = errors.New("artifact not found")

const artifactColumns = `id, record_id, local_path, suggested_name, remote_name, size_bytes, state, archived_at, last_error, created_at, updated_at`

// RegisterArtifact adds a scratch file to the archival ledger.
//
// If the path already has an unfinished row, that row is returned (with
// record_id filled in if it was missing) instead of creating a second one.
// An archived row for the same path does not block a new registration: the
// path may have been reused for a new recording.
func (s *Store) RegisterArtifact(ctx context.Context, a workout.ArchivedArtifact) (workout.ArchivedArtifact, error) {
	if a.LocalPath == "" {
		return a, fmt.Errorf("local_path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return a, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts
		WHERE local_path = ? AND state != 'archived'
		ORDER BY created_at DESC LIMIT 1`, a.LocalPath)
	existing, err := scanArtifact(row)
	switch {
	case err == nil:
		if existing.RecordID == "" && a.RecordID != "" {
			existing.RecordID = a.RecordID
			existing.UpdatedAt = s.now()
			if _, err := tx.ExecContext(ctx, `UPDATE artifacts SET record_id = ?, updated_at = ? WHERE id = ?`,
				a.RecordID, formatTime(existing.UpdatedAt), existing.ID); err != nil {
				return a, fmt.Errorf("failed to link artifact %s: %w", existing.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return a, fmt.Errorf("failed to commit artifact: %w", err)
		}
		return *existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return a, fmt.Errorf("failed to look up artifact: %w", err)
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.SuggestedName == "" {
		return a, fmt.Errorf("suggested_name is required")
	}
	now := s.now()
	a.State = workout.ArtifactPending
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `INSERT INTO artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		nullString(a.RecordID),
		a.LocalPath,
		a.SuggestedName,
		nullString(a.RemoteName),
		a.SizeBytes,
		string(a.State),
		timeToNullString(a.ArchivedAt),
		nullString(a.LastError),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		return a, fmt.Errorf("failed to insert artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return a, fmt.Errorf("failed to commit artifact: %w", err)
	}
	return a, nil
}

// ArtifactByPath returns the most recent ledger row for a scratch path, or
// nil if the path was never registered.
func (s *Store) ArtifactByPath(ctx context.Context, localPath string) (*workout.ArchivedArtifact, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts
		WHERE local_path = ? ORDER BY created_at DESC LIMIT 1`, localPath)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact for %s: %w", localPath, err)
	}
	return a, nil
}

// Artifact returns the ledger row with the given id.
func (s *Store) Artifact(ctx context.Context, id string) (*workout.ArchivedArtifact, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %s: %w", id, err)
	}
	return a, nil
}

// MarkArchiving records the remote name chosen for an artifact before the
// copy starts, so that a crash mid-copy can be resumed under the same name.
func (s *Store) MarkArchiving(ctx context.Context, id, remoteName string) error {
	return s.updateArtifact(ctx, id,
		`UPDATE artifacts SET state = 'archiving', remote_name = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		remoteName, formatTime(s.now()), id)
}

// MarkArchived records a verified archival. Only after this returns may the
// scratch file be deleted.
func (s *Store) MarkArchived(ctx context.Context, id, remoteName string, size int64, at time.Time) error {
	return s.updateArtifact(ctx, id,
		`UPDATE artifacts SET state = 'archived', remote_name = ?, size_bytes = ?, archived_at = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		remoteName, size, formatTime(at), formatTime(s.now()), id)
}

// MarkArtifactFailed records the last archival error. The row stays
// eligible for the next sweep.
func (s *Store) MarkArtifactFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.updateArtifact(ctx, id,
		`UPDATE artifacts SET state = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		msg, formatTime(s.now()), id)
}

func (s *Store) updateArtifact(ctx context.Context, id, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update artifact %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update artifact %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	return nil
}

// PendingArtifacts returns rows not yet archived, oldest first.
func (s *Store) PendingArtifacts(ctx context.Context) ([]workout.ArchivedArtifact, error) {
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE state != 'archived' ORDER BY created_at ASC`)
}

// Artifacts returns every ledger row, newest first.
func (s *Store) Artifacts(ctx context.Context) ([]workout.ArchivedArtifact, error) {
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts ORDER BY created_at DESC`)
}

func (s *Store) queryArtifacts(ctx context.Context, query string, args ...any) ([]workout.ArchivedArtifact, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var out []workout.ArchivedArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}
	return out, nil
}

func scanArtifact(row scanner) (*workout.ArchivedArtifact, error) {
	var a workout.ArchivedArtifact
	var recordID, remoteName, archivedAt, lastError sql.NullString
	var state, createdAt, updatedAt string

	err := row.Scan(&a.ID, &recordID, &a.LocalPath, &a.SuggestedName, &remoteName,
		&a.SizeBytes, &state, &archivedAt, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	a.RecordID = recordID.String
	a.RemoteName = remoteName.String
	a.State = workout.ArtifactState(state)
	a.ArchivedAt = nullStringToTime(archivedAt)
	a.LastError = lastError.String
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &a, nil
}
