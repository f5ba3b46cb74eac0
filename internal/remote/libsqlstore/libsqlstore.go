// Package libsqlstore implements remote.Store on a libSQL database, such as
// a Turso-hosted database shared by all of a user's devices.
//
// The store keeps one row per record id plus a single-row counter table
// that hands out change sequence numbers. Both are updated in the same
// transaction as the winning copy, so ChangesSince never sees a sequence
// without its row.
package libsqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a libSQL-backed remote.Store.
type Store struct {
	db *sql.DB
}

var _ remote.Store = (*Store)(nil)

// Open connects to a libSQL database. dsn is a libsql:// or https:// URL
// for a hosted database, or a file: path for a local one. A non-empty
// authToken is added to hosted URLs.
func Open(ctx context.Context, dsn, authToken string) (*Store, error) {
	dsn, err := withAuthToken(dsn, authToken)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open libsql database: %v", remote.ErrUnavailable, err)
	}
	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func withAuthToken(dsn, token string) (string, error) {
	if token == "" || strings.HasPrefix(dsn, "file:") {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid libsql url: %w", err)
	}
	q := u.Query()
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// New wraps an open SQLite-compatible database and creates the schema.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS remote_workouts (
			id TEXT PRIMARY KEY,
			occurred_at TEXT NOT NULL,
			duration_seconds REAL NOT NULL,
			origin TEXT NOT NULL,
			audio_artifact TEXT,
			revision INTEGER NOT NULL,
			tombstone INTEGER NOT NULL DEFAULT 0,
			seq INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_remote_workouts_seq ON remote_workouts(seq)`,
		`CREATE TABLE IF NOT EXISTS remote_sequence (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			seq INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO remote_sequence (id, seq) VALUES (1, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: failed to initialize schema: %v", remote.ErrUnavailable, err)
		}
	}
	return nil
}

// Upsert implements remote.Store.
func (s *Store) Upsert(ctx context.Context, rec workout.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", remote.ErrUnavailable, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id, occurred_at, duration_seconds, origin, audio_artifact, revision, tombstone
		FROM remote_workouts WHERE id = ?`, rec.ID)
	existing, err := scanRecord(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read %s: %w", rec.ID, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		existing = nil
	}

	if !workout.Resolve(existing, rec).Applies() {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE remote_sequence SET seq = seq + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to advance sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM remote_sequence WHERE id = 1`).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO remote_workouts (id, occurred_at, duration_seconds, origin, audio_artifact, revision, tombstone, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			occurred_at = excluded.occurred_at,
			duration_seconds = excluded.duration_seconds,
			origin = excluded.origin,
			audio_artifact = excluded.audio_artifact,
			revision = excluded.revision,
			tombstone = excluded.tombstone,
			seq = excluded.seq`,
		rec.ID,
		rec.OccurredAt.UTC().Format(timeLayout),
		rec.DurationSeconds,
		string(rec.Origin),
		sql.NullString{String: rec.AudioArtifact, Valid: rec.AudioArtifact != ""},
		rec.Revision,
		rec.Tombstone,
		seq,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit upsert: %v", remote.ErrUnavailable, err)
	}
	return nil
}

// ChangesSince implements remote.Store.
func (s *Store) ChangesSince(ctx context.Context, cursor remote.Cursor, limit int) ([]workout.Record, remote.Cursor, error) {
	if limit <= 0 {
		limit = remote.DefaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, occurred_at, duration_seconds, origin, audio_artifact, revision, tombstone, seq
		FROM remote_workouts WHERE seq > ? ORDER BY seq ASC LIMIT ?`, cursor.Seq, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("%w: failed to query changes: %v", remote.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []workout.Record
	next := cursor
	for rows.Next() {
		var rec workout.Record
		var occurredAt, origin string
		var audio sql.NullString
		var seq int64
		if err := rows.Scan(&rec.ID, &occurredAt, &rec.DurationSeconds, &origin, &audio, &rec.Revision, &rec.Tombstone, &seq); err != nil {
			return nil, cursor, fmt.Errorf("failed to scan change: %w", err)
		}
		if rec.OccurredAt, err = time.Parse(timeLayout, occurredAt); err != nil {
			return nil, cursor, fmt.Errorf("failed to parse occurred_at for %s: %w", rec.ID, err)
		}
		rec.Origin = workout.Origin(origin)
		rec.AudioArtifact = audio.String
		out = append(out, rec)
		next = remote.Cursor{Seq: seq}
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("error iterating changes: %w", err)
	}
	return out, next, nil
}

// Close implements remote.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*workout.Record, error) {
	var rec workout.Record
	var occurredAt, origin string
	var audio sql.NullString
	if err := row.Scan(&rec.ID, &occurredAt, &rec.DurationSeconds, &origin, &audio, &rec.Revision, &rec.Tombstone); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, occurredAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse occurred_at for %s: %w", rec.ID, err)
	}
	rec.OccurredAt = t
	rec.Origin = workout.Origin(origin)
	rec.AudioArtifact = audio.String
	return &rec, nil
}
