// Package pgstore implements remote.Store and remote.Notifier on Postgres.
//
// Every upsert locks the single change-counter row before reading the
// current copy, so upserts run one at a time and change sequence numbers
// are handed out in commit order. A reader that has seen seq n never misses
// a later commit with a smaller seq. pg_notify is issued inside the same
// transaction, so listeners wake only for committed changes.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// Channel is the LISTEN/NOTIFY channel used for change signals.
const Channel = "workout_changes"

const schema = `
CREATE TABLE IF NOT EXISTS workouts (
	id TEXT PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	duration_seconds DOUBLE PRECISION NOT NULL,
	origin TEXT NOT NULL,
	audio_artifact TEXT,
	revision BIGINT NOT NULL,
	tombstone BOOLEAN NOT NULL DEFAULT FALSE,
	seq BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workouts_seq ON workouts(seq);
CREATE TABLE IF NOT EXISTS workout_change_counter (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	seq BIGINT NOT NULL
);
INSERT INTO workout_change_counter (id, seq)
	SELECT 1, COALESCE(MAX(seq), 0) FROM workouts
	ON CONFLICT (id) DO NOTHING;
`

// Store is a Postgres-backed remote store.
type Store struct {
	pool   *pgxpool.Pool
	logger *log.Logger

	// RetryInterval is how long Run waits before re-acquiring a listener
	// connection after it was lost.
	RetryInterval time.Duration
}

var (
	_ remote.Store    = (*Store)(nil)
	_ remote.Notifier = (*Store)(nil)
)

// Open connects to connString and creates the schema.
func Open(ctx context.Context, connString string, logger *log.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool and creates the schema.
func New(ctx context.Context, pool *pgxpool.Pool, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[pgstore] ", log.LstdFlags)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize schema: %v", remote.ErrUnavailable, err)
	}
	return &Store{pool: pool, logger: logger, RetryInterval: 2 * time.Second}, nil
}

// Upsert implements remote.Store.
func (s *Store) Upsert(ctx context.Context, rec workout.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	// The counter row lock serializes every upsert, including the first
	// upsert of an id that has no row to lock yet.
	var seq int64
	if err := tx.QueryRow(ctx, `SELECT seq FROM workout_change_counter WHERE id = 1 FOR UPDATE`).Scan(&seq); err != nil {
		return fmt.Errorf("failed to lock change counter: %w", err)
	}

	row := tx.QueryRow(ctx, `SELECT id, occurred_at, duration_seconds, origin, COALESCE(audio_artifact, ''), revision, tombstone
		FROM workouts WHERE id = $1`, rec.ID)
	var existing *workout.Record
	var cur workout.Record
	var origin string
	switch err := row.Scan(&cur.ID, &cur.OccurredAt, &cur.DurationSeconds, &origin, &cur.AudioArtifact, &cur.Revision, &cur.Tombstone); {
	case err == nil:
		cur.OccurredAt = cur.OccurredAt.UTC()
		cur.Origin = workout.Origin(origin)
		existing = &cur
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("failed to read %s: %w", rec.ID, err)
	}

	if !workout.Resolve(existing, rec).Applies() {
		return tx.Commit(ctx)
	}

	seq++
	if _, err := tx.Exec(ctx, `UPDATE workout_change_counter SET seq = $1 WHERE id = 1`, seq); err != nil {
		return fmt.Errorf("failed to advance change counter: %w", err)
	}

	var audio *string
	if rec.AudioArtifact != "" {
		audio = &rec.AudioArtifact
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO workouts (id, occurred_at, duration_seconds, origin, audio_artifact, revision, tombstone, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			occurred_at = EXCLUDED.occurred_at,
			duration_seconds = EXCLUDED.duration_seconds,
			origin = EXCLUDED.origin,
			audio_artifact = EXCLUDED.audio_artifact,
			revision = EXCLUDED.revision,
			tombstone = EXCLUDED.tombstone,
			seq = EXCLUDED.seq
		WHERE workouts.revision <= EXCLUDED.revision`,
		rec.ID, rec.OccurredAt.UTC(), rec.DurationSeconds, string(rec.Origin), audio, rec.Revision, rec.Tombstone, seq,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() != 1 {
		// Only possible if the counter lock was bypassed; keep the newer copy.
		return tx.Rollback(ctx)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, remote.EncodeCursor(remote.Cursor{Seq: seq})); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit upsert: %v", remote.ErrUnavailable, err)
	}
	return nil
}

// ChangesSince implements remote.Store.
func (s *Store) ChangesSince(ctx context.Context, cursor remote.Cursor, limit int) ([]workout.Record, remote.Cursor, error) {
	if limit <= 0 {
		limit = remote.DefaultPageSize
	}
	rows, err := s.pool.Query(ctx, `SELECT id, occurred_at, duration_seconds, origin, COALESCE(audio_artifact, ''), revision, tombstone, seq
		FROM workouts WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, cursor.Seq, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("%w: failed to query changes: %v", remote.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []workout.Record
	next := cursor
	for rows.Next() {
		var rec workout.Record
		var origin string
		var seq int64
		if err := rows.Scan(&rec.ID, &rec.OccurredAt, &rec.DurationSeconds, &origin, &rec.AudioArtifact, &rec.Revision, &rec.Tombstone, &seq); err != nil {
			return nil, cursor, fmt.Errorf("failed to scan change: %w", err)
		}
		rec.OccurredAt = rec.OccurredAt.UTC()
		rec.Origin = workout.Origin(origin)
		out = append(out, rec)
		next = remote.Cursor{Seq: seq}
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	return out, next, nil
}

// Run implements remote.Notifier. It holds one pooled connection in LISTEN
// mode and calls onChange for each notification. A lost connection is
// re-acquired after RetryInterval; onChange is also called after every
// reconnect since notifications sent while disconnected are gone.
func (s *Store) Run(ctx context.Context, onChange func()) error {
	for {
		err := s.listen(ctx, onChange)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Printf("listener lost: %v; retrying in %s", err, s.RetryInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.RetryInterval):
		}
	}
}

func (s *Store) listen(ctx context.Context, onChange func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		return err
	}
	onChange()
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			// The connection may still be in LISTEN mode; drop it from the pool.
			_ = conn.Conn().Close(context.Background())
			return err
		}
		onChange()
	}
}

// Close implements remote.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
