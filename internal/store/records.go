package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/syncerr"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// ErrNotFound is returned by Update when the record does not exist.
var ErrNotFound = errors.New("record not found")

// MergeResult classifies how an incoming copy was handled.
type MergeResult int

const (
	// MergeAccepted means the incoming copy was new or strictly newer.
	MergeAccepted MergeResult = iota
	// MergeStale means the incoming copy was older or already present.
	MergeStale
	// MergeConflictResolved means both copies had the same revision and the
	// tie-break picked a winner. Applied tells which side won.
	MergeConflictResolved
)

func (r MergeResult) String() string {
	switch r {
	case MergeAccepted:
		return "accepted"
	case MergeStale:
		return "stale"
	case MergeConflictResolved:
		return "conflict_resolved"
	default:
		return "unknown"
	}
}

// MergeOutcome is returned by Merge.
type MergeOutcome struct {
	Result MergeResult
	// Applied is true when the stored copy changed.
	Applied bool
	// Record is the copy stored after the merge.
	Record workout.Record
	// Generation is the store generation after the merge.
	Generation uint64
}

// Source tells Merge where an incoming copy came from so that the push and
// relay bookkeeping stays correct.
type Source int

const (
	// SourceLink is a copy relayed by the peer device.
	SourceLink Source = iota
	// SourceRemote is a copy pulled from the remote durable store.
	SourceRemote
	// SourceImport is a copy read from an export file.
	SourceImport
)

// ListOptions filters ListAll.
type ListOptions struct {
	// IncludeTombstones returns deleted records as well.
	IncludeTombstones bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

const recordColumns = `id, occurred_at, duration_seconds, origin, audio_artifact, revision, tombstone, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Write stores a local mutation and returns the revision it was stored at.
//
// The applied revision is max(existing+1, rec.Revision). Writing a record
// whose id, revision and content match the stored copy is a no-op that
// returns the stored revision and emits no notification.
func (s *Store) Write(ctx context.Context, rec workout.Record) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, syncerr.PermanentLocal("write", fmt.Errorf("invalid record: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, syncerr.PermanentLocal("write", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	existing, err := getRecord(ctx, tx, rec.ID)
	if err != nil {
		return 0, syncerr.PermanentLocal("write", err)
	}

	if existing != nil && rec.Revision == existing.Revision && existing.SameContent(rec) {
		return existing.Revision, nil
	}

	applied := int64(1)
	if existing != nil {
		applied = existing.Revision + 1
	}
	if rec.Revision > applied {
		applied = rec.Revision
	}
	rec.Revision = applied
	rec.UpdatedAt = s.now()

	if err := upsertRecord(ctx, tx, rec); err != nil {
		return 0, syncerr.PermanentLocal("write", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, syncerr.PermanentLocal("write", fmt.Errorf("failed to commit write: %w", err))
	}

	s.bump()
	return applied, nil
}

// Update applies fn to the stored copy of id and, if fn returns true,
// writes the result at the next revision. Reading and writing happen in one
// transaction, so fn never works on a copy that a concurrent merge has
// already replaced. The returned bool reports whether a write happened.
func (s *Store) Update(ctx context.Context, id string, fn func(rec *workout.Record) bool) (workout.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return workout.Record{}, false, syncerr.PermanentLocal("update", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	existing, err := getRecord(ctx, tx, id)
	if err != nil {
		return workout.Record{}, false, syncerr.PermanentLocal("update", err)
	}
	if existing == nil {
		return workout.Record{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rec := *existing
	if !fn(&rec) {
		return *existing, false, nil
	}
	rec.ID = existing.ID
	if err := rec.Validate(); err != nil {
		return *existing, false, syncerr.PermanentLocal("update", fmt.Errorf("invalid record: %w", err))
	}
	rec.Revision = existing.Revision + 1
	rec.UpdatedAt = s.now()

	if err := upsertRecord(ctx, tx, rec); err != nil {
		return *existing, false, syncerr.PermanentLocal("update", err)
	}
	if err := tx.Commit(); err != nil {
		return *existing, false, syncerr.PermanentLocal("update", fmt.Errorf("failed to commit update: %w", err))
	}

	s.bump()
	return rec, true, nil
}

// Read returns the stored copy of id, or nil if there is none.
func (s *Store) Read(ctx context.Context, id string) (*workout.Record, error) {
	return getRecord(ctx, s.conn, id)
}

// ListAll returns records ordered by occurred_at, newest first.
// Tombstones are excluded unless opts.IncludeTombstones is set.
func (s *Store) ListAll(ctx context.Context, opts ListOptions) ([]workout.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM workouts`
	if !opts.IncludeTombstones {
		query += ` WHERE tombstone = 0`
	}
	query += ` ORDER BY occurred_at DESC, id ASC`

	var args []any
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workouts: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Merge applies an incoming copy under the last-writer-wins rule.
//
// The incoming copy must carry the revision assigned by its writer. Merging
// is idempotent: replaying the same copy yields MergeStale and changes
// nothing.
func (s *Store) Merge(ctx context.Context, rec workout.Record, src Source) (MergeOutcome, error) {
	if err := rec.Validate(); err != nil {
		return MergeOutcome{}, syncerr.ProtocolViolation("merge", fmt.Errorf("invalid record: %w", err))
	}
	if rec.Revision < 1 {
		return MergeOutcome{}, syncerr.ProtocolViolation("merge", fmt.Errorf("record %s has no revision", rec.ID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return MergeOutcome{}, syncerr.PermanentLocal("merge", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	existing, err := getRecord(ctx, tx, rec.ID)
	if err != nil {
		return MergeOutcome{}, syncerr.PermanentLocal("merge", err)
	}

	resolution := workout.Resolve(existing, rec)
	out := MergeOutcome{Applied: resolution.Applies()}
	switch resolution {
	case workout.TakeIncoming:
		out.Result = MergeAccepted
	case workout.TieTakeIncoming, workout.TieKeepLocal:
		out.Result = MergeConflictResolved
	default:
		out.Result = MergeStale
	}

	if out.Applied {
		rec.UpdatedAt = s.now()
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return MergeOutcome{}, syncerr.PermanentLocal("merge", err)
		}
		out.Record = rec
	} else {
		out.Record = *existing
	}

	// The source already holds this revision; record that so it is not sent
	// back. A losing tie leaves the local copy unconfirmed.
	if out.Applied || resolution == workout.Duplicate {
		if err := markSource(ctx, tx, rec.ID, rec.Revision, src); err != nil {
			return MergeOutcome{}, syncerr.PermanentLocal("merge", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return MergeOutcome{}, syncerr.PermanentLocal("merge", fmt.Errorf("failed to commit merge: %w", err))
	}

	if out.Applied {
		out.Generation = s.bump()
	} else {
		out.Generation = s.Generation()
	}
	return out, nil
}

func markSource(ctx context.Context, tx *sql.Tx, id string, revision int64, src Source) error {
	var query string
	switch src {
	case SourceRemote:
		query = `UPDATE workouts SET pushed_revision = max(pushed_revision, ?), relayed_revision = max(relayed_revision, ?) WHERE id = ?`
		_, err := tx.ExecContext(ctx, query, revision, revision, id)
		if err != nil {
			return fmt.Errorf("failed to mark %s as pulled: %w", id, err)
		}
	case SourceLink:
		query = `UPDATE workouts SET relayed_revision = max(relayed_revision, ?) WHERE id = ?`
		if _, err := tx.ExecContext(ctx, query, revision, id); err != nil {
			return fmt.Errorf("failed to mark %s as relayed: %w", id, err)
		}
	}
	return nil
}

// Unpushed returns records whose latest revision has not been confirmed by
// the remote store, oldest change first.
func (s *Store) Unpushed(ctx context.Context, limit int) ([]workout.Record, error) {
	return s.pending(ctx, "pushed_revision", limit)
}

// Unrelayed returns records whose latest revision has not been sent over
// the link, oldest change first.
func (s *Store) Unrelayed(ctx context.Context, limit int) ([]workout.Record, error) {
	return s.pending(ctx, "relayed_revision", limit)
}

func (s *Store) pending(ctx context.Context, column string, limit int) ([]workout.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM workouts WHERE ` + column + ` < revision ORDER BY updated_at ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", column, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkPushed records that the remote store holds revision of id.
func (s *Store) MarkPushed(ctx context.Context, id string, revision int64) error {
	return s.mark(ctx, "pushed_revision", id, revision)
}

// MarkRelayed records that the peer device was sent revision of id.
func (s *Store) MarkRelayed(ctx context.Context, id string, revision int64) error {
	return s.mark(ctx, "relayed_revision", id, revision)
}

func (s *Store) mark(ctx context.Context, column, id string, revision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE workouts SET ` + column + ` = max(` + column + `, ?) WHERE id = ?`
	if _, err := s.conn.ExecContext(ctx, query, revision, id); err != nil {
		return fmt.Errorf("failed to update %s for %s: %w", column, id, err)
	}
	return nil
}

func getRecord(ctx context.Context, q queryer, id string) (*workout.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM workouts WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workout %s: %w", id, err)
	}
	return rec, nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, rec workout.Record) error {
	query := `
	INSERT INTO workouts (
		id, occurred_at, duration_seconds, origin, audio_artifact,
		revision, tombstone, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		occurred_at = excluded.occurred_at,
		duration_seconds = excluded.duration_seconds,
		origin = excluded.origin,
		audio_artifact = excluded.audio_artifact,
		revision = excluded.revision,
		tombstone = excluded.tombstone,
		updated_at = excluded.updated_at
	`
	_, err := tx.ExecContext(ctx, query,
		rec.ID,
		formatTime(rec.OccurredAt),
		rec.DurationSeconds,
		string(rec.Origin),
		nullString(rec.AudioArtifact),
		rec.Revision,
		boolToInt(rec.Tombstone),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert workout %s: %w", rec.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*workout.Record, error) {
	var rec workout.Record
	var occurredAt, updatedAt, origin string
	var audio sql.NullString
	var tombstone int

	if err := row.Scan(&rec.ID, &occurredAt, &rec.DurationSeconds, &origin, &audio, &rec.Revision, &tombstone, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if rec.OccurredAt, err = parseTime(occurredAt); err != nil {
		return nil, fmt.Errorf("failed to parse occurred_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	rec.Origin = workout.Origin(origin)
	rec.AudioArtifact = audio.String
	rec.Tombstone = tombstone != 0
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]workout.Record, error) {
	var out []workout.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workout: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workouts: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
