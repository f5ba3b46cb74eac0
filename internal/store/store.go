// Package store provides the device-local workout store.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) opened in
// WAL mode so that readers see a consistent snapshot while a write is in
// progress. All mutations go through a single critical section: one mutex
// serializes them and each mutation is one transaction, so two concurrent
// writes to the same record id can never interleave.
//
// Layout:
//   - workouts:   one row per record id, with push/relay bookkeeping
//   - artifacts:  audio archival ledger
//   - sync_state: key/value rows (remote cursor)
//
// Every applied write or merge bumps an in-memory generation number and is
// published to subscribers, see Subscribe.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/syncerr"
)

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store wraps the SQLite connection with the workout store semantics.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	// mu serializes every mutation.
	mu sync.Mutex

	generation atomic.Uint64

	subMu   sync.Mutex
	subs    map[int]chan uint64
	nextSub int

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the logger used for non-fatal store warnings.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open creates or opens the store at path and initializes the schema.
//
// A failure here is the one fatal startup condition; the returned error
// matches syncerr.ErrStoreUnavailable.
//
// The caller MUST call Close() when done.
func Open(path string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create database directory: %v", syncerr.ErrStoreUnavailable, err)
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", syncerr.ErrStoreUnavailable, err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", syncerr.ErrStoreUnavailable, err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		logger: log.New(os.Stderr, "[store] ", log.LstdFlags),
		subs:   make(map[int]chan uint64),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", syncerr.ErrStoreUnavailable, err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workouts (
		id TEXT PRIMARY KEY,
		occurred_at TEXT NOT NULL,
		duration_seconds REAL NOT NULL,
		origin TEXT NOT NULL,
		audio_artifact TEXT,
		revision INTEGER NOT NULL,
		tombstone INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,

		-- Highest revision confirmed by the remote store / sent over the link
		pushed_revision INTEGER NOT NULL DEFAULT 0,
		relayed_revision INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		record_id TEXT,
		local_path TEXT NOT NULL,
		suggested_name TEXT NOT NULL,
		remote_name TEXT,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'pending',
		archived_at TEXT,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		seq INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workouts_occurred ON workouts(occurred_at DESC);
	CREATE INDEX IF NOT EXISTS idx_workouts_unpushed
	    ON workouts(updated_at) WHERE pushed_revision < revision;
	CREATE INDEX IF NOT EXISTS idx_workouts_unrelayed
	    ON workouts(updated_at) WHERE relayed_revision < revision;
	CREATE INDEX IF NOT EXISTS idx_artifacts_path ON artifacts(local_path);
	CREATE INDEX IF NOT EXISTS idx_artifacts_state ON artifacts(state);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Generation returns the number of applied mutations since Open.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// Subscribe registers for change notifications. The channel carries the
// generation after each applied write or merge; it holds at most one value
// and a slow reader only sees the latest generation. The returned function
// unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan uint64, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan uint64, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
		})
	}
}

// bump advances the generation and notifies subscribers. Called with mu held
// after a successful commit.
func (s *Store) bump() uint64 {
	gen := s.generation.Add(1)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- gen:
		default:
			// Replace the pending value with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- gen:
			default:
			}
		}
	}
	return gen
}

// Reset removes every record, artifact row and the sync cursor. This is the
// only operation that rewinds the cursor; the next pull refetches the full
// remote history.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"workouts", "artifacts", "sync_state"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}

	s.bump()
	return nil
}

// Stats summarizes the store for status output.
type Stats struct {
	Records           int    `json:"records" yaml:"records"`
	Tombstones        int    `json:"tombstones" yaml:"tombstones"`
	Unpushed          int    `json:"unpushed" yaml:"unpushed"`
	Unrelayed         int    `json:"unrelayed" yaml:"unrelayed"`
	ArtifactsPending  int    `json:"artifacts_pending" yaml:"artifacts_pending"`
	ArtifactsArchived int    `json:"artifacts_archived" yaml:"artifacts_archived"`
	Cursor            string `json:"cursor" yaml:"cursor"`
	Generation        uint64 `json:"generation" yaml:"generation"`
}

// Stats returns counters for the store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	query := `
	SELECT
		COALESCE(SUM(CASE WHEN tombstone = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN tombstone = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN pushed_revision < revision THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN relayed_revision < revision THEN 1 ELSE 0 END), 0)
	FROM workouts
	`
	if err := s.conn.QueryRowContext(ctx, query).Scan(&st.Records, &st.Tombstones, &st.Unpushed, &st.Unrelayed); err != nil {
		return st, fmt.Errorf("failed to count workouts: %w", err)
	}

	artQuery := `
	SELECT
		COALESCE(SUM(CASE WHEN state != 'archived' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN state = 'archived' THEN 1 ELSE 0 END), 0)
	FROM artifacts
	`
	if err := s.conn.QueryRowContext(ctx, artQuery).Scan(&st.ArtifactsPending, &st.ArtifactsArchived); err != nil {
		return st, fmt.Errorf("failed to count artifacts: %w", err)
	}

	cursor, err := s.LoadCursor(ctx)
	if err != nil {
		return st, err
	}
	st.Cursor = cursor
	st.Generation = s.Generation()
	return st, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
