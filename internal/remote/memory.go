package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

type memEntry struct {
	rec workout.Record
	seq int64
}

// MemoryStore is an in-process Store and Notifier. It backs tests, the
// loadtest harness and single-machine setups without a remote database.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memEntry
	seq     int64

	failUpserts int
	failPulls   int
	failErr     error
	offline     bool

	upserts int

	listenersMu sync.Mutex
	listeners   map[int]chan struct{}
	nextID      int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]memEntry),
		listeners: make(map[int]chan struct{}),
	}
}

// Upsert applies the merge rule and stamps a new sequence if the incoming
// copy wins.
func (m *MemoryStore) Upsert(ctx context.Context, rec workout.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.injectedLocked(&m.failUpserts); err != nil {
		m.mu.Unlock()
		return err
	}
	m.upserts++

	var local *workout.Record
	if e, ok := m.records[rec.ID]; ok {
		local = &e.rec
	}
	applied := workout.Resolve(local, rec).Applies()
	if applied {
		m.seq++
		m.records[rec.ID] = memEntry{rec: rec, seq: m.seq}
	}
	m.mu.Unlock()

	if applied {
		m.signal()
	}
	return nil
}

// ChangesSince returns records with a sequence greater than cursor.
func (m *MemoryStore) ChangesSince(ctx context.Context, cursor Cursor, limit int) ([]workout.Record, Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, cursor, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedLocked(&m.failPulls); err != nil {
		return nil, cursor, err
	}

	entries := make([]memEntry, 0, len(m.records))
	for _, e := range m.records {
		if e.seq > cursor.Seq {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	if len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]workout.Record, 0, len(entries))
	next := cursor
	for _, e := range entries {
		out = append(out, e.rec)
		next = Cursor{Seq: e.seq}
	}
	return out, next, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// Run implements Notifier.
func (m *MemoryStore) Run(ctx context.Context, onChange func()) error {
	ch := make(chan struct{}, 1)

	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = ch
	m.listenersMu.Unlock()

	defer func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			onChange()
		}
	}
}

func (m *MemoryStore) signal() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for _, ch := range m.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Get returns the stored copy of id.
func (m *MemoryStore) Get(id string) (workout.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[id]
	return e.rec, ok
}

// Records returns every stored record in change order.
func (m *MemoryStore) Records() []workout.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]memEntry, 0, len(m.records))
	for _, e := range m.records {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]workout.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.rec)
	}
	return out
}

// UpsertCount returns the number of Upsert calls that reached the store.
func (m *MemoryStore) UpsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

// FailUpserts makes the next n Upsert calls return err.
func (m *MemoryStore) FailUpserts(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUpserts = n
	m.failErr = err
}

// FailPulls makes the next n ChangesSince calls return err.
func (m *MemoryStore) FailPulls(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPulls = n
	m.failErr = err
}

// SetOffline makes every call fail with ErrUnavailable until cleared.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *MemoryStore) injectedLocked(counter *int) error {
	if m.offline {
		return ErrUnavailable
	}
	if *counter > 0 {
		*counter--
		if m.failErr != nil {
			return m.failErr
		}
		return ErrUnavailable
	}
	return nil
}
