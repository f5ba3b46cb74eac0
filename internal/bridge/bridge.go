// Package bridge moves records between the local store and the remote
// durable store.
//
// The bridge runs one cycle at a time and reports its state:
//
//	Idle -> Pushing -> Idle
//	Idle -> Pulling -> Merging -> Idle   (repeated per page)
//
// Pushes are driven by Push (a record was written locally) and pulls by
// OnRemoteChange (the remote store signalled a change) or Sync (the user
// asked for it). There are no retry timers: a failed cycle leaves the
// unpushed set and the cursor untouched and the next trigger starts over.
//
// Incoming records are never written directly. They go through the Merger,
// which the coordinator implements on top of the local store, so that the
// store's single-writer rule holds for pulls as well.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/metrics"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/syncerr"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// State is the bridge's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StatePushing
	StatePulling
	StateMerging
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	case StateMerging:
		return "merging"
	default:
		return "unknown"
	}
}

var allStates = []string{"idle", "pushing", "pulling", "merging"}

// LocalStore is the part of the local store the bridge reads and updates.
// Record content is only changed through Merger.
type LocalStore interface {
	Read(ctx context.Context, id string) (*workout.Record, error)
	Unpushed(ctx context.Context, limit int) ([]workout.Record, error)
	MarkPushed(ctx context.Context, id string, revision int64) error
	LoadCursor(ctx context.Context) (string, error)
	SaveCursor(ctx context.Context, token string, seq int64) (bool, error)
}

// Merger applies a pulled record to the local store.
type Merger interface {
	MergeRemote(ctx context.Context, rec workout.Record) error
}

// Config holds bridge tunables.
type Config struct {
	// PageSize bounds each pull batch.
	PageSize int
	// OpTimeout bounds a single remote call made from the background worker.
	OpTimeout time.Duration
	// Logger for sync-pending warnings. Defaults to stderr.
	Logger *log.Logger
	// OnStateChange is called on every state transition.
	OnStateChange func(State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:  remote.DefaultPageSize,
		OpTimeout: 30 * time.Second,
	}
}

// Bridge is the remote sync bridge.
type Bridge struct {
	local  LocalStore
	remote remote.Store
	merger Merger
	config Config
	logger *log.Logger

	state atomic.Int32

	// cycleMu makes push and pull cycles mutually exclusive.
	cycleMu sync.Mutex

	queueMu sync.Mutex
	queue   []string
	queued  map[string]struct{}

	pushKick chan struct{}
	pullKick chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Bridge. Start must be called before Push and OnRemoteChange
// have any effect; Sync works without Start.
func New(local LocalStore, store remote.Store, merger Merger, config Config) *Bridge {
	if config.PageSize <= 0 {
		config.PageSize = remote.DefaultPageSize
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[bridge] ", log.LstdFlags)
	}
	return &Bridge{
		local:    local,
		remote:   store,
		merger:   merger,
		config:   config,
		logger:   logger,
		queued:   make(map[string]struct{}),
		pushKick: make(chan struct{}, 1),
		pullKick: make(chan struct{}, 1),
	}
}

// Start runs the background worker until ctx is cancelled or Stop is called.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop cancels the worker and waits for the current cycle to finish.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// State returns the current state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Push enqueues a record for upload. It never blocks on the network.
func (b *Bridge) Push(rec workout.Record) {
	b.queueMu.Lock()
	if _, ok := b.queued[rec.ID]; !ok {
		b.queued[rec.ID] = struct{}{}
		b.queue = append(b.queue, rec.ID)
	}
	b.queueMu.Unlock()
	kick(b.pushKick)
}

// OnRemoteChange schedules a pull. Signals arriving during a cycle are
// coalesced into one follow-up cycle.
func (b *Bridge) OnRemoteChange() {
	kick(b.pullKick)
}

// Pending returns the number of queued record ids.
func (b *Bridge) Pending() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.pushKick:
			b.cycleMu.Lock()
			if err := b.pushQueued(ctx); err != nil {
				b.logger.Printf("sync pending: %v", err)
			}
			b.cycleMu.Unlock()
		case <-b.pullKick:
			if err := b.Sync(ctx); err != nil && ctx.Err() == nil {
				b.logger.Printf("sync pending: %v", err)
			}
		}
	}
}

// Sync runs a full cycle: push everything unconfirmed, then pull. It is
// the manual sync entry point and also what a remote change signal runs.
func (b *Bridge) Sync(ctx context.Context) error {
	b.cycleMu.Lock()
	defer b.cycleMu.Unlock()

	// Anything queued is also in the unpushed set.
	b.drainQueue()

	pushErr := b.pushUnconfirmed(ctx)
	pullErr := b.pull(ctx)
	return errors.Join(pushErr, pullErr)
}

func (b *Bridge) drainQueue() []string {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	ids := b.queue
	b.queue = nil
	b.queued = make(map[string]struct{})
	return ids
}

func (b *Bridge) requeue(ids []string) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	for _, id := range ids {
		if _, ok := b.queued[id]; ok {
			continue
		}
		b.queued[id] = struct{}{}
		b.queue = append(b.queue, id)
	}
}

func (b *Bridge) setState(s State) {
	if State(b.state.Swap(int32(s))) == s {
		return
	}
	metrics.SetBridgeState(s.String(), allStates)
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(s)
	}
}

// pushQueued uploads the queued ids. On failure the failed id and every id
// after it go back on the queue and the cycle ends.
func (b *Bridge) pushQueued(ctx context.Context) error {
	ids := b.drainQueue()
	if len(ids) == 0 {
		return nil
	}

	b.setState(StatePushing)
	defer b.setState(StateIdle)

	for i, id := range ids {
		rec, err := b.local.Read(ctx, id)
		if err != nil {
			b.requeue(ids[i:])
			return fmt.Errorf("failed to read %s for push: %w", id, err)
		}
		if rec == nil {
			continue
		}
		if err := b.pushOne(ctx, *rec); err != nil {
			b.requeue(ids[i:])
			return err
		}
	}
	return nil
}

// pushUnconfirmed uploads every record the remote store has not confirmed.
func (b *Bridge) pushUnconfirmed(ctx context.Context) error {
	recs, err := b.local.Unpushed(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list unpushed records: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	b.setState(StatePushing)
	defer b.setState(StateIdle)

	for _, rec := range recs {
		if err := b.pushOne(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) pushOne(ctx context.Context, rec workout.Record) error {
	opCtx, cancel := context.WithTimeout(ctx, b.config.OpTimeout)
	defer cancel()

	if err := b.remote.Upsert(opCtx, rec); err != nil {
		metrics.RecordPush("error")
		return syncerr.Transient("push", fmt.Errorf("failed to push %s@%d: %w", rec.ID, rec.Revision, err))
	}
	metrics.RecordPush("ok")

	if err := b.local.MarkPushed(ctx, rec.ID, rec.Revision); err != nil {
		// The remote copy is there; the next cycle pushes it again, which
		// the remote store treats as a duplicate.
		return fmt.Errorf("failed to mark %s pushed: %w", rec.ID, err)
	}
	return nil
}

// pull fetches and merges pages until the remote store has nothing newer.
// The cursor advances only after every record of a page merged.
func (b *Bridge) pull(ctx context.Context) error {
	token, err := b.local.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	cursor, err := remote.DecodeCursor(token)
	if err != nil {
		// Pulling from the start is safe: merges are idempotent.
		b.logger.Printf("Warning: discarding unreadable cursor %q: %v", token, err)
		cursor = remote.Cursor{}
	}

	defer b.setState(StateIdle)
	for {
		b.setState(StatePulling)

		opCtx, cancel := context.WithTimeout(ctx, b.config.OpTimeout)
		recs, next, err := b.remote.ChangesSince(opCtx, cursor, b.config.PageSize)
		cancel()
		if err != nil {
			metrics.RecordPullBatch("error", time.Time{})
			return syncerr.Transient("pull", fmt.Errorf("failed to fetch changes: %w", err))
		}
		if len(recs) == 0 {
			return nil
		}

		b.setState(StateMerging)
		for _, rec := range recs {
			if err := b.merger.MergeRemote(ctx, rec); err != nil {
				// The cursor stays before the whole page, including an
				// invalid row: it is refetched until it is fixed remotely.
				if errors.Is(err, syncerr.ErrProtocolViolation) {
					metrics.RecordProtocolViolation()
					b.logger.Printf("Warning: invalid remote record %s holds the cursor at %d: %v", rec.ID, cursor.Seq, err)
				}
				metrics.RecordPullBatch("error", time.Time{})
				return fmt.Errorf("failed to merge %s: %w", rec.ID, err)
			}
		}

		if next.After(cursor) {
			if _, err := b.local.SaveCursor(ctx, remote.EncodeCursor(next), next.Seq); err != nil {
				metrics.RecordPullBatch("error", time.Time{})
				return fmt.Errorf("failed to save cursor: %w", err)
			}
			cursor = next
		}
		metrics.RecordPullBatch("ok", time.Now())

		if len(recs) < b.config.PageSize {
			return nil
		}
	}
}
