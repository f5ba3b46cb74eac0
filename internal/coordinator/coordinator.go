// Package coordinator ties the local store, the device link, the audio
// archiver and the remote sync bridge together.
//
// Every user action is a synchronous local write followed by asynchronous
// fan-out:
//
//	SubmitRecord -> store.Write -> link relay (companion only)
//	                            -> bridge.Push
//	                            -> archive audio, then attach its name
//
// Inbound copies (from the peer device or the remote store) go through
// store.Merge, which is the only place remote state enters the local store.
// Nothing here retries on a timer; failed relays, pushes and archives wait
// for the next natural trigger (reachability, remote signal, manual sync,
// orphan sweep).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/archive"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/bridge"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/link"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/metrics"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/store"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/syncerr"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

var (
	// ErrNotFound is returned by DeleteRecord for an unknown id.
	ErrNotFound = store.ErrNotFound

	// ErrClosed is returned by operations after Shutdown.
	ErrClosed = errors.New("coordinator is shut down")

	// ErrNoRemote is returned by ManualSync when no remote store is
	// configured.
	ErrNoRemote = errors.New("no remote store configured")
)

// Config holds coordinator settings.
type Config struct {
	// Role is this device's class. It becomes the origin of every record
	// submitted here.
	Role workout.Origin
	// SweepInterval is the period of the orphan sweep. Zero disables the
	// periodic sweep; watcher triggers and Sweep still work.
	SweepInterval time.Duration
	// Bridge configures the remote sync bridge.
	Bridge bridge.Config
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for role.
func DefaultConfig(role workout.Origin) Config {
	return Config{
		Role:          role,
		SweepInterval: 10 * time.Minute,
		Bridge:        bridge.DefaultConfig(),
	}
}

// Deps are the collaborators a Coordinator drives. Only Store is required.
type Deps struct {
	Store *store.Store
	// Remote enables the sync bridge.
	Remote remote.Store
	// Notifier delivers remote change signals. Without one, pulls only
	// happen at start-up and on ManualSync.
	Notifier remote.Notifier
	// Link connects this device to its peer.
	Link *link.Channel
	// Archiver copies voice notes to the durable namespace.
	Archiver *archive.Archiver
	// Watcher triggers sweeps when recordings land in scratch.
	Watcher *archive.ScratchWatcher
}

// Coordinator is the sync coordinator for one device.
type Coordinator struct {
	config   Config
	logger   *log.Logger
	store    *store.Store
	remote   remote.Store
	notifier remote.Notifier
	link     *link.Channel
	archiver *archive.Archiver
	watcher  *archive.ScratchWatcher
	bridge   *bridge.Bridge

	// ctx scopes every background task; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	closed  atomic.Bool
	// lifeMu orders dispatch against Shutdown: no task is added once
	// Shutdown has started waiting.
	lifeMu sync.Mutex

	// tasks tracks fan-out work; loops tracks long-running goroutines.
	tasks sync.WaitGroup
	loops sync.WaitGroup

	reofferMu sync.Mutex
	sweepMu   sync.Mutex

	observers *registry
}

// New wires a Coordinator. Nothing runs until Start.
func New(deps Deps, config Config) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if !config.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", workout.ErrInvalidOrigin, config.Role)
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		config:    config,
		logger:    logger,
		store:     deps.Store,
		remote:    deps.Remote,
		notifier:  deps.Notifier,
		link:      deps.Link,
		archiver:  deps.Archiver,
		watcher:   deps.Watcher,
		ctx:       ctx,
		cancel:    cancel,
		observers: newRegistry(deps.Store),
	}

	if deps.Remote != nil {
		c.bridge = bridge.New(deps.Store, deps.Remote, c, config.Bridge)
	}
	if c.link != nil {
		c.link.OnReceive(func(rec workout.Record) {
			if err := c.ApplyInbound(c.ctx, rec); err != nil && !errors.Is(err, ErrClosed) {
				c.logger.Printf("Warning: inbound %s dropped: %v", rec.ID, err)
			}
		})
		c.link.OnReachable(func(reachable bool) {
			if reachable {
				c.dispatch(c.reoffer)
			}
		})
	}
	return c, nil
}

// Role returns the device role.
func (c *Coordinator) Role() workout.Origin { return c.config.Role }

// Store returns the local store.
func (c *Coordinator) Store() *store.Store { return c.store }

// Start launches the background loops. They stop when ctx is cancelled or
// Shutdown is called.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator already started")
	}
	context.AfterFunc(ctx, c.cancel)

	if c.bridge != nil {
		c.bridge.Start(c.ctx)
		// Start-up is a natural trigger: push what is unconfirmed and
		// catch up on what changed while we were not running.
		c.bridge.OnRemoteChange()
	}
	if c.notifier != nil && c.bridge != nil {
		c.goLoop(func(ctx context.Context) {
			if err := c.notifier.Run(ctx, c.bridge.OnRemoteChange); err != nil && ctx.Err() == nil {
				c.logger.Printf("Warning: remote change notifications stopped: %v", err)
			}
		})
	}
	if c.link != nil {
		c.goLoop(func(ctx context.Context) {
			if err := c.link.Run(ctx); err != nil && ctx.Err() == nil {
				c.logger.Printf("Warning: link stopped: %v", err)
			}
		})
	}
	if c.archiver != nil && c.config.SweepInterval > 0 {
		c.goLoop(c.sweepLoop)
	}
	if c.archiver != nil && c.watcher != nil {
		if err := c.watcher.Start(); err != nil {
			c.logger.Printf("Warning: scratch watcher disabled: %v", err)
		} else {
			c.goLoop(c.watchLoop)
		}
	}
	return nil
}

// Shutdown stops accepting work, waits for in-flight fan-out tasks until
// ctx expires, then stops every background loop.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.lifeMu.Lock()
	first := c.closed.CompareAndSwap(false, true)
	c.lifeMu.Unlock()
	if !first {
		return nil
	}

	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown: abandoning in-flight tasks: %w", ctx.Err())
	}

	c.cancel()
	if c.bridge != nil {
		c.bridge.Stop()
	}
	if c.watcher != nil {
		if stopErr := c.watcher.Stop(); stopErr != nil {
			c.logger.Printf("Warning: %v", stopErr)
		}
	}
	c.loops.Wait()
	<-done
	c.observers.closeAll()
	return err
}

func (c *Coordinator) goLoop(fn func(ctx context.Context)) {
	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		fn(c.ctx)
	}()
}

// dispatch runs fn in the background as a tracked task. After Shutdown it
// does nothing.
func (c *Coordinator) dispatch(fn func(ctx context.Context)) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed.Load() {
		return
	}
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		fn(c.ctx)
	}()
}

// SubmitRecord creates a record from in. The record is durable locally when
// SubmitRecord returns; relay, push and archival continue in the background.
func (c *Coordinator) SubmitRecord(ctx context.Context, in workout.Input) (workout.Record, error) {
	if c.closed.Load() {
		return workout.Record{}, ErrClosed
	}
	if err := in.Validate(); err != nil {
		return workout.Record{}, syncerr.PermanentLocal("submit", err)
	}

	rec := workout.Record{
		ID:              uuid.NewString(),
		OccurredAt:      in.OccurredAt.UTC(),
		DurationSeconds: in.DurationSeconds,
		Origin:          c.config.Role,
	}
	rev, err := c.store.Write(ctx, rec)
	if err != nil {
		return workout.Record{}, fmt.Errorf("failed to save workout: %w", err)
	}
	rec.Revision = rev
	if stored, err := c.store.Read(ctx, rec.ID); err == nil && stored != nil {
		rec = *stored
	}
	metrics.RecordSubmitted("create")

	c.dispatch(func(ctx context.Context) { c.propagate(ctx, rec) })
	if in.AudioPath != "" {
		audio := in.AudioPath
		c.dispatch(func(ctx context.Context) { c.archiveFor(ctx, rec, audio) })
	}
	return rec, nil
}

// DeleteRecord tombstones id at the next revision. Deleting an already
// deleted record is a no-op.
func (c *Coordinator) DeleteRecord(ctx context.Context, id string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	rec, changed, err := c.store.Update(ctx, id, func(r *workout.Record) bool {
		if r.Tombstone {
			return false
		}
		r.Tombstone = true
		return true
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	metrics.RecordSubmitted("delete")
	c.dispatch(func(ctx context.Context) { c.propagate(ctx, rec) })
	return nil
}

// ApplyInbound merges a record received from the peer device. A copy that
// changes the local store is pushed to the remote store.
func (c *Coordinator) ApplyInbound(ctx context.Context, rec workout.Record) error {
	if c.closed.Load() {
		return ErrClosed
	}
	out, err := c.store.Merge(ctx, rec, store.SourceLink)
	if err != nil {
		if errors.Is(err, syncerr.ErrProtocolViolation) {
			metrics.RecordProtocolViolation()
		}
		return err
	}
	metrics.RecordMerge("link", out.Result.String())
	if out.Result == store.MergeConflictResolved {
		c.logger.Printf("Resolved conflicting copies of %s@%d (kept %s)", rec.ID, rec.Revision, out.Record.Origin)
	}
	if out.Applied && c.bridge != nil {
		c.bridge.Push(out.Record)
	}
	return nil
}

// MergeRemote merges a record pulled from the remote store. It is called by
// the bridge.
func (c *Coordinator) MergeRemote(ctx context.Context, rec workout.Record) error {
	out, err := c.store.Merge(ctx, rec, store.SourceRemote)
	if err != nil {
		return err
	}
	metrics.RecordMerge("remote", out.Result.String())
	return nil
}

// ManualSync re-offers unrelayed records to the peer, then pushes every
// unconfirmed record and pulls everything new from the remote store.
func (c *Coordinator) ManualSync(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.reoffer(ctx)
	if c.bridge == nil {
		return ErrNoRemote
	}
	return c.bridge.Sync(ctx)
}

// ListRecords returns live records, most recent first.
func (c *Coordinator) ListRecords(ctx context.Context) ([]workout.Record, error) {
	return c.store.ListAll(ctx, store.ListOptions{})
}

// OnDataChanged registers handler for change notifications. Close the
// returned Subscription when the caller goes away.
func (c *Coordinator) OnDataChanged(handler func(DataChanged)) *Subscription {
	return c.observers.add(handler)
}

// propagate relays rec to the peer and queues it for the remote store.
func (c *Coordinator) propagate(ctx context.Context, rec workout.Record) {
	c.relay(ctx, rec)
	if c.bridge != nil {
		c.bridge.Push(rec)
	}
}

// relay sends rec to the primary device. Only the companion relays.
func (c *Coordinator) relay(ctx context.Context, rec workout.Record) bool {
	if c.link == nil || c.config.Role != workout.OriginCompanion {
		return false
	}
	if c.link.Send(ctx, rec) != link.Delivered {
		c.logger.Printf("sync pending: peer unreachable, %s@%d will be re-offered", rec.ID, rec.Revision)
		return false
	}
	if err := c.store.MarkRelayed(ctx, rec.ID, rec.Revision); err != nil {
		c.logger.Printf("Warning: %v", err)
	}
	return true
}

// reoffer sends every record the peer has not been sent, oldest change
// first, and stops at the first unreachable send.
func (c *Coordinator) reoffer(ctx context.Context) {
	if c.link == nil || c.config.Role != workout.OriginCompanion {
		return
	}
	c.reofferMu.Lock()
	defer c.reofferMu.Unlock()

	recs, err := c.store.Unrelayed(ctx, 0)
	if err != nil {
		c.logger.Printf("Warning: failed to list unrelayed records: %v", err)
		return
	}
	sent := 0
	for _, rec := range recs {
		if !c.relay(ctx, rec) {
			break
		}
		sent++
	}
	if sent > 0 {
		c.logger.Printf("Re-offered %d of %d records to peer", sent, len(recs))
	}
}

// archiveFor archives the voice note of rec and attaches its name.
func (c *Coordinator) archiveFor(ctx context.Context, rec workout.Record, audioPath string) {
	if c.archiver == nil {
		c.logger.Printf("Warning: no archiver configured, %s stays in scratch", audioPath)
		return
	}
	art, err := c.archiver.ArchiveFor(ctx, rec.ID, audioPath, SuggestedName(rec, audioPath))
	if err != nil {
		// The sweep retries it.
		c.logger.Printf("sync pending: %v", err)
		return
	}
	c.attachArtifact(ctx, rec.ID, art.RemoteName)
}

// attachArtifact records the archived name on the record as a new revision
// and propagates it.
func (c *Coordinator) attachArtifact(ctx context.Context, id, name string) {
	rec, changed, err := c.store.Update(ctx, id, func(r *workout.Record) bool {
		if r.Tombstone || r.AudioArtifact == name {
			return false
		}
		r.AudioArtifact = name
		return true
	})
	if err != nil {
		c.logger.Printf("Warning: failed to attach %s to %s: %v", name, id, err)
		return
	}
	if changed {
		c.propagate(ctx, rec)
	}
}

// Sweep runs one orphan sweep now and attaches archived names to their
// records.
func (c *Coordinator) Sweep(ctx context.Context) (archive.SweepResult, error) {
	if c.archiver == nil {
		return archive.SweepResult{}, fmt.Errorf("no archiver configured")
	}
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	res, err := c.archiver.ReconcileOrphans(ctx)
	for _, art := range res.Archives {
		if art.RecordID != "" {
			c.attachArtifact(ctx, art.RecordID, art.RemoteName)
		}
	}
	if res.Archived+res.Reclaimed+res.Failed > 0 {
		c.logger.Printf("Sweep: %d scanned, %d archived, %d reclaimed, %d failed",
			res.Scanned, res.Archived, res.Reclaimed, res.Failed)
	}
	return res, err
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Printf("sync pending: sweep: %v", err)
			}
		}
	}
}

func (c *Coordinator) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case paths, ok := <-c.watcher.Ready():
			if !ok {
				return
			}
			c.logger.Printf("Scratch activity on %d file(s), sweeping", len(paths))
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Printf("sync pending: sweep: %v", err)
			}
		case err, ok := <-c.watcher.Errors():
			if !ok {
				return
			}
			c.logger.Printf("Warning: scratch watcher: %v", err)
		}
	}
}

// SuggestedName is the archive name for the voice note of rec, e.g.
// "Workout 2025-02-08 1530.m4a". The archiver adds a suffix on collision.
func SuggestedName(rec workout.Record, audioPath string) string {
	ext := strings.ToLower(filepath.Ext(audioPath))
	if ext == "" {
		ext = archive.DefaultExt
	}
	return fmt.Sprintf("Workout %s%s", rec.OccurredAt.UTC().Format("2006-01-02 1504"), ext)
}

// Status is a point-in-time summary of the coordinator.
type Status struct {
	Role        workout.Origin `json:"role" yaml:"role"`
	Reachable   bool           `json:"reachable" yaml:"reachable"`
	BridgeState string         `json:"bridge_state" yaml:"bridge_state"`
	PushQueue   int            `json:"push_queue" yaml:"push_queue"`
	Generation  uint64         `json:"generation" yaml:"generation"`
	Store       store.Stats    `json:"store" yaml:"store"`
}

// Status returns the current status.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	st := Status{
		Role:        c.config.Role,
		BridgeState: "disabled",
		Generation:  c.store.Generation(),
	}
	if c.link != nil {
		st.Reachable = c.link.Reachable()
	}
	if c.bridge != nil {
		st.BridgeState = c.bridge.State().String()
		st.PushQueue = c.bridge.Pending()
	}
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Store = stats
	return st, nil
}
