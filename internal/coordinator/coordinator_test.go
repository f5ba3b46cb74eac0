package coordinator

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/archive"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/link"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/store"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

var quiet = log.New(io.Discard, "", 0)

var occurred = time.Date(2025, 2, 8, 15, 30, 0, 0, time.UTC)

type device struct {
	c     *Coordinator
	store *store.Store
	link  *link.Channel
}

type deviceOpts struct {
	end      *link.PipeEnd
	remote   *remote.MemoryStore
	archiver *archive.Archiver
}

func newDevice(t *testing.T, role workout.Origin, opts deviceOpts) *device {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), string(role)+".db"), store.WithLogger(quiet))
	require.NoError(t, err)

	d := &device{store: s}
	deps := Deps{Store: s, Archiver: opts.archiver}
	if opts.end != nil {
		d.link = link.NewChannel(opts.end, quiet)
		deps.Link = d.link
	}
	if opts.remote != nil {
		deps.Remote = opts.remote
		deps.Notifier = opts.remote
	}

	cfg := DefaultConfig(role)
	cfg.SweepInterval = 0
	cfg.Logger = quiet
	cfg.Bridge.Logger = quiet

	c, err := New(deps, cfg)
	require.NoError(t, err)
	d.c = c

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = c.Shutdown(shutdownCtx)
		cancel()
		s.Close()
	})
	return d
}

func (d *device) get(t *testing.T, id string) *workout.Record {
	t.Helper()
	rec, err := d.store.Read(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (d *device) has(id string, check func(workout.Record) bool) func() bool {
	return func() bool {
		rec, err := d.store.Read(context.Background(), id)
		return err == nil && rec != nil && (check == nil || check(*rec))
	}
}

func pair(t *testing.T) (companion, primary *device, cEnd *link.PipeEnd) {
	t.Helper()
	cEnd, pEnd := link.NewPipe()
	companion = newDevice(t, workout.OriginCompanion, deviceOpts{end: cEnd})
	primary = newDevice(t, workout.OriginPrimary, deviceOpts{end: pEnd})
	return companion, primary, cEnd
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig(workout.OriginPrimary))
	assert.Error(t, err)

	s, err := store.Open(filepath.Join(t.TempDir(), "x.db"), store.WithLogger(quiet))
	require.NoError(t, err)
	defer s.Close()
	_, err = New(Deps{Store: s}, DefaultConfig("tablet"))
	assert.ErrorIs(t, err, workout.ErrInvalidOrigin)
}

func TestSubmitRecord_IsLocalAndSynchronous(t *testing.T) {
	d := newDevice(t, workout.OriginPrimary, deviceOpts{})
	ctx := context.Background()

	rec, err := d.c.SubmitRecord(ctx, workout.Input{OccurredAt: occurred, DurationSeconds: 42})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, workout.OriginPrimary, rec.Origin)
	assert.EqualValues(t, 1, rec.Revision)

	list, err := d.c.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)

	_, err = d.c.SubmitRecord(ctx, workout.Input{DurationSeconds: 1})
	assert.Error(t, err, "missing occurred_at accepted")
	_, err = d.c.SubmitRecord(ctx, workout.Input{OccurredAt: occurred, DurationSeconds: -1})
	assert.Error(t, err, "negative duration accepted")
}

func TestCompanionSubmitReachesPrimary(t *testing.T) {
	companion, primary, _ := pair(t)
	ctx := context.Background()

	rec, err := companion.c.SubmitRecord(ctx, workout.Input{OccurredAt: occurred, DurationSeconds: 42})
	require.NoError(t, err)
	assert.Equal(t, workout.OriginCompanion, rec.Origin)

	require.Eventually(t, primary.has(rec.ID, nil), waitFor, tick)
	got := primary.get(t, rec.ID)
	assert.True(t, rec.SameContent(*got))
	assert.Equal(t, rec.Revision, got.Revision)

	require.Eventually(t, func() bool {
		pending, err := companion.store.Unrelayed(ctx, 0)
		return err == nil && len(pending) == 0
	}, waitFor, tick)
}

func TestUnreachablePeerGetsReofferedOnReconnect(t *testing.T) {
	companion, primary, cEnd := pair(t)
	ctx := context.Background()
	require.Eventually(t, companion.link.Reachable, waitFor, tick)

	cEnd.SetConnected(false)
	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := companion.c.SubmitRecord(ctx, workout.Input{OccurredAt: occurred.Add(time.Duration(i) * time.Minute), DurationSeconds: 30})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	require.Eventually(t, func() bool {
		pending, err := companion.store.Unrelayed(ctx, 0)
		return err == nil && len(pending) == 3
	}, waitFor, tick)
	for _, id := range ids {
		assert.Nil(t, primary.get(t, id))
	}

	cEnd.SetConnected(true)
	for _, id := range ids {
		require.Eventually(t, primary.has(id, nil), waitFor, tick)
	}
}

func TestConcurrentCreationTieGoesToPrimary(t *testing.T) {
	companion, primary, cEnd := pair(t)
	ctx := context.Background()
	require.Eventually(t, companion.link.Reachable, waitFor, tick)
	cEnd.SetConnected(false)

	fromCompanion := workout.Record{ID: "A", OccurredAt: occurred, DurationSeconds: 42, Origin: workout.OriginCompanion}
	fromPrimary := workout.Record{ID: "A", OccurredAt: occurred, DurationSeconds: 42, Origin: workout.OriginPrimary}

	rev, err := companion.store.Write(ctx, fromCompanion)
	require.NoError(t, err)
	require.EqualValues(t, 1, rev)
	rev, err = primary.store.Write(ctx, fromPrimary)
	require.NoError(t, err)
	require.EqualValues(t, 1, rev)

	cEnd.SetConnected(true)
	require.Eventually(t, func() bool {
		pending, err := companion.store.Unrelayed(ctx, 0)
		return err == nil && len(pending) == 0
	}, waitFor, tick)

	got := primary.get(t, "A")
	require.NotNil(t, got)
	assert.Equal(t, workout.OriginPrimary, got.Origin)
	assert.EqualValues(t, 42, got.DurationSeconds)
	assert.EqualValues(t, 1, got.Revision)

	// The companion converges on the same copy when it sees the primary's.
	fromPrimary.Revision = 1
	require.NoError(t, companion.c.ApplyInbound(ctx, fromPrimary))
	assert.Equal(t, workout.OriginPrimary, companion.get(t, "A").Origin)
}

func TestDeletePropagatesAsTombstone(t *testing.T) {
	companion, primary, _ := pair(t)
	ctx := context.Background()

	rec, err := companion.c.SubmitRecord(ctx, workout.Input{OccurredAt: occurred, DurationSeconds: 42})
	require.NoError(t, err)
	require.Eventually(t, primary.has(rec.ID, nil), waitFor, tick)

	require.NoError(t, companion.c.DeleteRecord(ctx, rec.ID))
	require.Eventually(t, primary.has(rec.ID, func(r workout.Record) bool { return r.Tombstone }), waitFor, tick)

	got := primary.get(t, rec.ID)
	assert.EqualValues(t, 2, got.Revision)
	list, err := primary.c.ListRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Deleting twice is a no-op.
	require.NoError(t, companion.c.DeleteRecord(ctx, rec.ID))
	assert.EqualValues(t, 2, companion.get(t, rec.ID).Revision)

	assert.ErrorIs(t, companion.c.DeleteRecord(ctx, "nope"), ErrNotFound)
}

func TestTombstoneIsNotResurrectedByOlderCopy(t *testing.T) {
	d := newDevice(t, workout.OriginPrimary, deviceOpts{})
	ctx := context.Background()

	live := workout.Record{ID: "A", OccurredAt: occurred, DurationSeconds: 42, Origin: workout.OriginCompanion, Revision: 1}
	require.NoError(t, d.c.ApplyInbound(ctx, live))
	require.NoError(t, d.c.DeleteRecord(ctx, "A"))

	// A late copy of revision 1 changes nothing.
	require.NoError(t, d.c.ApplyInbound(ctx, live))
	assert.True(t, d.get(t, "A").Tombstone)

	// A strictly newer live write does bring it back.
	newer := live
	newer.Revision = 3
	require.NoError(t, d.c.ApplyInbound(ctx, newer))
	got := d.get(t, "A")
	assert.False(t, got.Tombstone)
	assert.EqualValues(t, 3, got.Revision)
}

func TestDuplicateInboundIsIdempotent(t *testing.T) {
	d := newDevice(t, workout.OriginPrimary, deviceOpts{})
	ctx := context.Background()

	rec := workout.Record{ID: "A", OccurredAt: occurred, DurationSeconds: 42, Origin: workout.OriginCompanion, Revision: 1}
	require.NoError(t, d.c.ApplyInbound(ctx, rec))
	gen := d.store.Generation()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.c.ApplyInbound(ctx, rec))
	}
	assert.Equal(t, gen, d.store.Generation())

	list, err := d.c.ListRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestApplyInboundRejectsInvalid(t *testing.T) {
	d := newDevice(t, workout.OriginPrimary, deviceOpts{})
	err := d.c.ApplyInbound(context.Background(), workout.Record{ID: "A", Origin: workout.OriginCompanion})
	assert.Error(t, err)
}

func TestRemoteStoreConvergence(t *testing.T) {
	rem := remote.NewMemoryStore()
	cEnd, pEnd := link.NewPipe()
	cEnd.SetConnected(false)

	companion := newDevice(t, workout.OriginCompanion, deviceOpts{end: cEnd, remote: rem})
	primary := newDevice(t, workout.OriginPrimary, deviceOpts{end: pEnd, remote: rem})
	ctx := context.Background()

	// With the link down, records still meet through the remote store.
	a, err := companion.c.SubmitRecord(ctx, workout.Input{OccurredAt: occurred, DurationSeconds: 10})
	require.NoError(t, err)
	b, err := primary.c.SubmitRecord(ctx, workout.Input{OccurredAt: occurred.Add(time.Hour), DurationSeconds: 20})
	require.NoError(t, err)

	require.Eventually(t, primary.has(a.ID, nil), waitFor, tick)
	require.Eventually(t, companion.has(b.ID, nil), waitFor, tick)

	_, ok := rem.Get(a.ID)
	assert.True(t, ok)

	require.NoError(t, primary.c.ManualSync(ctx))
	st, err := primary.c.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Store.Unpushed)
	assert.Equal(t, 2, st.Store.Records)
}

func TestManualSyncWithoutRemote(t *testing.T) {
	d := newDevice(t, workout.OriginPrimary, deviceOpts{})
	assert.ErrorIs(t, d.c.ManualSync(context.Background()), ErrNoRemote)
}

func newArchiver(t *testing.T, s *store.Store) (*archive.Archiver, afero.Fs, afero.Fs) {
	t.Helper()
	scratch := afero.NewMemMapFs()
	require.NoError(t, scratch.MkdirAll("/scratch", 0755))
	durable := afero.NewMemMapFs()
	require.NoError(t, durable.MkdirAll("/archive", 0755))

	cfg := archive.DefaultConfig()
	cfg.ScratchDir = "/scratch"
	cfg.Logger = quiet
	return archive.New(scratch, archive.NewFsNamespace(durable, "/archive"), s, cfg), scratch, durable
}

func TestSubmitArchivesAudioAndAttachesName(t *testing.T) {
	cEnd, pEnd := link.NewPipe()
	s, err := store.Open(filepath.Join(t.TempDir(), "c.db"), store.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	arch, scratch, durable := newArchiver(t, s)

	c, err := New(Deps{Store: s, Link: link.NewChannel(cEnd, quiet), Archiver: arch}, Config{Role: workout.OriginCompanion, Logger: quiet})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(context.Background())

	primary := newDevice(t, workout.OriginPrimary, deviceOpts{end: pEnd})

	require.NoError(t, afero.WriteFile(scratch, "/scratch/note.m4a", []byte("voice"), 0644))
	rec, err := c.SubmitRecord(ctx, workout.Input{OccurredAt: occurred, DurationSeconds: 42, AudioPath: "/scratch/note.m4a"})
	require.NoError(t, err)
	assert.Empty(t, rec.AudioArtifact, "artifact attached before archival")

	want := "Workout 2025-02-08 1530.m4a"
	hasArtifact := func(r workout.Record) bool { return r.AudioArtifact == want }
	require.Eventually(t, func() bool {
		got, err := s.Read(ctx, rec.ID)
		return err == nil && got != nil && hasArtifact(*got)
	}, waitFor, tick)

	exists, err := afero.Exists(durable, "/archive/"+want)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = afero.Exists(scratch, "/scratch/note.m4a")
	require.NoError(t, err)
	assert.False(t, exists)

	// The attachment is a new revision and reaches the peer too.
	require.Eventually(t, primary.has(rec.ID, hasArtifact), waitFor, tick)
	assert.EqualValues(t, 2, primary.get(t, rec.ID).Revision)
}

func TestSweepAttachesOrphanedArtifacts(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "c.db"), store.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	arch, scratch, _ := newArchiver(t, s)
	ctx := context.Background()

	c, err := New(Deps{Store: s, Archiver: arch}, Config{Role: workout.OriginCompanion, Logger: quiet})
	require.NoError(t, err)
	defer c.Shutdown(ctx)

	rev, err := s.Write(ctx, workout.Record{ID: "A", OccurredAt: occurred, DurationSeconds: 1, Origin: workout.OriginCompanion})
	require.NoError(t, err)
	require.EqualValues(t, 1, rev)

	// An earlier archive attempt registered the file and then failed.
	require.NoError(t, afero.WriteFile(scratch, "/scratch/a.m4a", []byte("aaa"), 0644))
	_, err = s.RegisterArtifact(ctx, workout.ArchivedArtifact{RecordID: "A", LocalPath: "/scratch/a.m4a", SuggestedName: "a.m4a"})
	require.NoError(t, err)

	res, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archived)

	got, err := s.Read(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "a.m4a", got.AudioArtifact)
	assert.EqualValues(t, 2, got.Revision)
}

func TestOnDataChanged(t *testing.T) {
	d := newDevice(t, workout.OriginPrimary, deviceOpts{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []uint64
	sub := d.c.OnDataChanged(func(ev DataChanged) {
		mu.Lock()
		seen = append(seen, ev.Generation)
		mu.Unlock()
	})

	_, err := d.c.SubmitRecord(ctx, workout.Input{OccurredAt: occurred, DurationSeconds: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == d.store.Generation()
	}, waitFor, tick)

	sub.Close()
	sub.Close()
	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription goroutine did not exit")
	}

	mu.Lock()
	before := len(seen)
	mu.Unlock()
	_, err = d.c.SubmitRecord(ctx, workout.Input{OccurredAt: occurred, DurationSeconds: 2})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, before, len(seen))
	mu.Unlock()
	assert.Zero(t, d.c.observers.count())
}

func TestShutdown(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "x.db"), store.WithLogger(quiet))
	require.NoError(t, err)
	defer s.Close()

	c, err := New(Deps{Store: s, Remote: remote.NewMemoryStore()}, Config{Role: workout.OriginPrimary, Logger: quiet})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	sub := c.OnDataChanged(func(DataChanged) {})
	require.NoError(t, c.Shutdown(context.Background()))
	<-sub.Done()

	_, err = c.SubmitRecord(context.Background(), workout.Input{OccurredAt: occurred, DurationSeconds: 1})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.DeleteRecord(context.Background(), "A"), ErrClosed)
	assert.NoError(t, c.Shutdown(context.Background()), "second Shutdown")
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}

func TestDispatchRacingShutdown(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "x.db"), store.WithLogger(quiet))
	require.NoError(t, err)
	defer s.Close()

	c, err := New(Deps{Store: s}, Config{Role: workout.OriginPrimary, Logger: quiet})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	var (
		mu        sync.Mutex
		ran       int
		cancelled int
	)
	task := func(ctx context.Context) {
		mu.Lock()
		defer mu.Unlock()
		ran++
		if ctx.Err() != nil {
			cancelled++
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.dispatch(task)
			}
		}()
	}
	require.NoError(t, c.Shutdown(context.Background()))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, cancelled, "%d of %d tasks ran on a cancelled context", cancelled, ran)

	before := ran
	c.dispatch(task)
	assert.Equal(t, before, ran, "task dispatched after Shutdown")
}

func TestSuggestedName(t *testing.T) {
	rec := workout.Record{OccurredAt: occurred}
	assert.Equal(t, "Workout 2025-02-08 1530.m4a", SuggestedName(rec, "/s/x.M4A"))
	assert.Equal(t, "Workout 2025-02-08 1530.wav", SuggestedName(rec, "x.wav"))
	assert.Equal(t, "Workout 2025-02-08 1530.m4a", SuggestedName(rec, "noext"))
}
