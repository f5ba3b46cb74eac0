package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/syncerr"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.db")
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(testDBPath(t), WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRecord(id string, origin workout.Origin, rev int64) workout.Record {
	return workout.Record{
		ID:              id,
		OccurredAt:      time.Date(2025, 2, 8, 15, 30, 0, 0, time.UTC),
		DurationSeconds: 42,
		Origin:          origin,
		Revision:        rev,
	}
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}

	for _, table := range []string{"workouts", "artifacts", "sync_state"} {
		var count int
		err := s.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := s.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestOpen_Unavailable(t *testing.T) {
	// A regular file where the data directory should be.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	_, err := Open(filepath.Join(blocker, "test.db"))
	if err == nil {
		t.Fatal("Open() under a regular file succeeded, want error")
	}
	if !syncerr.IsFatal(err) {
		t.Errorf("IsFatal(%v) = false, want true", err)
	}
}

func TestWrite_AssignsRevisions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord("A", workout.OriginPrimary, 0)
	rev, err := s.Write(ctx, rec)
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if rev != 1 {
		t.Errorf("first revision = %d, want 1", rev)
	}

	rec.DurationSeconds = 60
	rev, err = s.Write(ctx, rec)
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if rev != 2 {
		t.Errorf("second revision = %d, want 2", rev)
	}

	got, err := s.Read(ctx, "A")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got == nil || got.Revision != 2 || got.DurationSeconds != 60 {
		t.Errorf("Read() = %+v, want revision 2 duration 60", got)
	}
}

func TestWrite_IdempotentOnSameRevision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord("A", workout.OriginPrimary, 0)
	rev, err := s.Write(ctx, rec)
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	gen := s.Generation()

	rec.Revision = rev
	again, err := s.Write(ctx, rec)
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if again != rev {
		t.Errorf("repeat Write() revision = %d, want %d", again, rev)
	}
	if s.Generation() != gen {
		t.Errorf("Generation() = %d after no-op, want %d", s.Generation(), gen)
	}
}

func TestWrite_RejectsInvalid(t *testing.T) {
	s := openTestStore(t)
	rec := newRecord("", workout.OriginPrimary, 0)
	_, err := s.Write(context.Background(), rec)
	if err == nil {
		t.Fatal("Write() with empty id succeeded")
	}
	if !errors.Is(err, syncerr.ErrPermanentLocal) {
		t.Errorf("error kind = %v, want permanent-local", syncerr.KindOf(err))
	}
}

func TestRead_NotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Read(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got != nil {
		t.Errorf("Read() = %+v, want nil", got)
	}
}

func TestListAll_OrderAndTombstones(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		rec := newRecord(id, workout.OriginPrimary, 0)
		rec.OccurredAt = base.Add(time.Duration(i) * 24 * time.Hour)
		if _, err := s.Write(ctx, rec); err != nil {
			t.Fatalf("Write(%s) failed: %v", id, err)
		}
	}

	mid, _ := s.Read(ctx, "mid")
	mid.Tombstone = true
	if _, err := s.Write(ctx, *mid); err != nil {
		t.Fatalf("tombstone Write() failed: %v", err)
	}

	live, err := s.ListAll(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(live) != 2 || live[0].ID != "new" || live[1].ID != "old" {
		t.Errorf("ListAll() ids = %v, want [new old]", ids(live))
	}

	all, err := s.ListAll(ctx, ListOptions{IncludeTombstones: true})
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListAll(IncludeTombstones) returned %d records, want 3", len(all))
	}
}

func TestMerge_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		local       *workout.Record
		incoming    workout.Record
		wantResult  MergeResult
		wantApplied bool
		wantOrigin  workout.Origin
	}{
		{
			name:        "new id accepted",
			incoming:    newRecord("A", workout.OriginCompanion, 1),
			wantResult:  MergeAccepted,
			wantApplied: true,
			wantOrigin:  workout.OriginCompanion,
		},
		{
			name:        "primary wins tie over companion",
			local:       ptr(newRecord("A", workout.OriginCompanion, 1)),
			incoming:    newRecord("A", workout.OriginPrimary, 1),
			wantResult:  MergeConflictResolved,
			wantApplied: true,
			wantOrigin:  workout.OriginPrimary,
		},
		{
			name:        "companion loses tie to primary",
			local:       ptr(newRecord("A", workout.OriginPrimary, 1)),
			incoming:    newRecord("A", workout.OriginCompanion, 1),
			wantResult:  MergeConflictResolved,
			wantApplied: false,
			wantOrigin:  workout.OriginPrimary,
		},
		{
			name:        "older revision is stale",
			local:       ptr(newRecord("A", workout.OriginCompanion, 3)),
			incoming:    newRecord("A", workout.OriginPrimary, 2),
			wantResult:  MergeStale,
			wantApplied: false,
			wantOrigin:  workout.OriginCompanion,
		},
		{
			name:        "duplicate is stale",
			local:       ptr(newRecord("A", workout.OriginCompanion, 1)),
			incoming:    newRecord("A", workout.OriginCompanion, 1),
			wantResult:  MergeStale,
			wantApplied: false,
			wantOrigin:  workout.OriginCompanion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			ctx := context.Background()
			if tt.local != nil {
				if _, err := s.Merge(ctx, *tt.local, SourceLink); err != nil {
					t.Fatalf("seed Merge() failed: %v", err)
				}
			}

			out, err := s.Merge(ctx, tt.incoming, SourceLink)
			if err != nil {
				t.Fatalf("Merge() failed: %v", err)
			}
			if out.Result != tt.wantResult {
				t.Errorf("Result = %v, want %v", out.Result, tt.wantResult)
			}
			if out.Applied != tt.wantApplied {
				t.Errorf("Applied = %v, want %v", out.Applied, tt.wantApplied)
			}

			got, _ := s.Read(ctx, "A")
			if got.Origin != tt.wantOrigin {
				t.Errorf("stored origin = %q, want %q", got.Origin, tt.wantOrigin)
			}
		})
	}
}

func TestMerge_IdempotentReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord("A", workout.OriginCompanion, 1)
	for i := 0; i < 5; i++ {
		if _, err := s.Merge(ctx, rec, SourceLink); err != nil {
			t.Fatalf("Merge() #%d failed: %v", i, err)
		}
	}

	if s.Generation() != 1 {
		t.Errorf("Generation() = %d after five identical merges, want 1", s.Generation())
	}
	all, _ := s.ListAll(ctx, ListOptions{IncludeTombstones: true})
	if len(all) != 1 {
		t.Errorf("stored %d records, want 1", len(all))
	}
}

func TestMerge_TombstoneNotResurrected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dead := newRecord("A", workout.OriginCompanion, 5)
	dead.Tombstone = true
	if _, err := s.Merge(ctx, dead, SourceRemote); err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}

	for _, rev := range []int64{4, 5} {
		live := newRecord("A", workout.OriginPrimary, rev)
		out, err := s.Merge(ctx, live, SourceRemote)
		if err != nil {
			t.Fatalf("Merge() failed: %v", err)
		}
		if out.Applied {
			t.Errorf("live copy at revision %d resurrected tombstone at revision 5", rev)
		}
	}

	live := newRecord("A", workout.OriginCompanion, 6)
	out, err := s.Merge(ctx, live, SourceRemote)
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	if !out.Applied || out.Record.Tombstone {
		t.Errorf("revision 6 live copy: Applied=%v Tombstone=%v, want applied live", out.Applied, out.Record.Tombstone)
	}
}

func TestMerge_RejectsMissingRevision(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Merge(context.Background(), newRecord("A", workout.OriginCompanion, 0), SourceLink)
	if !errors.Is(err, syncerr.ErrProtocolViolation) {
		t.Errorf("Merge() error = %v, want protocol violation", err)
	}
}

func TestConcurrentWritesSameID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := newRecord("A", workout.OriginPrimary, 0)
			rec.DurationSeconds = float64(i)
			if _, err := s.Write(ctx, rec); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Write() failed: %v", err)
	}

	got, err := s.Read(ctx, "A")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got.Revision != writers {
		t.Errorf("final revision = %d, want %d (writes interleaved)", got.Revision, writers)
	}
	if s.Generation() != writers {
		t.Errorf("Generation() = %d, want %d", s.Generation(), writers)
	}
}

func TestSubscribe_Coalesces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ch, cancel := s.Subscribe()
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := s.Write(ctx, newRecord(fmt.Sprintf("r%d", i), workout.OriginPrimary, 0)); err != nil {
			t.Fatalf("Write() failed: %v", err)
		}
	}

	select {
	case gen := <-ch:
		if gen != 3 {
			t.Errorf("coalesced generation = %d, want 3", gen)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}

	select {
	case gen := <-ch:
		t.Errorf("unexpected second notification %d", gen)
	default:
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
}

func TestPushAndRelayBookkeeping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Write(ctx, newRecord("local", workout.OriginCompanion, 0)); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if _, err := s.Merge(ctx, newRecord("pulled", workout.OriginPrimary, 3), SourceRemote); err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	if _, err := s.Merge(ctx, newRecord("relayed", workout.OriginCompanion, 1), SourceLink); err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}

	unpushed, err := s.Unpushed(ctx, 0)
	if err != nil {
		t.Fatalf("Unpushed() failed: %v", err)
	}
	if got := ids(unpushed); len(got) != 2 || !contains(got, "local") || !contains(got, "relayed") {
		t.Errorf("Unpushed() = %v, want [local relayed]", got)
	}

	unrelayed, err := s.Unrelayed(ctx, 0)
	if err != nil {
		t.Fatalf("Unrelayed() failed: %v", err)
	}
	if got := ids(unrelayed); len(got) != 1 || got[0] != "local" {
		t.Errorf("Unrelayed() = %v, want [local]", got)
	}

	if err := s.MarkPushed(ctx, "local", 1); err != nil {
		t.Fatalf("MarkPushed() failed: %v", err)
	}
	if err := s.MarkRelayed(ctx, "local", 1); err != nil {
		t.Fatalf("MarkRelayed() failed: %v", err)
	}
	// Marking an older revision must not undo the newer mark.
	if err := s.MarkPushed(ctx, "local", 0); err != nil {
		t.Fatalf("MarkPushed() failed: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if st.Unpushed != 1 || st.Unrelayed != 0 || st.Records != 3 {
		t.Errorf("Stats() = %+v, want 3 records, 1 unpushed, 0 unrelayed", st)
	}
}

func TestCursor_MonotonicAndReset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if tok, err := s.LoadCursor(ctx); err != nil || tok != "" {
		t.Fatalf("LoadCursor() = %q, %v; want empty", tok, err)
	}

	steps := []struct {
		token   string
		seq     int64
		advance bool
		want    string
	}{
		{"c5", 5, true, "c5"},
		{"c3", 3, false, "c5"},
		{"c5b", 5, false, "c5"},
		{"c9", 9, true, "c9"},
	}
	for _, st := range steps {
		advanced, err := s.SaveCursor(ctx, st.token, st.seq)
		if err != nil {
			t.Fatalf("SaveCursor(%s) failed: %v", st.token, err)
		}
		if advanced != st.advance {
			t.Errorf("SaveCursor(%s, %d) advanced = %v, want %v", st.token, st.seq, advanced, st.advance)
		}
		got, _ := s.LoadCursor(ctx)
		if got != st.want {
			t.Errorf("LoadCursor() = %q, want %q", got, st.want)
		}
	}

	if _, err := s.Write(ctx, newRecord("A", workout.OriginPrimary, 0)); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if tok, _ := s.LoadCursor(ctx); tok != "" {
		t.Errorf("LoadCursor() after Reset = %q, want empty", tok)
	}
	if all, _ := s.ListAll(ctx, ListOptions{IncludeTombstones: true}); len(all) != 0 {
		t.Errorf("ListAll() after Reset returned %d records", len(all))
	}
}

func TestArtifactLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.RegisterArtifact(ctx, workout.ArchivedArtifact{
		LocalPath:     "/scratch/a.m4a",
		SuggestedName: "a.m4a",
	})
	if err != nil {
		t.Fatalf("RegisterArtifact() failed: %v", err)
	}
	if a.ID == "" || a.State != workout.ArtifactPending {
		t.Fatalf("RegisterArtifact() = %+v, want pending row with id", a)
	}

	again, err := s.RegisterArtifact(ctx, workout.ArchivedArtifact{
		LocalPath:     "/scratch/a.m4a",
		SuggestedName: "a.m4a",
		RecordID:      "rec-1",
	})
	if err != nil {
		t.Fatalf("second RegisterArtifact() failed: %v", err)
	}
	if again.ID != a.ID || again.RecordID != "rec-1" {
		t.Errorf("second RegisterArtifact() = %+v, want same row linked to rec-1", again)
	}

	if err := s.MarkArchiving(ctx, a.ID, "a-1.m4a"); err != nil {
		t.Fatalf("MarkArchiving() failed: %v", err)
	}
	got, err := s.ArtifactByPath(ctx, "/scratch/a.m4a")
	if err != nil {
		t.Fatalf("ArtifactByPath() failed: %v", err)
	}
	if got.State != workout.ArtifactArchiving || got.RemoteName != "a-1.m4a" || got.Reclaimable() {
		t.Errorf("after MarkArchiving: %+v", got)
	}

	at := time.Date(2025, 2, 8, 16, 0, 0, 0, time.UTC)
	if err := s.MarkArchived(ctx, a.ID, "a-1.m4a", 1024, at); err != nil {
		t.Fatalf("MarkArchived() failed: %v", err)
	}
	got, _ = s.Artifact(ctx, a.ID)
	if !got.Reclaimable() || got.SizeBytes != 1024 || !got.ArchivedAt.Equal(at) {
		t.Errorf("after MarkArchived: %+v", got)
	}

	pending, err := s.PendingArtifacts(ctx)
	if err != nil {
		t.Fatalf("PendingArtifacts() failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("PendingArtifacts() = %d rows, want 0", len(pending))
	}

	if err := s.MarkArtifactFailed(ctx, "nope", errors.New("x")); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("MarkArtifactFailed(unknown) = %v, want ErrArtifactNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Update(ctx, "missing", func(*workout.Record) bool { return true }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update(missing) error = %v, want ErrNotFound", err)
	}

	if _, err := s.Write(ctx, newRecord("A", workout.OriginPrimary, 0)); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	rec, changed, err := s.Update(ctx, "A", func(r *workout.Record) bool {
		r.AudioArtifact = "a.m4a"
		return true
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if !changed || rec.Revision != 2 || rec.AudioArtifact != "a.m4a" {
		t.Errorf("Update() = %+v, changed=%v; want revision 2 with artifact", rec, changed)
	}

	gen := s.Generation()
	rec, changed, err = s.Update(ctx, "A", func(r *workout.Record) bool { return false })
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if changed || rec.Revision != 2 {
		t.Errorf("no-op Update() = rev %d, changed=%v", rec.Revision, changed)
	}
	if s.Generation() != gen {
		t.Errorf("no-op Update() bumped generation")
	}

	// A rename of the id inside fn is ignored.
	rec, _, err = s.Update(ctx, "A", func(r *workout.Record) bool {
		r.ID = "B"
		r.Tombstone = true
		return true
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if rec.ID != "A" || !rec.Tombstone || rec.Revision != 3 {
		t.Errorf("Update() = %+v", rec)
	}
	if got, _ := s.Read(ctx, "B"); got != nil {
		t.Errorf("Update() created record B")
	}
}

func ptr(r workout.Record) *workout.Record { return &r }

func ids(recs []workout.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
