//go:build integration

package pgstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

func startStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("workouts"),
		postgrescontainer.WithUsername("wvt"),
		postgrescontainer.WithPassword("wvt"),
		postgrescontainer.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, connStr, nil)
	require.NoError(t, err)
	s.RetryInterval = 100 * time.Millisecond
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(id string, rev int64, origin workout.Origin) workout.Record {
	return workout.Record{
		ID:              id,
		OccurredAt:      time.Date(2025, 2, 8, 15, 30, 0, 0, time.UTC),
		DurationSeconds: 90,
		Origin:          origin,
		Revision:        rev,
	}
}

func TestUpsertAndChanges(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec("A", 1, workout.OriginCompanion)))
	require.NoError(t, s.Upsert(ctx, rec("B", 1, workout.OriginPrimary)))
	require.NoError(t, s.Upsert(ctx, rec("A", 1, workout.OriginPrimary)))
	require.NoError(t, s.Upsert(ctx, rec("B", 1, workout.OriginCompanion)), "losing tie is not an error")

	recs, cursor, err := s.ChangesSince(ctx, remote.Cursor{}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "B", recs[0].ID)
	assert.Equal(t, "A", recs[1].ID)
	assert.Equal(t, workout.OriginPrimary, recs[1].Origin)

	more, same, err := s.ChangesSince(ctx, cursor, 0)
	require.NoError(t, err)
	assert.Empty(t, more)
	assert.Equal(t, cursor, same)
}

func TestNotifierWakesOnCommit(t *testing.T) {
	s := startStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	woke := make(chan struct{}, 8)
	go s.Run(ctx, func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	})

	// First wake-up is the post-LISTEN catch-up.
	select {
	case <-woke:
	case <-time.After(10 * time.Second):
		t.Fatal("listener never started")
	}

	require.NoError(t, s.Upsert(context.Background(), rec("C", 1, workout.OriginPrimary)))
	select {
	case <-woke:
	case <-time.After(10 * time.Second):
		t.Fatal("no notification after upsert")
	}
}

func TestConcurrentFirstUpsertsKeepPrimary(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("race-%d", i)
		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, origin := range []workout.Origin{workout.OriginCompanion, workout.OriginPrimary} {
			wg.Add(1)
			go func(origin workout.Origin) {
				defer wg.Done()
				errs <- s.Upsert(ctx, rec(id, 1, origin))
			}(origin)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	}

	recs, _, err := s.ChangesSince(ctx, remote.Cursor{}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 20)
	for _, r := range recs {
		assert.Equal(t, workout.OriginPrimary, r.Origin, "record %s", r.ID)
	}
}

func TestConcurrentUpsertsNeverSkipChanges(t *testing.T) {
	s := startStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := s.Upsert(ctx, rec(fmt.Sprintf("w%d-%d", w, i), 1, workout.OriginPrimary)); err != nil {
					t.Errorf("Upsert failed: %v", err)
					return
				}
			}
		}(w)
	}

	// Pull concurrently with small pages; every id must show up exactly once.
	seen := make(map[string]int)
	var cursor remote.Cursor
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for finished := false; ; {
		select {
		case <-done:
			finished = true
		default:
		}
		for {
			recs, next, err := s.ChangesSince(ctx, cursor, 7)
			require.NoError(t, err)
			require.GreaterOrEqual(t, next.Seq, cursor.Seq)
			for _, r := range recs {
				seen[r.ID]++
			}
			cursor = next
			if len(recs) < 7 {
				break
			}
		}
		if finished {
			break
		}
	}

	assert.Len(t, seen, writers*perWriter)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %s pulled %d times", id, n)
	}
}
