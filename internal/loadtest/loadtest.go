// Package loadtest runs a two-device convergence soak.
//
// A companion and a primary coordinator are wired to each other over an
// in-process link and to one shared remote store. Concurrent writers on
// both devices submit and delete workouts while the link flaps and remote
// upserts fail intermittently. Once writing stops, both devices sync until
// their stores and the remote store hold identical records, or the timeout
// expires.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/coordinator"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/link"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/store"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// Options configures a run.
type Options struct {
	// Dir holds the two device databases. Empty uses a temp directory that
	// is removed afterwards.
	Dir string
	// RecordsPerWriter is how many workouts each writer submits.
	RecordsPerWriter int
	// Writers is the number of concurrent writers per device.
	Writers int
	// DeleteEvery deletes every Nth submitted record (0 = never).
	DeleteEvery int
	// FlapInterval toggles the link this often while writing (0 = stable).
	FlapInterval time.Duration
	// RemoteFailEvery fails one remote upsert in every N (0 = never). Only
	// applies to the built-in in-memory remote.
	RemoteFailEvery int
	// Remote is the shared store; nil uses an in-memory store.
	Remote remote.Store
	// Timeout bounds the convergence phase.
	Timeout time.Duration
	Logger  *log.Logger
}

// DefaultOptions returns a small but contended run.
func DefaultOptions() Options {
	return Options{
		RecordsPerWriter: 25,
		Writers:          4,
		DeleteEvery:      5,
		FlapInterval:     20 * time.Millisecond,
		RemoteFailEvery:  7,
		Timeout:          30 * time.Second,
	}
}

// LatencyStats captures SubmitRecord latency.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Result summarizes a run.
type Result struct {
	Submitted   int
	Deleted     int
	Errors      int
	Flaps       int
	Latency     *LatencyStats
	WriteTime   time.Duration
	ConvergeFor time.Duration
	Converged   bool
	// Records is the number of ids (live and deleted) on each side.
	Companion int
	Primary   int
	Remote    int
	// Mismatches lists ids whose copies still differ when the run ends.
	Mismatches []string
}

type device struct {
	store *store.Store
	coord *coordinator.Coordinator
}

// Run executes the soak.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Writers <= 0 || opts.RecordsPerWriter <= 0 {
		return nil, fmt.Errorf("writers and records per writer must be positive")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags)
	}
	dir := opts.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "wvt-loadtest-")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	shared := opts.Remote
	var mem *remote.MemoryStore
	if shared == nil {
		mem = remote.NewMemoryStore()
		shared = mem
	}
	notifier, _ := shared.(remote.Notifier)

	cEnd, pEnd := link.NewPipe()
	quiet := log.New(io.Discard, "", 0)

	companion, err := newDevice(ctx, filepath.Join(dir, "companion.db"), workout.OriginCompanion, cEnd, shared, notifier, quiet)
	if err != nil {
		return nil, err
	}
	defer companion.close()
	primary, err := newDevice(ctx, filepath.Join(dir, "primary.db"), workout.OriginPrimary, pEnd, shared, notifier, quiet)
	if err != nil {
		return nil, err
	}
	defer primary.close()

	result := &Result{}
	var mu sync.Mutex
	var durations []time.Duration

	writeCtx, stopWriting := context.WithCancel(ctx)
	defer stopWriting()

	// Link flapping and remote failures run until writers finish.
	var chaos sync.WaitGroup
	if opts.FlapInterval > 0 {
		chaos.Add(1)
		go func() {
			defer chaos.Done()
			ticker := time.NewTicker(opts.FlapInterval)
			defer ticker.Stop()
			up := true
			for {
				select {
				case <-writeCtx.Done():
					cEnd.SetConnected(true)
					return
				case <-ticker.C:
					up = !up
					cEnd.SetConnected(up)
					mu.Lock()
					result.Flaps++
					mu.Unlock()
				}
			}
		}()
	}
	if mem != nil && opts.RemoteFailEvery > 0 {
		mem.FailUpserts(opts.Writers*opts.RecordsPerWriter/opts.RemoteFailEvery, fmt.Errorf("%w: injected", remote.ErrUnavailable))
	}

	start := time.Now()
	var writers sync.WaitGroup
	for _, dev := range []*device{companion, primary} {
		for w := 0; w < opts.Writers; w++ {
			writers.Add(1)
			go func(dev *device, writer int) {
				defer writers.Done()
				rng := rand.New(rand.NewSource(int64(writer) + time.Now().UnixNano()))
				var local []time.Duration
				var submitted, deleted, failed int
				var last string
				for i := 0; i < opts.RecordsPerWriter; i++ {
					if ctx.Err() != nil {
						break
					}
					in := workout.Input{
						OccurredAt:      time.Now().Add(-time.Duration(rng.Intn(72)) * time.Hour),
						DurationSeconds: float64(300 + rng.Intn(3600)),
					}
					t0 := time.Now()
					rec, err := dev.coord.SubmitRecord(ctx, in)
					local = append(local, time.Since(t0))
					if err != nil {
						failed++
						continue
					}
					submitted++
					if opts.DeleteEvery > 0 && (i+1)%opts.DeleteEvery == 0 && last != "" {
						if err := dev.coord.DeleteRecord(ctx, last); err != nil {
							failed++
						} else {
							deleted++
						}
					}
					last = rec.ID
				}
				mu.Lock()
				durations = append(durations, local...)
				result.Submitted += submitted
				result.Deleted += deleted
				result.Errors += failed
				mu.Unlock()
			}(dev, w)
		}
	}
	writers.Wait()
	result.WriteTime = time.Since(start)
	stopWriting()
	chaos.Wait()
	if mem != nil {
		mem.FailUpserts(0, nil)
	}
	result.Latency = computeLatencyStats(durations)

	logger.Printf("Wrote %d records (%d deleted) in %v; waiting for convergence", result.Submitted, result.Deleted, result.WriteTime)

	convergeStart := time.Now()
	deadline := time.Now().Add(opts.Timeout)
	for {
		for _, dev := range []*device{companion, primary} {
			syncCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := dev.coord.ManualSync(syncCtx); err != nil {
				logger.Printf("sync pending: %v", err)
			}
			cancel()
		}
		mismatches, counts, err := compare(ctx, companion.store, primary.store, shared)
		if err != nil {
			return result, err
		}
		result.Companion, result.Primary, result.Remote = counts[0], counts[1], counts[2]
		result.Mismatches = mismatches
		if len(mismatches) == 0 {
			result.Converged = true
			break
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	result.ConvergeFor = time.Since(convergeStart)
	return result, nil
}

func newDevice(ctx context.Context, path string, role workout.Origin, end *link.PipeEnd, shared remote.Store, notifier remote.Notifier, logger *log.Logger) (*device, error) {
	s, err := store.Open(path, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", role, err)
	}
	cfg := coordinator.DefaultConfig(role)
	cfg.SweepInterval = 0
	cfg.Logger = logger
	cfg.Bridge.Logger = logger
	c, err := coordinator.New(coordinator.Deps{
		Store:    s,
		Remote:   shared,
		Notifier: notifier,
		Link:     link.NewChannel(end, logger),
	}, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return &device{store: s, coord: c}, nil
}

func (d *device) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.coord.Shutdown(ctx)
	_ = d.store.Close()
}

// compare returns the ids whose copies differ between the three stores.
func compare(ctx context.Context, a, b *store.Store, shared remote.Store) ([]string, [3]int, error) {
	var counts [3]int
	left, err := a.ListAll(ctx, store.ListOptions{IncludeTombstones: true})
	if err != nil {
		return nil, counts, err
	}
	right, err := b.ListAll(ctx, store.ListOptions{IncludeTombstones: true})
	if err != nil {
		return nil, counts, err
	}
	var far []workout.Record
	cursor := remote.Cursor{}
	for {
		page, next, err := shared.ChangesSince(ctx, cursor, remote.DefaultPageSize)
		if err != nil {
			return nil, counts, fmt.Errorf("failed to read remote: %w", err)
		}
		far = append(far, page...)
		if len(page) < remote.DefaultPageSize {
			break
		}
		cursor = next
	}
	counts = [3]int{len(left), len(right), len(far)}

	sides := []map[string]workout.Record{index(left), index(right), index(far)}
	ids := make(map[string]bool)
	for _, side := range sides {
		for id := range side {
			ids[id] = true
		}
	}
	var mismatches []string
	for id := range ids {
		ref, ok := sides[0][id]
		for _, side := range sides[1:] {
			other, found := side[id]
			if !ok || !found || other.Revision != ref.Revision || !other.SameContent(ref) {
				mismatches = append(mismatches, id)
				break
			}
		}
	}
	sort.Strings(mismatches)
	return mismatches, counts, nil
}

func index(recs []workout.Record) map[string]workout.Record {
	m := make(map[string]workout.Record, len(recs))
	for _, r := range recs {
		m[r.ID] = r
	}
	return m
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}

// Print writes a human-readable summary to w.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Submitted:     %d (%d deleted, %d errors)\n", r.Submitted, r.Deleted, r.Errors)
	fmt.Fprintf(w, "Link flaps:    %d\n", r.Flaps)
	fmt.Fprintf(w, "Write phase:   %v\n", r.WriteTime)
	if r.Latency != nil {
		fmt.Fprintf(w, "Submit P50:    %v\n", r.Latency.P50)
		fmt.Fprintf(w, "Submit P99:    %v\n", r.Latency.P99)
	}
	fmt.Fprintf(w, "Records:       companion=%d primary=%d remote=%d\n", r.Companion, r.Primary, r.Remote)
	fmt.Fprintf(w, "Converged:     %t after %v\n", r.Converged, r.ConvergeFor)
	if len(r.Mismatches) > 0 {
		fmt.Fprintf(w, "Mismatched:    %d ids\n", len(r.Mismatches))
	}
}
