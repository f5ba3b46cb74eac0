// Package archive copies finished voice notes from the device's scratch
// directory into the user's durable namespace.
//
// Archiving one file is strictly ordered:
//
//  1. pick a free name (the suggested name, then name-1, name-2, ...)
//  2. record the chosen name in the ledger
//  3. copy
//  4. read the copy back and compare size and checksum
//  5. mark the ledger row archived
//  6. delete the scratch file
//
// A failure at any step stops there and leaves the scratch file in place;
// the next orphan sweep picks it up again. Existing names in the namespace
// are never overwritten.
package archive

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/metrics"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/syncerr"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// ErrInFlight is returned when the same scratch file is already being
// archived.
var ErrInFlight = errors.New("archive already in progress")

// ErrorKind distinguishes the archival failure modes.
type ErrorKind int

const (
	// NamespaceUnavailable: the durable namespace could not be reached.
	NamespaceUnavailable ErrorKind = iota
	// CopyFailed: the bytes could not be copied.
	CopyFailed
	// VerifyFailed: the copy exists but could not be confirmed.
	VerifyFailed
)

func (k ErrorKind) String() string {
	switch k {
	case NamespaceUnavailable:
		return "namespace unavailable"
	case CopyFailed:
		return "copy failed"
	case VerifyFailed:
		return "verify failed"
	default:
		return "unknown"
	}
}

// ArchiveError reports why an archive attempt failed. The scratch file is
// always still present when an ArchiveError is returned.
type ArchiveError struct {
	Kind      ErrorKind
	LocalPath string
	Name      string
	Err       error
}

func (e *ArchiveError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("archive %s as %s: %s: %v", e.LocalPath, e.Name, e.Kind, e.Err)
	}
	return fmt.Sprintf("archive %s: %s: %v", e.LocalPath, e.Kind, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// Is makes every archive failure match syncerr.ErrTransient: each one is
// retried by the next sweep.
func (e *ArchiveError) Is(target error) bool {
	return target == syncerr.ErrTransient
}

// Ledger is the artifact bookkeeping the archiver needs from the local store.
type Ledger interface {
	RegisterArtifact(ctx context.Context, a workout.ArchivedArtifact) (workout.ArchivedArtifact, error)
	ArtifactByPath(ctx context.Context, localPath string) (*workout.ArchivedArtifact, error)
	MarkArchiving(ctx context.Context, id, remoteName string) error
	MarkArchived(ctx context.Context, id, remoteName string, size int64, at time.Time) error
	MarkArtifactFailed(ctx context.Context, id string, cause error) error
	PendingArtifacts(ctx context.Context) ([]workout.ArchivedArtifact, error)
}

// Config holds archiver settings.
type Config struct {
	// ScratchDir is the directory on the scratch filesystem that holds
	// finished recordings.
	ScratchDir string
	// OrphanGrace is how old an unregistered scratch file must be before
	// the sweep adopts it. Younger files may still be in use.
	OrphanGrace time.Duration
	// MaxProbe bounds the number of suffixed names tried.
	MaxProbe int
	Logger   *log.Logger
	Now      func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OrphanGrace: 2 * time.Minute,
		MaxProbe:    1000,
	}
}

// Archiver moves scratch recordings into the durable namespace.
type Archiver struct {
	scratch afero.Fs
	ns      Namespace
	ledger  Ledger
	config  Config
	logger  *log.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an Archiver reading scratch files from scratch.
func New(scratch afero.Fs, ns Namespace, ledger Ledger, config Config) *Archiver {
	if config.MaxProbe <= 0 {
		config.MaxProbe = 1000
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[archive] ", log.LstdFlags)
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Archiver{
		scratch:  scratch,
		ns:       ns,
		ledger:   ledger,
		config:   config,
		logger:   logger,
		now:      now,
		inflight: make(map[string]struct{}),
	}
}

func (a *Archiver) acquire(localPath string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.inflight[localPath]; busy {
		return false
	}
	a.inflight[localPath] = struct{}{}
	return true
}

func (a *Archiver) release(localPath string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inflight, localPath)
}

// InFlight reports whether localPath is being archived right now.
func (a *Archiver) InFlight(localPath string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, busy := a.inflight[localPath]
	return busy
}

// Archive copies localPath into the namespace under suggestedName (or a
// suffixed variant), verifies it, and only then deletes localPath.
func (a *Archiver) Archive(ctx context.Context, localPath, suggestedName string) (workout.ArchivedArtifact, error) {
	return a.ArchiveFor(ctx, "", localPath, suggestedName)
}

// ArchiveFor is Archive for a voice note that belongs to the record with
// the given id. The link is kept in the ledger.
//
// Every call makes a new archived copy: archiving a file whose earlier
// copy is already in the namespace yields a distinctly suffixed name.
func (a *Archiver) ArchiveFor(ctx context.Context, recordID, localPath, suggestedName string) (workout.ArchivedArtifact, error) {
	return a.run(ctx, recordID, localPath, suggestedName, false)
}

// run archives localPath. With recovering set, a path whose verified copy
// is already in the namespace is only reclaimed, not copied again.
func (a *Archiver) run(ctx context.Context, recordID, localPath, suggestedName string, recovering bool) (workout.ArchivedArtifact, error) {
	if !a.acquire(localPath) {
		return workout.ArchivedArtifact{}, fmt.Errorf("%w: %s", ErrInFlight, localPath)
	}
	defer a.release(localPath)

	if suggestedName == "" {
		suggestedName = filepath.Base(localPath)
	}

	art, err := a.archive(ctx, recordID, localPath, suggestedName, recovering)
	if err != nil {
		metrics.RecordArchive(resultLabel(err), 0)
		if art.ID != "" {
			if markErr := a.ledger.MarkArtifactFailed(ctx, art.ID, err); markErr != nil {
				a.logger.Printf("Warning: failed to record archive failure for %s: %v", localPath, markErr)
			}
		}
		return art, err
	}
	metrics.RecordArchive("ok", art.SizeBytes)
	return art, nil
}

func (a *Archiver) archive(ctx context.Context, recordID, localPath, suggestedName string, recovering bool) (workout.ArchivedArtifact, error) {
	fail := func(art workout.ArchivedArtifact, kind ErrorKind, name string, err error) (workout.ArchivedArtifact, error) {
		return art, &ArchiveError{Kind: kind, LocalPath: localPath, Name: name, Err: err}
	}

	info, statErr := a.scratch.Stat(localPath)

	var prior *workout.ArchivedArtifact
	if recovering {
		var err error
		prior, err = a.ledger.ArtifactByPath(ctx, localPath)
		if err != nil {
			return fail(workout.ArchivedArtifact{}, CopyFailed, "", err)
		}
	}
	if prior != nil && prior.Reclaimable() {
		if statErr != nil {
			// Already archived and reclaimed.
			return *prior, nil
		}
		// Archived earlier but the scratch delete did not happen.
		size, sum, err := a.checksum(localPath)
		if err == nil && a.ns.Verify(ctx, prior.RemoteName, size, sum) == nil {
			a.reclaim(localPath)
			return *prior, nil
		}
	}

	if statErr != nil {
		return fail(workout.ArchivedArtifact{}, CopyFailed, "", fmt.Errorf("scratch file unreadable: %w", statErr))
	}
	if info.IsDir() {
		return fail(workout.ArchivedArtifact{}, CopyFailed, "", fmt.Errorf("%s is a directory", localPath))
	}

	art, err := a.ledger.RegisterArtifact(ctx, workout.ArchivedArtifact{
		RecordID:      recordID,
		LocalPath:     localPath,
		SuggestedName: suggestedName,
		SizeBytes:     info.Size(),
	})
	if err != nil {
		return fail(workout.ArchivedArtifact{}, CopyFailed, "", fmt.Errorf("failed to register artifact: %w", err))
	}

	if err := a.ns.Available(ctx); err != nil {
		return fail(art, NamespaceUnavailable, "", err)
	}

	size, sum, err := a.checksum(localPath)
	if err != nil {
		return fail(art, CopyFailed, "", err)
	}

	// A previous attempt chose a name and may have copied before stopping.
	if art.State == workout.ArtifactArchiving && art.RemoteName != "" {
		err := a.ns.Verify(ctx, art.RemoteName, size, sum)
		if err == nil {
			return a.finish(ctx, art, art.RemoteName, size)
		}
		if errors.Is(err, ErrVerifyMismatch) {
			a.discardPartial(ctx, localPath, art.RemoteName)
		}
	}

	const maxRaces = 3
	for attempt := 0; ; attempt++ {
		name, err := a.resolveName(ctx, art.SuggestedName)
		if err != nil {
			return fail(art, NamespaceUnavailable, "", err)
		}

		if err := a.ledger.MarkArchiving(ctx, art.ID, name); err != nil {
			return fail(art, CopyFailed, name, fmt.Errorf("failed to record chosen name: %w", err))
		}
		art.State = workout.ArtifactArchiving
		art.RemoteName = name

		f, err := a.scratch.Open(localPath)
		if err != nil {
			return fail(art, CopyFailed, name, err)
		}
		written, err := a.ns.CopyIn(ctx, name, f)
		f.Close()
		if errors.Is(err, ErrNameTaken) && attempt < maxRaces {
			continue
		}
		if errors.Is(err, ErrNamespaceUnavailable) {
			return fail(art, NamespaceUnavailable, name, err)
		}
		if err != nil {
			return fail(art, CopyFailed, name, err)
		}
		if written != size {
			return fail(art, CopyFailed, name, fmt.Errorf("copied %d bytes, want %d", written, size))
		}

		if err := a.ns.Verify(ctx, name, size, sum); err != nil {
			return fail(art, VerifyFailed, name, err)
		}
		return a.finish(ctx, art, name, size)
	}
}

// finish marks the artifact archived and then removes the scratch file.
func (a *Archiver) finish(ctx context.Context, art workout.ArchivedArtifact, name string, size int64) (workout.ArchivedArtifact, error) {
	at := a.now()
	if err := a.ledger.MarkArchived(ctx, art.ID, name, size, at); err != nil {
		return art, &ArchiveError{Kind: VerifyFailed, LocalPath: art.LocalPath, Name: name,
			Err: fmt.Errorf("failed to record archival: %w", err)}
	}
	art.State = workout.ArtifactArchived
	art.RemoteName = name
	art.SizeBytes = size
	art.ArchivedAt = &at
	art.LastError = ""

	a.reclaim(art.LocalPath)
	a.logger.Printf("Archived %s as %s (%d bytes)", art.LocalPath, name, size)
	return art, nil
}

// discardPartial removes an interrupted copy left under a name the ledger
// reserved for localPath. The name is kept if its content is not a prefix
// of the local file.
func (a *Archiver) discardPartial(ctx context.Context, localPath, name string) {
	f, err := a.scratch.Open(localPath)
	if err != nil {
		return
	}
	defer f.Close()

	removed, err := a.ns.DiscardPartial(ctx, name, f)
	switch {
	case err != nil:
		a.logger.Printf("Warning: failed to remove interrupted copy %s: %v", name, err)
	case removed:
		a.logger.Printf("Removed interrupted copy %s of %s", name, localPath)
	default:
		a.logger.Printf("Warning: %s does not match %s; leaving it in place", name, localPath)
	}
}

// reclaim deletes a scratch file whose archival is recorded. A failed
// delete is retried by the next sweep.
func (a *Archiver) reclaim(localPath string) {
	if err := a.scratch.Remove(localPath); err != nil && !os.IsNotExist(err) {
		a.logger.Printf("Warning: failed to delete archived scratch file %s: %v", localPath, err)
	}
}

func (a *Archiver) resolveName(ctx context.Context, suggested string) (string, error) {
	for n := 0; n < a.config.MaxProbe; n++ {
		name := candidateName(suggested, n)
		taken, err := a.ns.Exists(ctx, name)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
	}
	return "", fmt.Errorf("no free name for %s after %d probes", suggested, a.config.MaxProbe)
}

func (a *Archiver) checksum(localPath string) (int64, []byte, error) {
	f, err := a.scratch.Open(localPath)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	return n, h.Sum(nil), nil
}

func resultLabel(err error) string {
	var ae *ArchiveError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case NamespaceUnavailable:
			return "namespace_unavailable"
		case CopyFailed:
			return "copy_failed"
		case VerifyFailed:
			return "verify_failed"
		}
	}
	if errors.Is(err, ErrInFlight) {
		return "in_flight"
	}
	return "error"
}
