package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/metrics"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// SweepResult summarizes one orphan sweep.
type SweepResult struct {
	Scanned    int `json:"scanned" yaml:"scanned"`
	Registered int `json:"registered" yaml:"registered"`
	Archived   int `json:"archived" yaml:"archived"`
	Reclaimed  int `json:"reclaimed" yaml:"reclaimed"`
	Skipped    int `json:"skipped" yaml:"skipped"`
	Failed     int `json:"failed" yaml:"failed"`

	// Archives lists the artifacts archived during this sweep.
	Archives []workout.ArchivedArtifact `json:"archives,omitempty" yaml:"archives,omitempty"`
	// Errors holds one entry per failed file.
	Errors []error `json:"-" yaml:"-"`
}

// Err joins the per-file errors, or returns nil.
func (r SweepResult) Err() error {
	return errors.Join(r.Errors...)
}

// ReconcileOrphans finishes every interrupted archive and adopts scratch
// files nobody registered. A failure on one file is recorded and the sweep
// moves on; the returned error is only for failures that stop the whole
// sweep (ledger unreadable, scratch directory unreadable, cancellation).
func (a *Archiver) ReconcileOrphans(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.ObserveSweep(time.Since(start)) }()

	var res SweepResult

	pending, err := a.ledger.PendingArtifacts(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list pending artifacts: %w", err)
	}

	known := make(map[string]bool, len(pending))
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		known[p.LocalPath] = true
		res.Scanned++

		if _, err := a.scratch.Stat(p.LocalPath); os.IsNotExist(err) {
			// Scratch file vanished before it was archived. Nothing left
			// to copy; record it so the row stops coming back.
			if markErr := a.ledger.MarkArtifactFailed(ctx, p.ID, fmt.Errorf("scratch file missing")); markErr != nil {
				a.logger.Printf("Warning: failed to update artifact %s: %v", p.ID, markErr)
			}
			res.Skipped++
			continue
		}
		a.sweepOne(ctx, p.RecordID, p.LocalPath, p.SuggestedName, &res)
	}

	if a.config.ScratchDir == "" {
		return res, nil
	}

	entries, err := afero.ReadDir(a.scratch, a.config.ScratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, fmt.Errorf("failed to read scratch directory %s: %w", a.config.ScratchDir, err)
	}

	now := a.now()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if entry.IsDir() || !IsAudioFile(entry.Name()) {
			continue
		}
		localPath := filepath.Join(a.config.ScratchDir, entry.Name())
		if known[localPath] {
			continue
		}
		res.Scanned++

		prior, err := a.ledger.ArtifactByPath(ctx, localPath)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		if prior == nil {
			if now.Sub(entry.ModTime()) < a.config.OrphanGrace {
				res.Skipped++
				continue
			}
			res.Registered++
		}
		a.sweepOne(ctx, "", localPath, entry.Name(), &res)
	}
	return res, nil
}

func (a *Archiver) sweepOne(ctx context.Context, recordID, localPath, suggested string, res *SweepResult) {
	prior, _ := a.ledger.ArtifactByPath(ctx, localPath)
	wasArchived := prior != nil && prior.Reclaimable()

	art, err := a.run(ctx, recordID, localPath, suggested, true)
	switch {
	case errors.Is(err, ErrInFlight):
		res.Skipped++
	case err != nil:
		a.logger.Printf("Warning: archive of %s pending: %v", localPath, err)
		res.Failed++
		res.Errors = append(res.Errors, err)
	case wasArchived:
		res.Reclaimed++
	default:
		res.Archived++
		res.Archives = append(res.Archives, art)
	}
}
