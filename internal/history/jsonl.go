// Package history exports and imports workout history as JSON Lines, one
// record per line.
//
// Imports go through the store's merge rule, so importing an old export
// never overwrites newer local edits and importing the same file twice is a
// no-op. Imported records are marked unsent and reach the peer and the
// remote store on the next sync.
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/store"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// Line is the on-disk format of one record. Origin is kept as a string so
// exports from older clients ("iPhone", "Watch") still import.
type Line struct {
	ID              string    `json:"id"`
	OccurredAt      time.Time `json:"occurred_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Origin          string    `json:"origin"`
	AudioArtifact   string    `json:"audio_artifact,omitempty"`
	Revision        int64     `json:"revision,omitempty"`
	Tombstone       bool      `json:"tombstone,omitempty"`
}

// Source is what Export reads from.
type Source interface {
	ListAll(ctx context.Context, opts store.ListOptions) ([]workout.Record, error)
}

// Sink is what Import merges into.
type Sink interface {
	Merge(ctx context.Context, rec workout.Record, src store.Source) (store.MergeOutcome, error)
}

// ExportOptions controls Export.
type ExportOptions struct {
	// IncludeTombstones also writes deleted records, so that an import on
	// another device replays the deletions.
	IncludeTombstones bool
}

// Export writes every record to w and returns how many it wrote.
func Export(ctx context.Context, src Source, w io.Writer, opts ExportOptions) (int, error) {
	recs, err := src.ListAll(ctx, store.ListOptions{IncludeTombstones: opts.IncludeTombstones})
	if err != nil {
		return 0, fmt.Errorf("failed to list records: %w", err)
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, rec := range recs {
		line := Line{
			ID:              rec.ID,
			OccurredAt:      rec.OccurredAt.UTC(),
			DurationSeconds: rec.DurationSeconds,
			Origin:          string(rec.Origin),
			AudioArtifact:   rec.AudioArtifact,
			Revision:        rec.Revision,
			Tombstone:       rec.Tombstone,
		}
		if err := enc.Encode(line); err != nil {
			return 0, fmt.Errorf("failed to write %s: %w", rec.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush export: %w", err)
	}
	return len(recs), nil
}

// ExportFile writes the export to path atomically via a temp file.
func ExportFile(ctx context.Context, src Source, path string, opts ExportOptions) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := Export(ctx, src, f, opts)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// ImportOptions controls Import.
type ImportOptions struct {
	// DryRun parses and validates without writing.
	DryRun bool
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Lines   int
	Applied int
	Ignored int // duplicates and older copies
	Invalid int
	Errors  []string
}

// Import merges every line of r into sink. Malformed lines are counted and
// reported but do not stop the import; a store failure does.
func Import(ctx context.Context, sink Sink, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		result.Lines++

		rec, err := parseLine([]byte(text))
		if err != nil {
			result.Invalid++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		if opts.DryRun {
			continue
		}

		out, err := sink.Merge(ctx, rec, store.SourceImport)
		if err != nil {
			return result, fmt.Errorf("line %d: failed to merge %s: %w", lineNum, rec.ID, err)
		}
		if out.Applied {
			result.Applied++
		} else {
			result.Ignored++
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read import: %w", err)
	}
	return result, nil
}

// ImportFile imports the JSONL file at path.
func ImportFile(ctx context.Context, sink Sink, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()
	return Import(ctx, sink, f, opts)
}

func parseLine(data []byte) (workout.Record, error) {
	var line Line
	if err := json.Unmarshal(data, &line); err != nil {
		return workout.Record{}, fmt.Errorf("invalid JSON: %w", err)
	}
	origin, err := workout.ParseOrigin(line.Origin)
	if err != nil {
		return workout.Record{}, err
	}
	rec := workout.Record{
		ID:              line.ID,
		OccurredAt:      line.OccurredAt.UTC(),
		DurationSeconds: line.DurationSeconds,
		Origin:          origin,
		AudioArtifact:   line.AudioArtifact,
		Revision:        line.Revision,
		Tombstone:       line.Tombstone,
	}
	// Exports from clients without revisions start at 1.
	if rec.Revision == 0 {
		rec.Revision = 1
	}
	if err := rec.Validate(); err != nil {
		return workout.Record{}, err
	}
	return rec, nil
}
