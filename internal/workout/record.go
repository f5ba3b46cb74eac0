// Package workout defines the records exchanged between the primary device,
// the companion device and the remote durable store.
//
// A Record is the unit of synchronization. Records are never removed; a
// deletion is a Tombstone written at a higher revision so that it propagates
// like any other update and cannot be undone by a late-arriving older copy.
package workout

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Origin identifies the device class that first created a record.
type Origin string

const (
	OriginPrimary   Origin = "primary"
	OriginCompanion Origin = "companion"
)

// ErrInvalidOrigin is returned by ParseOrigin for unknown device tags.
var ErrInvalidOrigin = errors.New("invalid origin")

// ParseOrigin accepts the canonical origin names and the legacy device tags
// ("iPhone", "Watch") that older clients put on the wire.
func ParseOrigin(s string) (Origin, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "iphone", "phone":
		return OriginPrimary, nil
	case "companion", "watch":
		return OriginCompanion, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, s)
}

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	return o == OriginPrimary || o == OriginCompanion
}

// Record is one completed workout.
type Record struct {
	ID              string    `json:"id" yaml:"id"`
	OccurredAt      time.Time `json:"occurred_at" yaml:"occurred_at"`
	DurationSeconds float64   `json:"duration_seconds" yaml:"duration_seconds"`
	Origin          Origin    `json:"origin" yaml:"origin"`

	// AudioArtifact is the archived name of the voice note, empty until the
	// artifact has been confirmed durable.
	AudioArtifact string `json:"audio_artifact,omitempty" yaml:"audio_artifact,omitempty"`

	Revision  int64     `json:"revision" yaml:"revision"`
	Tombstone bool      `json:"tombstone,omitempty" yaml:"tombstone,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Validate checks if the Record has valid field values.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if r.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	if math.IsNaN(r.DurationSeconds) || math.IsInf(r.DurationSeconds, 0) {
		return fmt.Errorf("duration_seconds must be finite")
	}
	if r.DurationSeconds < 0 {
		return fmt.Errorf("duration_seconds must be >= 0 (got %v)", r.DurationSeconds)
	}
	if !r.Origin.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOrigin, r.Origin)
	}
	if r.Revision < 0 {
		return fmt.Errorf("revision must be >= 0 (got %d)", r.Revision)
	}
	return nil
}

// SameContent reports whether r and other carry the same user-visible state.
// Revision and UpdatedAt are bookkeeping and are not compared.
func (r Record) SameContent(other Record) bool {
	return r.ID == other.ID &&
		r.OccurredAt.Equal(other.OccurredAt) &&
		r.DurationSeconds == other.DurationSeconds &&
		r.Origin == other.Origin &&
		r.AudioArtifact == other.AudioArtifact &&
		r.Tombstone == other.Tombstone
}

// canonical is a stable encoding used only to order otherwise-tied records.
func (r Record) canonical() string {
	return fmt.Sprintf("%s|%s|%.6f|%s|%s|%t",
		r.ID,
		r.OccurredAt.UTC().Format(time.RFC3339Nano),
		r.DurationSeconds,
		r.Origin,
		r.AudioArtifact,
		r.Tombstone,
	)
}

// Input is what a user submits when finishing a workout.
type Input struct {
	OccurredAt      time.Time
	DurationSeconds float64
	// AudioPath points at a completed scratch file, or is empty.
	AudioPath string
}

// Validate checks the submission before a record is created from it.
func (in Input) Validate() error {
	if in.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	if math.IsNaN(in.DurationSeconds) || math.IsInf(in.DurationSeconds, 0) || in.DurationSeconds < 0 {
		return fmt.Errorf("duration_seconds must be a finite value >= 0 (got %v)", in.DurationSeconds)
	}
	return nil
}
