// Package link carries workout records between the paired primary and
// companion devices.
//
// Delivery is best effort and at least once. A frame that reaches the
// peer may still be lost before it is stored there; the sender never learns
// about it. Correctness comes from the peer's merge being idempotent and
// from the sender re-offering unconfirmed records whenever the peer becomes
// reachable again.
package link

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/mod/semver"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/syncerr"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// ProtocolVersion is the frame format version this build speaks. Peers
// with a different major version are rejected.
const ProtocolVersion = "1.0.0"

// FrameTypeRecord is the only frame type defined so far.
const FrameTypeRecord = "record"

// Frame is one message on the link.
type Frame struct {
	V      string      `json:"v"`
	Type   string      `json:"type"`
	Record *wireRecord `json:"record,omitempty"`
}

// wireRecord is the on-the-wire shape of a workout.Record. Audio is always
// referenced by archived name, never carried inline.
type wireRecord struct {
	ID              string    `json:"id"`
	OccurredAt      time.Time `json:"occurred_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Origin          string    `json:"origin"`
	Revision        int64     `json:"revision"`
	Tombstone       bool      `json:"tombstone"`
	AudioArtifact   string    `json:"audio_artifact,omitempty"`
}

// EncodeRecord builds the frame for rec.
func EncodeRecord(rec workout.Record) ([]byte, error) {
	f := Frame{
		V:    ProtocolVersion,
		Type: FrameTypeRecord,
		Record: &wireRecord{
			ID:              rec.ID,
			OccurredAt:      rec.OccurredAt.UTC(),
			DurationSeconds: rec.DurationSeconds,
			Origin:          string(rec.Origin),
			Revision:        rec.Revision,
			Tombstone:       rec.Tombstone,
			AudioArtifact:   rec.AudioArtifact,
		},
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame for %s: %w", rec.ID, err)
	}
	return data, nil
}

// DecodeRecord validates an inbound frame and returns its record. Every
// failure is a syncerr.ErrProtocolViolation.
func DecodeRecord(data []byte) (workout.Record, error) {
	violation := func(format string, args ...any) (workout.Record, error) {
		return workout.Record{}, syncerr.ProtocolViolation("decode frame", fmt.Errorf(format, args...))
	}

	if !gjson.ValidBytes(data) {
		return violation("frame is not valid JSON")
	}

	v := gjson.GetBytes(data, "v").Str
	if !compatible(v) {
		return violation("incompatible protocol version %q (want %s)", v, ProtocolVersion)
	}
	if t := gjson.GetBytes(data, "type").Str; t != FrameTypeRecord {
		return violation("unknown frame type %q", t)
	}

	rec := gjson.GetBytes(data, "record")
	if !rec.IsObject() {
		return violation("record missing")
	}
	for _, field := range []string{"id", "occurred_at", "origin", "revision"} {
		if !rec.Get(field).Exists() {
			return violation("record.%s missing", field)
		}
	}
	if rec.Get("revision").Type != gjson.Number {
		return violation("record.revision is not a number")
	}
	if d := rec.Get("duration_seconds"); d.Exists() && d.Type != gjson.Number {
		return violation("record.duration_seconds is not a number")
	}

	var w wireRecord
	if err := json.Unmarshal([]byte(rec.Raw), &w); err != nil {
		return violation("failed to decode record: %v", err)
	}

	origin, err := workout.ParseOrigin(w.Origin)
	if err != nil {
		return violation("%v", err)
	}
	out := workout.Record{
		ID:              w.ID,
		OccurredAt:      w.OccurredAt,
		DurationSeconds: w.DurationSeconds,
		Origin:          origin,
		AudioArtifact:   w.AudioArtifact,
		Revision:        w.Revision,
		Tombstone:       w.Tombstone,
	}
	if err := out.Validate(); err != nil {
		return violation("invalid record: %v", err)
	}
	if out.Revision < 1 {
		return violation("record %s has no revision", out.ID)
	}
	return out, nil
}

func compatible(v string) bool {
	if v == "" {
		return false
	}
	if v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return false
	}
	return semver.Major(v) == semver.Major("v"+ProtocolVersion)
}
