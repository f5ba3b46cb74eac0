package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "0s"},
		{12.4, "12s"},
		{245, "4m05s"},
		{3723, "1h02m03s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.seconds); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestRecordsPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)
	p.Records([]workout.Record{
		{
			ID:              "0123456789abcdef",
			OccurredAt:      time.Date(2025, 2, 8, 15, 30, 0, 0, time.Local),
			DurationSeconds: 1800,
			Origin:          workout.OriginCompanion,
			Revision:        2,
			AudioArtifact:   "Workout 2025-02-08 1530.m4a",
		},
		{
			ID:         "dead",
			OccurredAt: time.Date(2025, 2, 7, 9, 0, 0, 0, time.Local),
			Origin:     workout.OriginPrimary,
			Revision:   3,
			Tombstone:  true,
		},
	})

	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Errorf("non-terminal output should carry no escape codes: %q", out)
	}
	for _, want := range []string{"WHEN", "2025-02-08 15:30", "30m00s", "companion", "01234567", "Workout 2025-02-08 1530.m4a", "(deleted)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRecordsEmpty(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Records(nil)
	if !strings.Contains(buf.String(), "No workouts yet.") {
		t.Errorf("unexpected output %q", buf.String())
	}
}
