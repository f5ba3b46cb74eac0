package archive

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// DefaultExt is the container used for new voice notes.
const DefaultExt = ".m4a"

var audioExts = map[string]bool{
	".m4a": true,
	".caf": true,
	".aac": true,
	".wav": true,
	".mp3": true,
}

// ScratchName returns a new scratch filename embedding the capture time,
// the device class, the device model and a short unique suffix, e.g.
// 20250208T153012Z_companion_Watch6-2_3f9a1c2b.m4a.
func ScratchName(origin workout.Origin, model string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s%s",
		at.UTC().Format("20060102T150405Z"),
		origin,
		sanitizeModel(model),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		DefaultExt,
	)
}

func sanitizeModel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range model {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ',' || r == ' ' || r == '.' || r == '_':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// IsAudioFile reports whether name looks like a finished voice note.
// Hidden files and in-progress captures (".partial") are ignored.
func IsAudioFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return audioExts[strings.ToLower(filepath.Ext(base))]
}

// candidateName returns the n-th collision-avoiding variant of name:
// n=0 is name itself, then "base-1.ext", "base-2.ext", ...
func candidateName(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s-%d%s", base, n, ext)
}
