// Package remote defines the durable store shared by all devices of one
// user, and the signal it raises when its contents change.
//
// Drivers live in subpackages (libsqlstore, pgstore) and must apply the
// same last-writer-wins rule as the local store (workout.Resolve) so that a
// stale push can never overwrite a newer remote copy. Every applied upsert
// is stamped with a strictly increasing change sequence; ChangesSince pages
// through that sequence.
package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// DefaultPageSize bounds one ChangesSince batch.
const DefaultPageSize = 500

// ErrUnavailable is returned by drivers when the remote store cannot be
// reached. Callers treat it as transient.
var ErrUnavailable = errors.New("remote store unavailable")

// Store is the remote durable store.
type Store interface {
	// Upsert offers a record revision. The store keeps whichever copy wins
	// the merge rule; losing copies are accepted without error.
	Upsert(ctx context.Context, rec workout.Record) error

	// ChangesSince returns up to limit records changed after cursor, in
	// change order, and the cursor positioned after the last one returned.
	// When nothing changed the returned cursor equals the input.
	ChangesSince(ctx context.Context, cursor Cursor, limit int) ([]workout.Record, Cursor, error)

	Close() error
}

// Notifier delivers remote change signals.
type Notifier interface {
	// Run calls onChange for every change signal until ctx is done or the
	// subscription fails. Signals may be coalesced.
	Run(ctx context.Context, onChange func()) error
}

// Cursor is a position in the remote change sequence.
type Cursor struct {
	Seq int64
}

// IsZero reports whether the cursor is at the beginning of history.
func (c Cursor) IsZero() bool { return c.Seq == 0 }

// After reports whether c is strictly ahead of other.
func (c Cursor) After(other Cursor) bool { return c.Seq > other.Seq }

const cursorPrefix = "seq:"

// EncodeCursor serialises the cursor to an opaque token.
func EncodeCursor(c Cursor) string {
	if c.IsZero() {
		return ""
	}
	raw := cursorPrefix + strconv.FormatInt(c.Seq, 10)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses the encoded cursor token. An empty token is the zero
// cursor.
func DecodeCursor(token string) (Cursor, error) {
	if strings.TrimSpace(token) == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	raw, ok := strings.CutPrefix(string(decoded), cursorPrefix)
	if !ok {
		return Cursor{}, fmt.Errorf("invalid cursor format")
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return Cursor{}, fmt.Errorf("invalid cursor sequence %q", raw)
	}
	return Cursor{Seq: seq}, nil
}
