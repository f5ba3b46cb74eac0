// Package syncerr classifies failures raised while recording and syncing
// workouts.
//
// Every component wraps its errors with fmt.Errorf("...: %w", err) and, at
// a boundary where the kind matters, tags them with Wrap. Callers then
// branch with errors.Is against the sentinels below or with the helper
// predicates:
//
//	if syncerr.IsRetryable(err) {
//	    logger.Printf("sync pending: %v", err)
//	}
package syncerr

import (
	"errors"
	"fmt"
)

// Kind is the failure taxonomy shared by all components.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers network loss, an unreachable peer or namespace,
	// and remote store errors. Retried on the next natural trigger.
	KindTransient
	// KindConflict is a concurrent edit resolved by the merge rule. It is
	// never surfaced to users.
	KindConflict
	// KindPermanentLocal is a local write that failed. The operation is
	// reported to the caller; the process continues.
	KindPermanentLocal
	// KindProtocolViolation is a malformed inbound message. It is dropped.
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindPermanentLocal:
		return "permanent-local"
	case KindProtocolViolation:
		return "protocol-violation"
	default:
		return "unknown"
	}
}

var (
	// ErrTransient matches any error tagged KindTransient.
	ErrTransient = errors.New("transient failure")

	// ErrConflict matches any error tagged KindConflict.
	ErrConflict = errors.New("conflicting concurrent edit")

	// ErrPermanentLocal matches any error tagged KindPermanentLocal.
	ErrPermanentLocal = errors.New("local write failed")

	// ErrProtocolViolation matches any error tagged KindProtocolViolation.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrStoreUnavailable is returned when the local store cannot be opened
	// at all. It is the only failure that stops startup.
	ErrStoreUnavailable = errors.New("local store unavailable")
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrPermanentLocal:
		return e.Kind == KindPermanentLocal
	case ErrProtocolViolation:
		return e.Kind == KindProtocolViolation
	}
	return false
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient is shorthand for Wrap(KindTransient, op, err).
func Transient(op string, err error) error { return Wrap(KindTransient, op, err) }

// PermanentLocal is shorthand for Wrap(KindPermanentLocal, op, err).
func PermanentLocal(op string, err error) error { return Wrap(KindPermanentLocal, op, err) }

// ProtocolViolation is shorthand for Wrap(KindProtocolViolation, op, err).
func ProtocolViolation(op string, err error) error {
	return Wrap(KindProtocolViolation, op, err)
}

// KindOf returns the outermost kind attached to err.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable returns true if the error is likely to succeed on the next
// trigger (reachability change, remote signal, manual sync, sweep).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// IsFatal returns true if the error means the process cannot run at all.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable)
}
