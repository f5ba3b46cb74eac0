package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// OpenFunc connects to a remote store. The Notifier may be nil when the
// driver has no change signal.
type OpenFunc func(ctx context.Context) (Store, Notifier, error)

// DefaultReopenInterval is how often Lazy's notifier retries a failed open.
const DefaultReopenInterval = 30 * time.Second

// Lazy is a Store that connects on first use. A failed open is retried on
// the next call, so a remote that is down at startup is picked up once it
// comes back.
type Lazy struct {
	open     OpenFunc
	interval time.Duration

	mu       sync.Mutex
	store    Store
	notifier Notifier
	closed   bool
	ready    chan struct{}
}

// NewLazy returns a Lazy store. interval <= 0 uses DefaultReopenInterval.
func NewLazy(open OpenFunc, interval time.Duration) *Lazy {
	if interval <= 0 {
		interval = DefaultReopenInterval
	}
	return &Lazy{open: open, interval: interval, ready: make(chan struct{})}
}

var errLazyClosed = errors.New("remote store closed")

// Connect returns the underlying store, opening it if needed.
func (l *Lazy) Connect(ctx context.Context) (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errLazyClosed
	}
	if l.store != nil {
		return l.store, nil
	}
	s, n, err := l.open(ctx)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.store, l.notifier = s, n
	close(l.ready)
	return s, nil
}

func (l *Lazy) Upsert(ctx context.Context, rec workout.Record) error {
	s, err := l.Connect(ctx)
	if err != nil {
		return err
	}
	return s.Upsert(ctx, rec)
}

func (l *Lazy) ChangesSince(ctx context.Context, cursor Cursor, limit int) ([]workout.Record, Cursor, error) {
	s, err := l.Connect(ctx)
	if err != nil {
		return nil, cursor, err
	}
	return s.ChangesSince(ctx, cursor, limit)
}

// Close closes the underlying store if it was opened. Later calls fail.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

// Notifier returns a Notifier that waits for the store to open, retrying
// every interval, then delegates to the driver's notifier.
func (l *Lazy) Notifier() Notifier {
	return lazyNotifier{l}
}

type lazyNotifier struct {
	l *Lazy
}

func (n lazyNotifier) Run(ctx context.Context, onChange func()) error {
	opened := false
	if _, err := n.l.Connect(ctx); err != nil {
		if errors.Is(err, errLazyClosed) {
			return err
		}
		ticker := time.NewTicker(n.l.interval)
		defer ticker.Stop()
	wait:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-n.l.ready:
				break wait
			case <-ticker.C:
				if _, err := n.l.Connect(ctx); err == nil {
					break wait
				} else if errors.Is(err, errLazyClosed) {
					return err
				}
			}
		}
		opened = true
	}

	// Anything written while the remote was unreachable is caught up on
	// by one pull.
	if opened {
		onChange()
	}

	n.l.mu.Lock()
	inner := n.l.notifier
	n.l.mu.Unlock()
	if inner == nil {
		<-ctx.Done()
		return nil
	}
	return inner.Run(ctx, onChange)
}
