package coordinator

import (
	"sync"
	"sync/atomic"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/store"
)

// DataChanged is delivered to observers after local state changed.
//
// Notifications coalesce: a slow observer may see generation 4 followed by
// 9. Observers that keep derived state compare Generation with the last one
// they handled and reload when it moved.
type DataChanged struct {
	Generation uint64
}

// Subscription is an active OnDataChanged registration.
type Subscription struct {
	unsubscribe func()
	closed      atomic.Bool
	done        chan struct{}
	once        sync.Once
	reg         *registry
	id          int
}

// Close stops delivery. After Close returns no new handler call starts; a
// call already running may still finish. Close is safe to call more than
// once and from inside the handler.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.unsubscribe()
		s.reg.remove(s.id)
	})
}

// Done is closed when the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// registry is the set of live subscriptions.
type registry struct {
	store *store.Store

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
}

func newRegistry(s *store.Store) *registry {
	return &registry{store: s, subs: make(map[int]*Subscription)}
}

func (r *registry) add(handler func(DataChanged)) *Subscription {
	ch, unsubscribe := r.store.Subscribe()

	r.mu.Lock()
	sub := &Subscription{
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
		reg:         r,
		id:          r.nextID,
	}
	r.nextID++
	r.subs[sub.id] = sub
	r.mu.Unlock()

	go func() {
		defer close(sub.done)
		for gen := range ch {
			if sub.closed.Load() {
				continue
			}
			handler(DataChanged{Generation: gen})
		}
	}()
	return sub
}

func (r *registry) remove(id int) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

func (r *registry) closeAll() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
