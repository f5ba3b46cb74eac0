package link

import (
	"context"
	"errors"
	"sync"
)

// ErrUnreachable is returned by Transport.Send when no peer is connected
// or the write to it failed.
var ErrUnreachable = errors.New("peer unreachable")

// Events receives transport callbacks. Either field may be nil.
type Events struct {
	// OnFrame is called with each inbound frame, in arrival order.
	OnFrame func(data []byte)
	// OnReachability is called when the peer connects or goes away.
	OnReachability func(reachable bool)
}

func (e Events) frame(data []byte) {
	if e.OnFrame != nil {
		e.OnFrame(data)
	}
}

func (e Events) reachability(v bool) {
	if e.OnReachability != nil {
		e.OnReachability(v)
	}
}

// Transport moves opaque frames to and from the paired peer.
type Transport interface {
	// Send writes one frame. It returns ErrUnreachable (possibly wrapped)
	// when the frame certainly did not leave this device.
	Send(ctx context.Context, data []byte) error
	// Run delivers events until ctx is cancelled.
	Run(ctx context.Context, ev Events) error
}

// PipeEnd is one side of an in-process link.
type PipeEnd struct {
	shared *pipeShared
	peer   *PipeEnd
	inbox  chan []byte

	mu      sync.Mutex
	events  *Events
	dropped int
	drop    int
}

type pipeShared struct {
	mu        sync.Mutex
	connected bool
}

// NewPipe returns two connected ends of an in-process link.
func NewPipe() (*PipeEnd, *PipeEnd) {
	shared := &pipeShared{connected: true}
	a := &PipeEnd{shared: shared, inbox: make(chan []byte, 256)}
	b := &PipeEnd{shared: shared, inbox: make(chan []byte, 256)}
	a.peer, b.peer = b, a
	return a, b
}

// SetConnected connects or disconnects the pipe. Both ends are notified of
// the change.
func (p *PipeEnd) SetConnected(connected bool) {
	p.shared.mu.Lock()
	changed := p.shared.connected != connected
	p.shared.connected = connected
	p.shared.mu.Unlock()
	if !changed {
		return
	}
	for _, end := range []*PipeEnd{p, p.peer} {
		if ev := end.running(); ev != nil {
			ev.reachability(connected)
		}
	}
}

// Connected reports whether the pipe is connected.
func (p *PipeEnd) Connected() bool {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	return p.shared.connected
}

// DropNext makes the next n frames sent from this end vanish after Send
// has reported success.
func (p *PipeEnd) DropNext(n int) {
	p.mu.Lock()
	p.drop = n
	p.mu.Unlock()
}

// Dropped returns how many frames DropNext has swallowed.
func (p *PipeEnd) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *PipeEnd) running() *Events {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events
}

// Send implements Transport.
func (p *PipeEnd) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.Connected() {
		return ErrUnreachable
	}

	p.mu.Lock()
	if p.drop > 0 {
		p.drop--
		p.dropped++
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	frame := append([]byte(nil), data...)
	select {
	case p.peer.inbox <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrUnreachable
	}
}

// Run implements Transport.
func (p *PipeEnd) Run(ctx context.Context, ev Events) error {
	p.mu.Lock()
	p.events = &ev
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.events = nil
		p.mu.Unlock()
	}()

	if p.Connected() {
		ev.reachability(true)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-p.inbox:
			ev.frame(data)
		}
	}
}
