package link

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/metrics"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// SendOutcome is the result of offering a record to the peer.
type SendOutcome int

const (
	// Delivered: the frame left this device. It may still be lost.
	Delivered SendOutcome = iota
	// Unreachable: the peer certainly did not get the frame.
	Unreachable
)

func (o SendOutcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "unreachable"
}

// Channel sends and receives records over a Transport.
type Channel struct {
	transport Transport
	logger    *log.Logger

	mu          sync.RWMutex
	onReceive   func(workout.Record)
	onReachable func(bool)

	reachable atomic.Bool
	dropped   atomic.Int64
}

// NewChannel wraps t. A nil logger logs to stderr.
func NewChannel(t Transport, logger *log.Logger) *Channel {
	if logger == nil {
		logger = log.New(os.Stderr, "[link] ", log.LstdFlags)
	}
	return &Channel{transport: t, logger: logger}
}

// OnReceive sets the handler for valid inbound records. Handlers run on the
// transport's goroutine, one at a time.
func (c *Channel) OnReceive(fn func(workout.Record)) {
	c.mu.Lock()
	c.onReceive = fn
	c.mu.Unlock()
}

// OnReachable sets the handler for reachability changes.
func (c *Channel) OnReachable(fn func(bool)) {
	c.mu.Lock()
	c.onReachable = fn
	c.mu.Unlock()
}

// Reachable reports the last known peer reachability.
func (c *Channel) Reachable() bool {
	return c.reachable.Load()
}

// Dropped returns the number of inbound frames rejected as protocol
// violations.
func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

// Send offers rec to the peer.
func (c *Channel) Send(ctx context.Context, rec workout.Record) SendOutcome {
	data, err := EncodeRecord(rec)
	if err != nil {
		c.logger.Printf("Warning: %v", err)
		metrics.RecordFrame("out", "error")
		return Unreachable
	}
	if err := c.transport.Send(ctx, data); err != nil {
		if !errors.Is(err, ErrUnreachable) && ctx.Err() == nil {
			c.logger.Printf("Warning: send %s@%d: %v", rec.ID, rec.Revision, err)
		}
		metrics.RecordFrame("out", "unreachable")
		return Unreachable
	}
	metrics.RecordFrame("out", "delivered")
	return Delivered
}

// Run pumps the transport until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) error {
	return c.transport.Run(ctx, Events{
		OnFrame:        c.handleFrame,
		OnReachability: c.handleReachability,
	})
}

func (c *Channel) handleFrame(data []byte) {
	rec, err := DecodeRecord(data)
	if err != nil {
		c.dropped.Add(1)
		metrics.RecordProtocolViolation()
		c.logger.Printf("Warning: dropping frame: %v", err)
		return
	}
	metrics.RecordFrame("in", "ok")

	c.mu.RLock()
	fn := c.onReceive
	c.mu.RUnlock()
	if fn != nil {
		fn(rec)
	}
}

func (c *Channel) handleReachability(reachable bool) {
	if c.reachable.Swap(reachable) == reachable {
		return
	}
	metrics.SetReachable(reachable)
	if reachable {
		c.logger.Printf("Peer reachable")
	} else {
		c.logger.Printf("Peer unreachable")
	}

	c.mu.RLock()
	fn := c.onReachable
	c.mu.RUnlock()
	if fn != nil {
		fn(reachable)
	}
}
