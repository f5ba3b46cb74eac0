// Package kafkanotify fans remote change signals out over a Kafka topic.
//
// Publisher decorates a remote.Store: after an upsert succeeds it writes a
// small message keyed by record id. Listener consumes the topic and turns
// each message into a remote.Notifier wake-up. Messages carry no record
// data; receivers always pull from the store itself.
package kafkanotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// DefaultTopic is used when Config.Topic is empty.
const DefaultTopic = "workout-changes"

// Change is the message body.
type Change struct {
	ID       string `json:"id"`
	Revision int64  `json:"revision"`
	Device   string `json:"device,omitempty"`
}

// Config names the brokers and topic shared by Publisher and Listener.
type Config struct {
	Brokers []string
	Topic   string
	// GroupID must be unique per device so every device sees every change.
	GroupID string
	// Device is stamped on published messages.
	Device string
	Logger *log.Logger
}

func (c *Config) defaults() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafkanotify: no brokers")
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[kafka] ", log.LstdFlags)
	}
	return nil
}

// Publisher is a remote.Store that announces applied upserts.
type Publisher struct {
	remote.Store
	writer *kafka.Writer
	config Config
}

var _ remote.Store = (*Publisher)(nil)

// NewPublisher wraps store.
func NewPublisher(store remote.Store, config Config) (*Publisher, error) {
	if err := config.defaults(); err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &Publisher{Store: store, writer: w, config: config}, nil
}

// Upsert writes through to the wrapped store and then publishes. A publish
// failure is logged, not returned: the record is already durable and
// listeners fall back to their polling interval.
func (p *Publisher) Upsert(ctx context.Context, rec workout.Record) error {
	if err := p.Store.Upsert(ctx, rec); err != nil {
		return err
	}
	body, err := json.Marshal(Change{ID: rec.ID, Revision: rec.Revision, Device: p.config.Device})
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(rec.ID), Value: body}); err != nil {
		p.config.Logger.Printf("publish %s rev %d: %v", rec.ID, rec.Revision, err)
	}
	return nil
}

// Close closes the writer and the wrapped store.
func (p *Publisher) Close() error {
	werr := p.writer.Close()
	if err := p.Store.Close(); err != nil {
		return err
	}
	return werr
}

// Listener is a remote.Notifier backed by a consumer group.
type Listener struct {
	config Config
	// PollInterval bounds how long Run goes without calling onChange when
	// the topic is quiet or unreachable.
	PollInterval time.Duration
}

var _ remote.Notifier = (*Listener)(nil)

// NewListener validates config.
func NewListener(config Config) (*Listener, error) {
	if err := config.defaults(); err != nil {
		return nil, err
	}
	if config.GroupID == "" {
		return nil, errors.New("kafkanotify: listener needs a group id")
	}
	return &Listener{config: config, PollInterval: time.Minute}, nil
}

// Run implements remote.Notifier.
func (l *Listener) Run(ctx context.Context, onChange func()) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     l.config.Brokers,
		GroupID:     l.config.GroupID,
		Topic:       l.config.Topic,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		StartOffset: kafka.LastOffset,
		MaxWait:     time.Second,
	})
	defer reader.Close()

	onChange()
	for {
		readCtx, cancel := context.WithTimeout(ctx, l.PollInterval)
		msg, err := reader.ReadMessage(readCtx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				l.config.Logger.Printf("read: %v", err)
			}
			onChange()
			continue
		}
		var change Change
		if err := json.Unmarshal(msg.Value, &change); err != nil {
			l.config.Logger.Printf("ignoring malformed change at offset %d: %v", msg.Offset, err)
			continue
		}
		if change.Device != "" && change.Device == l.config.Device {
			continue
		}
		onChange()
	}
}
