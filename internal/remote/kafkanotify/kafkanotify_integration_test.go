//go:build integration

package kafkanotify

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/remote"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

func TestPublishWakesOtherDevice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkaContainer.RunContainer(ctx, testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)

	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: DefaultTopic, NumPartitions: 1, ReplicationFactor: 1}))
	conn.Close()

	shared := remote.NewMemoryStore()
	pub, err := NewPublisher(shared, Config{Brokers: brokers, Device: "watch"})
	require.NoError(t, err)
	defer pub.Close()

	listener, err := NewListener(Config{Brokers: brokers, GroupID: "phone", Device: "phone"})
	require.NoError(t, err)

	woke := make(chan struct{}, 16)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go listener.Run(runCtx, func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	})
	<-woke // initial catch-up

	rec := workout.Record{
		ID:         "A",
		OccurredAt: time.Date(2025, 2, 8, 15, 30, 0, 0, time.UTC),
		Origin:     workout.OriginCompanion,
		Revision:   1,
	}
	deadline := time.After(90 * time.Second)
	for {
		require.NoError(t, pub.Upsert(ctx, rec))
		select {
		case <-woke:
			_, ok := shared.Get("A")
			require.True(t, ok)
			return
		case <-time.After(5 * time.Second):
			// The consumer group may still be joining; publish again.
			rec.Revision++
		case <-deadline:
			t.Fatal("listener never woke")
		}
	}
}
