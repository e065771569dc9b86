package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/exectx"
	"github.com/aristath/workerbench/pkg/logger"
)

func TestProducer_SendAndPushConsumerAcks(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	producer := NewProducer(db.Conn(), "emails", logger.NewNop())
	require.NoError(t, producer.Send(context.Background(), SendOptions{Body: map[string]any{"to": "a@example.com"}}))

	var mu sync.Mutex
	var received []*Message
	handler := func(ctx context.Context, batch *MessageBatch, ectx *exectx.Context) error {
		mu.Lock()
		received = append(received, batch.Messages...)
		mu.Unlock()
		batch.AckAll()
		return nil
	}

	consumer := NewPushConsumer(db.Conn(), PushConsumerConfig{Queue: "emails", PollInterval: 10 * time.Millisecond}, handler, nil, logger.NewNop())
	consumer.pollOnce(context.Background())

	mu.Lock()
	require.Len(t, received, 1)
	mu.Unlock()

	var status string
	require.NoError(t, db.Conn().QueryRow(`SELECT status FROM queue_messages WHERE queue = 'emails'`).Scan(&status))
	require.Equal(t, "acked", status)
}

func TestPushConsumer_RetryUntilDeadLetter(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	producer := NewProducer(db.Conn(), "jobs", logger.NewNop())
	require.NoError(t, producer.Send(context.Background(), SendOptions{Body: "x"}))

	handler := func(ctx context.Context, batch *MessageBatch, ectx *exectx.Context) error {
		batch.RetryAll(0)
		return nil
	}
	consumer := NewPushConsumer(db.Conn(), PushConsumerConfig{
		Queue: "jobs", MaxRetries: 2, DeadLetterQueue: "jobs-dlq", PollInterval: 10 * time.Millisecond,
	}, handler, nil, logger.NewNop())

	for i := 0; i < 2; i++ {
		consumer.pollOnce(context.Background())
	}

	var queue, status string
	require.NoError(t, db.Conn().QueryRow(`SELECT queue, status FROM queue_messages`).Scan(&queue, &status))
	require.Equal(t, "jobs-dlq", queue)
	require.Equal(t, "pending", status)
}

func TestPullConsumer_PullLeaseAndAck(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	producer := NewProducer(db.Conn(), "tasks", logger.NewNop())
	require.NoError(t, producer.Send(context.Background(), SendOptions{Body: "work"}))

	pull := NewPullConsumer(db.Conn(), PullConsumerConfig{Queue: "tasks", VisibilityTimeout: time.Minute}, logger.NewNop())

	msgs, err := pull.Pull(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	second, err := pull.Pull(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, second, "leased message must not be pulled again before its lease expires")

	require.NoError(t, pull.Ack(context.Background(), msgs[0].ID, msgs[0].LeaseID))

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM queue_messages`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestPullConsumer_RetryReleasesLease(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	producer := NewProducer(db.Conn(), "tasks", logger.NewNop())
	require.NoError(t, producer.Send(context.Background(), SendOptions{Body: "work"}))

	pull := NewPullConsumer(db.Conn(), PullConsumerConfig{Queue: "tasks", MaxRetries: 5, VisibilityTimeout: time.Minute}, logger.NewNop())

	msgs, err := pull.Pull(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, pull.Retry(context.Background(), msgs[0].ID, msgs[0].LeaseID))

	again, err := pull.Pull(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, again, 1, "message must be pullable again once its lease is released")
}
