package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/events"
	"github.com/aristath/workerbench/internal/exectx"
	"github.com/aristath/workerbench/internal/rterr"
)

// DefaultRetentionSeconds is applied when a PushConsumerConfig leaves
// RetentionSeconds at zero (spec.md §4.4.2).
const DefaultRetentionSeconds = 345600

// DefaultPollInterval is the owner task's poll cadence.
const DefaultPollInterval = time.Second

// PushConsumerConfig configures one push consumer (spec.md §4.4.2).
type PushConsumerConfig struct {
	Queue            string
	MaxBatchSize     int
	MaxBatchTimeout  time.Duration
	MaxRetries       int
	DeadLetterQueue  string
	RetentionSeconds int64
	PollInterval     time.Duration
}

func (c *PushConsumerConfig) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 10
	}
	if c.RetentionSeconds <= 0 {
		c.RetentionSeconds = DefaultRetentionSeconds
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

type decision int

const (
	decisionUnset decision = iota
	decisionAck
	decisionRetry
)

// Message is one delivered message, with ack()/retry() controlling its
// eventual resolution. Per spec.md §4.4.2, among a message's own
// Ack()/Retry() calls the LAST one wins, and any such call overrides the
// batch-level AckAll()/RetryAll() default whatever order they were made in.
type Message struct {
	ID          string
	Timestamp   time.Time
	Body        any
	Attempts    int
	decision    decision
	retryDelayS int64
}

// Ack marks this message for acknowledgement.
func (m *Message) Ack() { m.decision = decisionAck }

// Retry marks this message for retry after an optional delay.
func (m *Message) Retry(delaySeconds int64) {
	m.decision = decisionRetry
	m.retryDelayS = delaySeconds
}

// MessageBatch is the batch handed to the user `queue(batch, env, ctx)` handler.
type MessageBatch struct {
	Queue           string
	Messages        []*Message
	defaultDecision decision
	defaultDelayS   int64
}

// AckAll sets the batch-level default to ack, for any message that never
// receives its own explicit ack()/retry() call.
func (b *MessageBatch) AckAll() { b.defaultDecision = decisionAck }

// RetryAll sets the batch-level default to retry.
func (b *MessageBatch) RetryAll(delaySeconds int64) {
	b.defaultDecision = decisionRetry
	b.defaultDelayS = delaySeconds
}

// Handler processes one delivered batch.
type Handler func(ctx context.Context, batch *MessageBatch, ectx *exectx.Context) error

// PushConsumer owns a single poll-loop goroutine for one queue.
type PushConsumer struct {
	db      *sql.DB
	cfg     PushConsumerConfig
	handler Handler
	bus     *events.Bus
	log     zerolog.Logger
	now     func() time.Time

	polling atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	started bool
}

// NewPushConsumer creates a consumer; call Start to begin polling.
func NewPushConsumer(db *sql.DB, cfg PushConsumerConfig, handler Handler, bus *events.Bus, log zerolog.Logger) *PushConsumer {
	cfg.applyDefaults()
	return &PushConsumer{
		db:      db,
		cfg:     cfg,
		handler: handler,
		bus:     bus,
		log:     log.With().Str("component", "queue-push-consumer").Str("queue", cfg.Queue).Logger(),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the owner goroutine. It is owned by the generation that
// created it and is stopped immediately on drain (spec.md §4.4.2).
func (c *PushConsumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.pollOnce(ctx)
			}
		}
	}()
}

// Stop signals the owner goroutine to exit and waits for it to do so.
func (c *PushConsumer) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	close(c.stopCh)
	<-c.doneCh
}

// pollOnce runs a single poll cycle. The `polling` flag prevents
// re-entrant polls from overlapping (spec.md §4.4.2: "single-threaded
// per consumer").
func (c *PushConsumer) pollOnce(ctx context.Context) {
	if !c.polling.CompareAndSwap(false, true) {
		return
	}
	defer c.polling.Store(false)

	if err := c.sweepRetained(ctx); err != nil {
		c.log.Error().Err(err).Msg("retention sweep failed")
	}

	rows, err := c.selectBatch(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("select batch failed")
		return
	}
	if len(rows) == 0 {
		return
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.id
	}
	if err := c.incrementAttempts(ctx, ids); err != nil {
		c.log.Error().Err(err).Msg("increment attempts failed")
		return
	}

	batch := &MessageBatch{Queue: c.cfg.Queue}
	messages := make([]*Message, len(rows))
	for i, r := range rows {
		body, decodeErr := Decode(ContentType(r.contentType), r.body)
		if decodeErr != nil {
			c.log.Error().Err(decodeErr).Str("message_id", r.id).Msg("decode failed")
		}
		m := &Message{ID: r.id, Timestamp: time.UnixMilli(r.createdAt), Body: body, Attempts: r.attempts + 1}
		messages[i] = m
	}
	batch.Messages = messages

	ectx := exectx.New()
	handlerErr := c.invokeHandler(ctx, batch, ectx)
	ectx.AwaitAll(30 * time.Second)

	if handlerErr != nil {
		c.log.Error().Err(handlerErr).Msg("queue handler failed; defaulting batch to retry")
		if batch.defaultDecision == decisionUnset {
			batch.RetryAll(0)
		}
	}

	for _, m := range messages {
		c.resolve(ctx, m, batch)
	}
}

func (c *PushConsumer) invokeHandler(ctx context.Context, batch *MessageBatch, ectx *exectx.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rterr.New(rterr.HandlerError, "queue handler panicked: %v", r)
		}
	}()
	return c.handler(ctx, batch, ectx)
}

type messageRow struct {
	id          string
	body        []byte
	contentType string
	attempts    int
	createdAt   int64
}

func (c *PushConsumer) sweepRetained(ctx context.Context) error {
	cutoff := c.now().Add(-time.Duration(c.cfg.RetentionSeconds) * time.Second).UnixMilli()
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM queue_messages WHERE queue = ? AND status IN ('acked','failed') AND completed_at IS NOT NULL AND completed_at < ?
	`, c.cfg.Queue, cutoff)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "queue: retention sweep")
	}
	return nil
}

func (c *PushConsumer) selectBatch(ctx context.Context) ([]messageRow, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, body, content_type, attempts, created_at FROM queue_messages
		WHERE queue = ? AND status = 'pending' AND visible_at <= ?
		ORDER BY visible_at ASC LIMIT ?
	`, c.cfg.Queue, c.now().UnixMilli(), c.cfg.MaxBatchSize)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "queue: select batch")
	}
	defer rows.Close()

	var out []messageRow
	for rows.Next() {
		var r messageRow
		if err := rows.Scan(&r.id, &r.body, &r.contentType, &r.attempts, &r.createdAt); err != nil {
			return nil, rterr.Wrap(rterr.Internal, err, "queue: scan batch row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *PushConsumer) incrementAttempts(ctx context.Context, ids []string) error {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf(`UPDATE queue_messages SET attempts = attempts + 1 WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := c.db.ExecContext(ctx, q, args...); err != nil {
		return rterr.Wrap(rterr.Internal, err, "queue: increment attempts")
	}
	return nil
}

func (c *PushConsumer) resolve(ctx context.Context, m *Message, batch *MessageBatch) {
	d := m.decision
	delay := m.retryDelayS
	if d == decisionUnset {
		d = batch.defaultDecision
		delay = batch.defaultDelayS
	}
	if d == decisionUnset {
		d = decisionAck // spec default when neither batch nor message decided is to acknowledge (no-throw path)
	}

	switch d {
	case decisionAck:
		if _, err := c.db.ExecContext(ctx, `
			UPDATE queue_messages SET status = 'acked', completed_at = ? WHERE id = ?
		`, c.now().UnixMilli(), m.ID); err != nil {
			c.log.Error().Err(err).Str("message_id", m.ID).Msg("ack failed")
		}
	case decisionRetry:
		if m.Attempts >= c.cfg.MaxRetries {
			c.routeToDeadLetterOrFail(ctx, m)
			return
		}
		visibleAt := c.now().Add(time.Duration(delay) * time.Second).UnixMilli()
		if _, err := c.db.ExecContext(ctx, `
			UPDATE queue_messages SET visible_at = ? WHERE id = ?
		`, visibleAt, m.ID); err != nil {
			c.log.Error().Err(err).Str("message_id", m.ID).Msg("retry failed")
		}
	}
}

func (c *PushConsumer) routeToDeadLetterOrFail(ctx context.Context, m *Message) {
	if c.cfg.DeadLetterQueue != "" {
		_, err := c.db.ExecContext(ctx, `
			UPDATE queue_messages SET queue = ?, status = 'pending', visible_at = ? WHERE id = ?
		`, c.cfg.DeadLetterQueue, c.now().UnixMilli(), m.ID)
		if err != nil {
			c.log.Error().Err(err).Str("message_id", m.ID).Msg("dead-letter route failed")
			return
		}
		if c.bus != nil {
			c.bus.Emit(events.QueueDeadLetter, "queue", map[string]any{"message_id": m.ID, "from_queue": c.cfg.Queue, "to_queue": c.cfg.DeadLetterQueue})
		}
		return
	}
	if _, err := c.db.ExecContext(ctx, `
		UPDATE queue_messages SET status = 'failed', completed_at = ? WHERE id = ?
	`, c.now().UnixMilli(), m.ID); err != nil {
		c.log.Error().Err(err).Str("message_id", m.ID).Msg("mark failed failed")
	}
}
