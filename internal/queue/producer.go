package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/rterr"
)

const (
	// MaxMessageBytes is the per-message encoded-body size limit (spec.md §4.4.1).
	MaxMessageBytes = 128 * 1024
	// MaxBatchMessages is the per-sendBatch message count limit.
	MaxBatchMessages = 100
	// MaxBatchBytes is the per-sendBatch total encoded-body size limit.
	MaxBatchBytes = 256 * 1024
	// MaxDelaySeconds is the largest delaySeconds a send may request.
	MaxDelaySeconds = 43200
)

// SendOptions configures one message send.
type SendOptions struct {
	ContentType  ContentType
	DelaySeconds int64
	Body         any
}

// Producer sends messages onto one named queue.
type Producer struct {
	db    *sql.DB
	queue string
	log   zerolog.Logger
	now   func() time.Time
}

// NewProducer creates a Producer bound to queue.
func NewProducer(db *sql.DB, queueName string, log zerolog.Logger) *Producer {
	return &Producer{
		db:    db,
		queue: queueName,
		log:   log.With().Str("component", "queue-producer").Str("queue", queueName).Logger(),
		now:   time.Now,
	}
}

func validateDelay(delay int64) error {
	if delay < 0 || delay > MaxDelaySeconds {
		return rterr.New(rterr.InvalidInput, "queue: delaySeconds must be within [0, %d]", MaxDelaySeconds)
	}
	return nil
}

// Send enqueues a single message.
func (p *Producer) Send(ctx context.Context, opts SendOptions) error {
	if opts.ContentType == "" {
		opts.ContentType = ContentJSON
	}
	if err := validateDelay(opts.DelaySeconds); err != nil {
		return err
	}

	encoded, err := Encode(opts.ContentType, opts.Body)
	if err != nil {
		return err
	}
	if len(encoded) > MaxMessageBytes {
		return rterr.New(rterr.InvalidInput, "queue: message body %d bytes exceeds %d", len(encoded), MaxMessageBytes)
	}

	return p.insert(ctx, p.db, opts.ContentType, opts.DelaySeconds, encoded)
}

// SendBatch enqueues multiple messages atomically: either all are
// inserted or none are (spec.md §5: "Batch send is atomic").
func (p *Producer) SendBatch(ctx context.Context, batch []SendOptions) error {
	if len(batch) > MaxBatchMessages {
		return rterr.New(rterr.InvalidInput, "queue: batch of %d exceeds %d messages", len(batch), MaxBatchMessages)
	}

	type encodedMsg struct {
		contentType ContentType
		delay       int64
		body        []byte
	}
	encodedMsgs := make([]encodedMsg, 0, len(batch))
	totalBytes := 0
	for _, opts := range batch {
		if opts.ContentType == "" {
			opts.ContentType = ContentJSON
		}
		if err := validateDelay(opts.DelaySeconds); err != nil {
			return err
		}
		encoded, err := Encode(opts.ContentType, opts.Body)
		if err != nil {
			return err
		}
		if len(encoded) > MaxMessageBytes {
			return rterr.New(rterr.InvalidInput, "queue: message body %d bytes exceeds %d", len(encoded), MaxMessageBytes)
		}
		totalBytes += len(encoded)
		encodedMsgs = append(encodedMsgs, encodedMsg{opts.ContentType, opts.DelaySeconds, encoded})
	}
	if totalBytes > MaxBatchBytes {
		return rterr.New(rterr.InvalidInput, "queue: batch total %d bytes exceeds %d", totalBytes, MaxBatchBytes)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "queue: begin batch send")
	}
	for _, m := range encodedMsgs {
		if err := p.insert(ctx, tx, m.contentType, m.delay, m.body); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return rterr.Wrap(rterr.Internal, err, "queue: commit batch send")
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *Producer) insert(ctx context.Context, ex execer, contentType ContentType, delaySeconds int64, body []byte) error {
	now := p.now()
	id, err := uuid.NewV7()
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "queue: generate message id")
	}
	visibleAt := now.Add(time.Duration(delaySeconds) * time.Second).UnixMilli()

	_, err = ex.ExecContext(ctx, `
		INSERT INTO queue_messages (id, queue, body, content_type, attempts, visible_at, created_at, status)
		VALUES (?, ?, ?, ?, 0, ?, ?, 'pending')
	`, id.String(), p.queue, body, string(contentType), visibleAt, now.UnixMilli())
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "queue: insert message")
	}
	return nil
}
