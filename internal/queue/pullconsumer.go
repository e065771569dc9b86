package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/rterr"
)

// DefaultVisibilityTimeout is how long a pulled message stays leased
// before it is eligible to be pulled again (spec.md §4.4.3).
const DefaultVisibilityTimeout = 30 * time.Second

// MaxPullBatchSize caps messages returned by a single Pull call.
const MaxPullBatchSize = 100

// PulledMessage is one leased message returned from Pull.
type PulledMessage struct {
	ID          string
	Body        any
	ContentType ContentType
	Timestamp   time.Time
	Attempts    int
	LeaseID     string
}

// PullConsumerConfig configures a PullConsumer.
type PullConsumerConfig struct {
	Queue             string
	MaxRetries        int
	DeadLetterQueue   string
	VisibilityTimeout time.Duration
}

// PullConsumer implements the lease/ack surface for pull-based consumption
// (spec.md §4.4.3). Leases live in queue_leases, separate from the
// message row itself, so an expired lease simply stops excluding the
// message from the next Pull's visibility check.
type PullConsumer struct {
	db               *sql.DB
	queue            string
	maxRetries       int
	deadLetterQueue  string
	visibilityWindow time.Duration
	log              zerolog.Logger
	now              func() time.Time
}

// NewPullConsumer creates a PullConsumer bound to cfg.Queue.
func NewPullConsumer(db *sql.DB, cfg PullConsumerConfig, log zerolog.Logger) *PullConsumer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return &PullConsumer{
		db:               db,
		queue:            cfg.Queue,
		maxRetries:       cfg.MaxRetries,
		deadLetterQueue:  cfg.DeadLetterQueue,
		visibilityWindow: cfg.VisibilityTimeout,
		log:              log.With().Str("component", "queue-pull-consumer").Str("queue", cfg.Queue).Logger(),
		now:              time.Now,
	}
}

// Pull leases up to batchSize pending messages that are neither delayed
// nor currently held by an unexpired lease. The candidate select, expired
// lease sweep, attempt increment, and new lease insert all happen inside
// one transaction (spec.md §4.4.3: "single-transaction lease").
func (p *PullConsumer) Pull(ctx context.Context, batchSize int) ([]PulledMessage, error) {
	if batchSize <= 0 || batchSize > MaxPullBatchSize {
		batchSize = MaxPullBatchSize
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "queue: begin pull")
	}
	defer tx.Rollback()

	now := p.now()
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_leases WHERE queue = ? AND expires_at <= ?`, p.queue, now.UnixMilli()); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "queue: sweep expired leases")
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT qm.id, qm.body, qm.content_type, qm.attempts, qm.created_at FROM queue_messages qm
		WHERE qm.queue = ? AND qm.status = 'pending' AND qm.visible_at <= ?
		AND NOT EXISTS (SELECT 1 FROM queue_leases ql WHERE ql.message_id = qm.id)
		ORDER BY qm.visible_at ASC LIMIT ?
	`, p.queue, now.UnixMilli(), batchSize)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "queue: select pull batch")
	}

	var staged []messageRow
	for rows.Next() {
		var r messageRow
		if err := rows.Scan(&r.id, &r.body, &r.contentType, &r.attempts, &r.createdAt); err != nil {
			rows.Close()
			return nil, rterr.Wrap(rterr.Internal, err, "queue: scan pull row")
		}
		staged = append(staged, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "queue: iterate pull rows")
	}
	if len(staged) == 0 {
		return nil, tx.Commit()
	}

	leaseUntil := now.Add(p.visibilityWindow).UnixMilli()
	out := make([]PulledMessage, 0, len(staged))
	for _, r := range staged {
		leaseID, err := uuid.NewV7()
		if err != nil {
			return nil, rterr.Wrap(rterr.Internal, err, "queue: generate lease id")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_leases (lease_id, message_id, queue, expires_at) VALUES (?, ?, ?, ?)
		`, leaseID.String(), r.id, p.queue, leaseUntil); err != nil {
			return nil, rterr.Wrap(rterr.Internal, err, "queue: insert lease")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE queue_messages SET attempts = attempts + 1 WHERE id = ?`, r.id); err != nil {
			return nil, rterr.Wrap(rterr.Internal, err, "queue: increment pull attempt")
		}
		body, decodeErr := Decode(ContentType(r.contentType), r.body)
		if decodeErr != nil {
			p.log.Error().Err(decodeErr).Str("message_id", r.id).Msg("decode failed")
		}
		out = append(out, PulledMessage{
			ID:          r.id,
			Body:        body,
			ContentType: ContentType(r.contentType),
			Timestamp:   time.UnixMilli(r.createdAt),
			Attempts:    r.attempts + 1,
			LeaseID:     leaseID.String(),
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "queue: commit pull lease")
	}
	return out, nil
}

// Ack deletes a leased message and its lease. A lease that has already
// expired (and been swept or re-leased) cannot ack the message.
func (p *PullConsumer) Ack(ctx context.Context, id, leaseID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "queue: begin ack")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM queue_leases WHERE lease_id = ? AND message_id = ? AND queue = ? AND expires_at > ?
	`, leaseID, id, p.queue, p.now().UnixMilli())
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "queue: delete lease")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return rterr.New(rterr.NotFound, "queue: message %s not leased under %s", id, leaseID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ? AND queue = ?`, id, p.queue); err != nil {
		return rterr.Wrap(rterr.Internal, err, "queue: delete acked message")
	}
	return tx.Commit()
}

// messageIDForLease resolves a lease_id to its message_id, used by the
// AckLease/RetryLease wrappers since the ack wire format (spec.md §6)
// carries only the lease id.
func (p *PullConsumer) messageIDForLease(ctx context.Context, leaseID string) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `
		SELECT message_id FROM queue_leases WHERE lease_id = ? AND queue = ? AND expires_at > ?
	`, leaseID, p.queue, p.now().UnixMilli()).Scan(&id)
	if err == sql.ErrNoRows {
		return "", rterr.New(rterr.NotFound, "queue: lease %s not found", leaseID)
	}
	if err != nil {
		return "", rterr.Wrap(rterr.Internal, err, "queue: lookup lease %s", leaseID)
	}
	return id, nil
}

// AckLease acks the message held under leaseID.
func (p *PullConsumer) AckLease(ctx context.Context, leaseID string) error {
	id, err := p.messageIDForLease(ctx, leaseID)
	if err != nil {
		return err
	}
	return p.Ack(ctx, id, leaseID)
}

// RetryLease retries the message held under leaseID, optionally delaying
// its next visibility by delaySeconds (spec.md §6: "retries?:
// [{lease_id, delay_seconds?}]").
func (p *PullConsumer) RetryLease(ctx context.Context, leaseID string, delaySeconds int64) error {
	id, err := p.messageIDForLease(ctx, leaseID)
	if err != nil {
		return err
	}
	if err := p.Retry(ctx, id, leaseID); err != nil {
		return err
	}
	if delaySeconds > 0 {
		visibleAt := p.now().Add(time.Duration(delaySeconds) * time.Second).UnixMilli()
		if _, err := p.db.ExecContext(ctx, `UPDATE queue_messages SET visible_at = ? WHERE id = ? AND queue = ? AND status = 'pending'`, visibleAt, id, p.queue); err != nil {
			return rterr.Wrap(rterr.Internal, err, "queue: apply retry delay")
		}
	}
	return nil
}

// Retry releases a leased message back to pending immediately, or routes
// it to the dead-letter queue / marks it failed once attempts reach the
// configured maximum.
func (p *PullConsumer) Retry(ctx context.Context, id, leaseID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "queue: begin retry")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM queue_leases WHERE lease_id = ? AND message_id = ? AND queue = ? AND expires_at > ?
	`, leaseID, id, p.queue, p.now().UnixMilli())
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "queue: delete lease")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return rterr.New(rterr.NotFound, "queue: message %s not leased under %s", id, leaseID)
	}

	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT attempts FROM queue_messages WHERE id = ? AND queue = ?`, id, p.queue).Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return rterr.New(rterr.NotFound, "queue: message %s not found", id)
		}
		return rterr.Wrap(rterr.Internal, err, "queue: lookup message attempts")
	}

	if attempts >= p.maxRetries {
		if p.deadLetterQueue != "" {
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_messages SET queue = ?, status = 'pending', visible_at = ? WHERE id = ?
			`, p.deadLetterQueue, p.now().UnixMilli(), id)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_messages SET status = 'failed', completed_at = ? WHERE id = ?
			`, p.now().UnixMilli(), id)
		}
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE queue_messages SET visible_at = ? WHERE id = ?`, p.now().UnixMilli(), id)
	}
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "queue: retry message")
	}
	return tx.Commit()
}
