// Package email implements the Email binding (spec.md §4.3): persists
// sent messages, enforces a destination allow-list on the send path, and
// parses inbound RFC-5322 messages (including header continuation lines)
// for the `email` handler.
package email

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/rterr"
)

// Status is the outcome recorded for a persisted message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusForwarded Status = "forwarded"
	StatusRejected  Status = "rejected"
)

// Binding is a send-email binding scoped to an allow-list of destinations.
type Binding struct {
	db      *sql.DB
	name    string
	allowed map[string]bool
	log     zerolog.Logger
	now     func() time.Time
}

// New creates a send-email Binding. An empty allowedDestinations means
// "allow any destination" — callers that want a restrictive binding
// should always pass a non-empty list.
func New(db *sql.DB, name string, allowedDestinations []string, log zerolog.Logger) *Binding {
	allowed := make(map[string]bool, len(allowedDestinations))
	for _, d := range allowedDestinations {
		allowed[d] = true
	}
	return &Binding{db: db, name: name, allowed: allowed, log: log.With().Str("component", "email").Str("binding", name).Logger(), now: time.Now}
}

// Send persists a raw RFC-5322 message as sent, rejecting destinations not
// on the allow-list (when one is configured).
func (b *Binding) Send(ctx context.Context, from, to string, raw []byte) error {
	status := StatusSent
	var reason sql.NullString

	if len(b.allowed) > 0 && !b.allowed[to] {
		status = StatusRejected
		reason = sql.NullString{String: fmt.Sprintf("destination %s not in allow-list", to), Valid: true}
	}

	if err := b.persist(ctx, from, to, raw, status, reason); err != nil {
		return err
	}

	if status == StatusRejected {
		return rterr.New(rterr.InvalidInput, "email: %s", reason.String)
	}
	return nil
}

// RecordForwarded persists an inbound message that was routed to the
// `email` handler, so it shows up in the same audit log as sent mail.
func (b *Binding) RecordForwarded(ctx context.Context, from, to string, raw []byte) error {
	return b.persist(ctx, from, to, raw, StatusForwarded, sql.NullString{})
}

func (b *Binding) persist(ctx context.Context, from, to string, raw []byte, status Status, reason sql.NullString) error {
	id := uuid.NewString()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO email_messages (id, binding, sender, recipient, raw, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, b.name, from, to, raw, string(status), reason, b.now().UnixMilli())
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "email: persist message")
	}
	return nil
}

// ForwardableMessage is an inbound message made available to the `email`
// handler, with headers parsed per RFC 5322 (continuation lines folded).
type ForwardableMessage struct {
	From    string
	To      string
	Headers mail.Header
	Body    []byte
}

// ParseForwardable parses raw RFC-5322 bytes (as delivered to
// /cdn-cgi/handler/email) into a ForwardableMessage. net/mail's header
// reader already implements RFC 5322 folded-header continuation, so no
// hand-rolled unfolding is needed here.
func ParseForwardable(from, to string, raw []byte) (*ForwardableMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, rterr.Wrap(rterr.InvalidInput, err, "email: parse RFC-5322 message")
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "email: read message body")
	}
	return &ForwardableMessage{From: from, To: to, Headers: msg.Header, Body: body}, nil
}
