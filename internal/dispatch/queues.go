package dispatch

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/queue"
)

// pullConsumers lazily builds and caches one queue.PullConsumer per
// queue name, shared across requests — pull/ack is an external-caller
// surface (spec.md §6), not tied to any generation's push consumers.
type pullConsumers struct {
	db  *database.DB
	log zerolog.Logger

	mu     sync.Mutex
	byName map[string]*queue.PullConsumer
}

func newPullConsumers(db *database.DB, log zerolog.Logger) *pullConsumers {
	return &pullConsumers{db: db, log: log, byName: make(map[string]*queue.PullConsumer)}
}

func (p *pullConsumers) get(name string) *queue.PullConsumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.byName[name]; ok {
		return c
	}
	c := queue.NewPullConsumer(p.db.Conn(), queue.PullConsumerConfig{Queue: name}, p.log)
	p.byName[name] = c
	return c
}

type pullMessageJSON struct {
	LeaseID   string `json:"lease_id"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Body      any    `json:"body"`
	Attempts  int    `json:"attempts"`
}

// handleQueuePull implements POST /cdn-cgi/handler/queues/{queue}/messages/pull
// (spec.md §6). v8-content-type messages are filtered out of the
// response per spec.md §6's wire-format note.
func (d *Dispatcher) handleQueuePull(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	var body struct {
		BatchSize int `json:"batch_size"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	consumer := d.pulls.get(queueName)
	msgs, err := consumer.Pull(r.Context(), body.BatchSize)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]pullMessageJSON, 0, len(msgs))
	for _, m := range msgs {
		if m.ContentType == queue.ContentV8 {
			continue
		}
		out = append(out, pullMessageJSON{
			LeaseID:   m.LeaseID,
			ID:        m.ID,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
			Body:      m.Body,
			Attempts:  m.Attempts,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type ackRequest struct {
	Acks []struct {
		LeaseID string `json:"lease_id"`
	} `json:"acks"`
	Retries []struct {
		LeaseID      string `json:"lease_id"`
		DelaySeconds int64  `json:"delay_seconds"`
	} `json:"retries"`
}

// handleQueueAck implements POST /cdn-cgi/handler/queues/{queue}/messages/ack
// (spec.md §6).
func (d *Dispatcher) handleQueueAck(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	consumer := d.pulls.get(queueName)
	acked, retried := 0, 0
	for _, a := range req.Acks {
		if err := consumer.AckLease(r.Context(), a.LeaseID); err != nil {
			d.log.Warn().Err(err).Str("lease_id", a.LeaseID).Msg("ack failed")
			continue
		}
		acked++
	}
	for _, rt := range req.Retries {
		if err := consumer.RetryLease(r.Context(), rt.LeaseID, rt.DelaySeconds); err != nil {
			d.log.Warn().Err(err).Str("lease_id", rt.LeaseID).Msg("retry failed")
			continue
		}
		retried++
	}
	writeJSON(w, http.StatusOK, map[string]any{"acked": acked, "retried": retried})
}
