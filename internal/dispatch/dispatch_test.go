package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/config"
	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/events"
	"github.com/aristath/workerbench/internal/exectx"
	"github.com/aristath/workerbench/internal/generation"
	"github.com/aristath/workerbench/internal/queue"
	"github.com/aristath/workerbench/internal/servicebinding"
	"github.com/aristath/workerbench/pkg/logger"
)

type stubHandler struct {
	scheduledCalls int
	emailCalls     int
}

func (h *stubHandler) Fetch(ctx context.Context, ectx *exectx.Context, env *generation.Env, req *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func (h *stubHandler) Scheduled(ctx context.Context, ectx *exectx.Context, env *generation.Env, cronExpr string, scheduledTime time.Time) error {
	h.scheduledCalls++
	return nil
}

func (h *stubHandler) Email(ctx context.Context, ectx *exectx.Context, env *generation.Env, from, to string, raw []byte) error {
	h.emailCalls++
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *database.DB, *stubHandler) {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{Vars: map[string]string{}}
	bus := events.NewBus(logger.NewNop())
	registry := servicebinding.NewRegistry()
	mgr := generation.NewManager(db, cfg, bus, registry, logger.NewNop())

	h := &stubHandler{}
	_, err = mgr.Reload(context.Background(), &generation.Module{Handler: h}, "")
	require.NoError(t, err)

	d := New(db, mgr, nil, false, logger.NewNop())
	return d, db, h
}

func TestDispatcher_FallbackReachesActiveGeneration(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	router := d.Router()

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDispatcher_ScheduledTriggersHandler(t *testing.T) {
	d, _, h := newTestDispatcher(t)
	router := d.Router()

	req := httptest.NewRequest(http.MethodGet, "/cdn-cgi/handler/scheduled?cron=0+0+*+*+*", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, h.scheduledCalls)
}

func TestDispatcher_EmailForwardsToHandler(t *testing.T) {
	d, _, h := newTestDispatcher(t)
	router := d.Router()

	body := []byte("Subject: hi\r\nFrom: a@example.com\r\nTo: b@example.com\r\n\r\nbody text\r\n")
	req := httptest.NewRequest(http.MethodPost, "/cdn-cgi/handler/email?from=a@example.com&to=b@example.com", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, h.emailCalls)
}

func TestDispatcher_QueuePullAndAckRoundTrip(t *testing.T) {
	d, db, _ := newTestDispatcher(t)
	router := d.Router()

	producer := queue.NewProducer(db.Conn(), "my-queue", logger.NewNop())
	err := producer.Send(context.Background(), queue.SendOptions{Body: map[string]string{"hello": "world"}})
	require.NoError(t, err)

	pullReq := httptest.NewRequest(http.MethodPost, "/cdn-cgi/handler/queues/my-queue/messages/pull", bytes.NewReader([]byte(`{"batch_size":10}`)))
	pullRec := httptest.NewRecorder()
	router.ServeHTTP(pullRec, pullReq)
	require.Equal(t, http.StatusOK, pullRec.Code)

	var pullResp struct {
		Messages []pullMessageJSON `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(pullRec.Body.Bytes(), &pullResp))
	require.Len(t, pullResp.Messages, 1)

	ackBody, err := json.Marshal(map[string]any{
		"acks": []map[string]string{{"lease_id": pullResp.Messages[0].LeaseID}},
	})
	require.NoError(t, err)
	ackReq := httptest.NewRequest(http.MethodPost, "/cdn-cgi/handler/queues/my-queue/messages/ack", bytes.NewReader(ackBody))
	ackRec := httptest.NewRecorder()
	router.ServeHTTP(ackRec, ackReq)
	require.Equal(t, http.StatusOK, ackRec.Code)

	var ackResp struct {
		Acked int `json:"acked"`
	}
	require.NoError(t, json.Unmarshal(ackRec.Body.Bytes(), &ackResp))
	require.Equal(t, 1, ackResp.Acked)
}
