package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/pkg/logger"
)

func newTestBinding(t *testing.T, allowed ...string) *Binding {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db.Conn(), "SEND_EMAIL", allowed, logger.NewNop())
}

func TestSend_AllowListRejectsOthers(t *testing.T) {
	b := newTestBinding(t, "ok@example.com")

	require.NoError(t, b.Send(context.Background(), "from@example.com", "ok@example.com", []byte("Subject: hi\r\n\r\nbody")))

	err := b.Send(context.Background(), "from@example.com", "blocked@example.com", []byte("Subject: hi\r\n\r\nbody"))
	require.Error(t, err)
}

func TestParseForwardable_HandlesFoldedHeaders(t *testing.T) {
	raw := []byte("Subject: hello\r\n world\r\nFrom: a@example.com\r\nTo: b@example.com\r\n\r\nbody text\r\n")

	msg, err := ParseForwardable("a@example.com", "b@example.com", raw)
	require.NoError(t, err)
	require.Equal(t, "hello world", msg.Headers.Get("Subject"))
	require.Equal(t, "body text\r\n", string(msg.Body))
}
