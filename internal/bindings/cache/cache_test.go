package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/pkg/logger"
)

func newTestCache(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db.Conn(), "default", logger.NewNop())
}

func TestPutMatch_RoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestCache(t)

	resp := &Response{Status: 200, Headers: http.Header{"Content-Type": {"text/plain"}}, Body: []byte("hi")}
	require.NoError(t, s.Put(ctx, "https://example.com/a", resp))

	got, err := s.Match(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 200, got.Status)
	require.Equal(t, "hi", string(got.Body))
}

func TestMatch_MissingReturnsNil(t *testing.T) {
	s := newTestCache(t)
	got, err := s.Match(context.Background(), "https://example.com/missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPut_ExpiresViaMaxAge(t *testing.T) {
	ctx := context.Background()
	s := newTestCache(t)
	fixed := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return fixed }

	resp := &Response{Status: 200, Headers: http.Header{"Cache-Control": {"max-age=1"}}, Body: []byte("x")}
	require.NoError(t, s.Put(ctx, "https://example.com/b", resp))

	s.now = func() time.Time { return fixed.Add(2 * time.Second) }
	got, err := s.Match(ctx, "https://example.com/b")
	require.NoError(t, err)
	require.Nil(t, got)
}
