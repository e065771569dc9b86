package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db.Conn(), "test-ns", logger.NewNop())
}

func TestPutGet_RoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "k", []byte("v1"), PutOptions{}))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))

	require.NoError(t, s.Put(ctx, "k", []byte("v2"), PutOptions{}))
	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
}

func TestGet_MissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	v, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestPut_RejectsShortTTL(t *testing.T) {
	s := newTestStore(t)
	err := s.Put(context.Background(), "k", []byte("v"), PutOptions{ExpirationTTLSeconds: 10})
	require.Error(t, err)
}

func TestGet_ExpiredIsInvisible(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fixed := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.Put(ctx, "k", []byte("v"), PutOptions{ExpirationEpochSeconds: fixed.Unix() - 1}))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestList_OrdersLexicographicallyAndPaginates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, k := range []string{"b", "a", "c", "d"} {
		require.NoError(t, s.Put(ctx, k, []byte(k), PutOptions{}))
	}

	page1, err := s.List(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Entries, 2)
	require.Equal(t, "a", page1.Entries[0].Key)
	require.Equal(t, "b", page1.Entries[1].Key)
	require.False(t, page1.ListComplete)
	require.NotEmpty(t, page1.Cursor)

	page2, err := s.List(ctx, ListOptions{Limit: 2, Cursor: page1.Cursor})
	require.NoError(t, err)
	require.Len(t, page2.Entries, 2)
	require.Equal(t, "c", page2.Entries[0].Key)
	require.Equal(t, "d", page2.Entries[1].Key)
	require.True(t, page2.ListComplete)
}

func TestDelete_RemovesKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, "k", []byte("v"), PutOptions{}))
	require.NoError(t, s.Delete(ctx, "k"))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, v)
}
