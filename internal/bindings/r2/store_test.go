package r2

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db.Conn(), db.R2Dir(), "test-bucket", logger.NewNop())
}

func TestPutGet_RoundTripsBytesAndETag(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	body := []byte("hello r2")
	obj, err := s.Put(ctx, "greeting.txt", bytes.NewReader(body), PutOptions{})
	require.NoError(t, err)

	sum := md5.Sum(body)
	require.Equal(t, hex.EncodeToString(sum[:]), obj.ETag)

	gotMeta, rc, err := s.Get(ctx, "greeting.txt")
	require.NoError(t, err)
	require.NotNil(t, rc)
	defer rc.Close()

	gotBody, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, body, gotBody)
	require.Equal(t, obj.ETag, gotMeta.ETag)
}

func TestGet_MissingReturnsNilNoError(t *testing.T) {
	s := newTestStore(t)
	obj, rc, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, obj)
	require.Nil(t, rc)
}

func TestPut_RejectsPathTraversal(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(context.Background(), "../escape.txt", bytes.NewReader([]byte("x")), PutOptions{})
	require.Error(t, err)
}

func TestDelete_RemovesBlobAndMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Put(ctx, "k", bytes.NewReader([]byte("v")), PutOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "k"))

	obj, rc, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, obj)
	require.Nil(t, rc)
}

func TestList_PrefixAndPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, k := range []string{"a/1", "a/2", "b/1"} {
		_, err := s.Put(ctx, k, bytes.NewReader([]byte(k)), PutOptions{})
		require.NoError(t, err)
	}

	res, err := s.List(ctx, ListOptions{Prefix: "a/"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 2)
}
