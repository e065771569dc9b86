package d1

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/pkg/logger"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := Open(path, "test", logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestExecAndAll_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.Exec(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT); INSERT INTO widgets (name) VALUES ('a')`))

	rows, err := db.Prepare(`SELECT id, name FROM widgets`).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "a", rows[0]["name"])
}

func TestFirst_NoRowsReturnsNil(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.Exec(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`))

	row, err := db.Prepare(`SELECT * FROM widgets WHERE id = ?`).Bind(1).First(ctx)
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestBatch_RollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.Exec(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT UNIQUE)`))

	_, err := db.Batch(ctx, []*Statement{
		db.Prepare(`INSERT INTO widgets (name) VALUES (?)`).Bind("a"),
		db.Prepare(`INSERT INTO widgets (name) VALUES (?)`).Bind("a"), // unique violation
	})
	require.Error(t, err)

	rows, err := db.Prepare(`SELECT * FROM widgets`).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func TestRaw_WithColumnNamesPrependsHeader(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.Exec(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`))
	require.NoError(t, db.Exec(ctx, `INSERT INTO widgets (name) VALUES ('a')`))

	raw, err := db.Prepare(`SELECT id, name FROM widgets`).Raw(ctx, true)
	require.NoError(t, err)
	require.Len(t, raw, 2)
	require.Equal(t, "id", raw[0][0])
	require.Equal(t, "name", raw[0][1])
}
