package database

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesSubdirsAndSchema(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Conn().Exec(`INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)`, "ns", "k", []byte("v"))
	require.NoError(t, err)

	var value []byte
	err = db.Conn().QueryRow(`SELECT value FROM kv WHERE namespace = ? AND key = ?`, "ns", "k").Scan(&value)
	require.NoError(t, err)
	require.Equal(t, "v", string(value))
}

func TestOpen_IsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	require.NoError(t, err)
	db1.Close()

	db2, err := Open(dir)
	require.NoError(t, err)
	defer db2.Close()
}

func TestDOSQLPath_IsolatesPerInstance(t *testing.T) {
	db, err := OpenMemory("path_test")
	require.NoError(t, err)
	defer db.Close()

	a := db.DOSQLPath("Counter", "id-a")
	b := db.DOSQLPath("Counter", "id-b")
	require.NotEqual(t, a, b)
}
