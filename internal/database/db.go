// Package database provides the shared SQLite handle and data-directory
// layout for every binding in the runtime (spec.md §4.1).
//
// It owns one connection to {dataDir}/data.sqlite (WAL journal mode),
// runs the embedded schema idempotently on open, and creates the
// subdirectories other bindings write blobs and per-binding database
// files into. Callers never build these paths themselves; they ask this
// package for them.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no cgo dependency
)

//go:embed schemas/*.sql
var schemaFiles embed.FS

// DB wraps the shared SQLite connection plus the data directory it lives in.
type DB struct {
	conn    *sql.DB
	path    string
	dataDir string
}

// Open creates (if needed) dataDir and its binding subdirectories, opens
// data.sqlite in WAL mode, and applies the embedded schema.
func Open(dataDir string) (*DB, error) {
	absDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	for _, sub := range []string{"", "r2", "d1", "do-sql"} {
		if err := os.MkdirAll(filepath.Join(absDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create data subdir %s: %w", sub, err)
		}
	}

	dbPath := filepath.Join(absDir, "data.sqlite")
	connStr := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open data.sqlite: %w", err)
	}
	// SQLite only tolerates one writer; the shared handle is single-connection
	// so that the runtime's own lock discipline (instance locks, transactions)
	// is the only thing serializing writes, not a pool racing itself.
	conn.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping data.sqlite: %w", err)
	}

	db := &DB{conn: conn, path: dbPath, dataDir: absDir}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens an in-memory, schema-migrated database for tests. name
// is the shared-cache key: calls with distinct names (e.g. t.Name()) get
// isolated databases, while calls with the same name share one.
func OpenMemory(name string) (*DB, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(ON)", name)
	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	conn.SetMaxOpenConns(1)

	tmp, err := os.MkdirTemp("", "workerbench-test-*")
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"r2", "d1", "do-sql"} {
		if err := os.MkdirAll(filepath.Join(tmp, sub), 0o755); err != nil {
			return nil, err
		}
	}

	db := &DB{conn: conn, path: connStr, dataDir: tmp}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	entries, err := schemaFiles.ReadDir("schemas")
	if err != nil {
		return fmt.Errorf("read embedded schemas: %w", err)
	}
	for _, entry := range entries {
		raw, err := schemaFiles.ReadFile(filepath.Join("schemas", entry.Name()))
		if err != nil {
			return fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		if _, err := db.conn.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("apply schema %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Conn returns the shared *sql.DB handle. Bindings issue their statements
// directly against it; SQLite's own locking plus the single-connection
// pool above serializes concurrent writers.
func (db *DB) Conn() *sql.DB { return db.conn }

// DataDir returns the absolute data directory root.
func (db *DB) DataDir() string { return db.dataDir }

// R2Dir returns {dataDir}/r2. It does not create the directory; Open and
// OpenMemory do.
func (db *DB) R2Dir() string { return filepath.Join(db.dataDir, "r2") }

// D1Path returns the path a named D1 database's own SQLite file should
// live at: {dataDir}/d1/{name}.sqlite.
func (db *DB) D1Path(name string) string {
	return filepath.Join(db.dataDir, "d1", name+".sqlite")
}

// DOSQLPath returns the path a durable object instance's private SQL
// storage file should live at: {dataDir}/do-sql/{className}/{id}.sqlite.
func (db *DB) DOSQLPath(className, id string) string {
	return filepath.Join(db.dataDir, "do-sql", className, id+".sqlite")
}

// Close closes the shared connection.
func (db *DB) Close() error { return db.conn.Close() }

// Stats reports on-disk size information for the shared database file,
// mirroring the teacher's per-database GetStats() (expansion: diagnostics).
type Stats struct {
	SizeBytes     int64
	WALSizeBytes  int64
	PageCount     int64
	PageSize      int64
	FreelistCount int64
}

// GetStats retrieves file-size and page-accounting statistics for the
// shared database, used by internal/diagnostics.
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{}
	if fi, err := os.Stat(db.path); err == nil {
		stats.SizeBytes = fi.Size()
	}
	if fi, err := os.Stat(db.path + "-wal"); err == nil {
		stats.WALSizeBytes = fi.Size()
	}
	if err := db.conn.QueryRow("PRAGMA page_count").Scan(&stats.PageCount); err != nil {
		return nil, fmt.Errorf("page_count: %w", err)
	}
	if err := db.conn.QueryRow("PRAGMA page_size").Scan(&stats.PageSize); err != nil {
		return nil, fmt.Errorf("page_size: %w", err)
	}
	if err := db.conn.QueryRow("PRAGMA freelist_count").Scan(&stats.FreelistCount); err != nil {
		return nil, fmt.Errorf("freelist_count: %w", err)
	}
	return stats, nil
}
