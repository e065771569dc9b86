package durableobject

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/aristath/workerbench/internal/rterr"
)

// SQLStorage is one actor instance's private SQLite file (spec.md
// §4.5.3: "storage.sql"), exclusive to (namespace, id) per the isolation
// invariant in §4.5.3.
type SQLStorage struct {
	mu         sync.Mutex
	conn       *sql.DB
	path       string
	rowsRead   int64
	rowsWritten int64
}

func openSQLStorage(path string) (*SQLStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "durableobject: create sql storage dir")
	}
	conn, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "durableobject: open instance sql storage")
	}
	conn.SetMaxOpenConns(1)
	return &SQLStorage{conn: conn, path: path}, nil
}

// Cursor iterates rows from Exec, mirroring spec.md §4.5.3's cursor
// protocol (columnNames, next/for-each, toArray, one, raw).
type Cursor struct {
	columns []string
	rows    [][]any
	pos     int
}

// ColumnNames returns the result's column names.
func (c *Cursor) ColumnNames() []string { return c.columns }

// Next advances the cursor, returning the row as a column→value map, or
// ok=false once exhausted.
func (c *Cursor) Next() (map[string]any, bool) {
	if c.pos >= len(c.rows) {
		return nil, false
	}
	row := c.rows[c.pos]
	c.pos++
	out := make(map[string]any, len(c.columns))
	for i, col := range c.columns {
		out[col] = row[i]
	}
	return out, true
}

// ForEach calls fn for every remaining row.
func (c *Cursor) ForEach(fn func(map[string]any)) {
	for {
		row, ok := c.Next()
		if !ok {
			return
		}
		fn(row)
	}
}

// ToArray materializes every remaining row as column→value maps.
func (c *Cursor) ToArray() []map[string]any {
	var out []map[string]any
	for {
		row, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, row)
	}
}

// One returns the single remaining row, erroring if the result set does
// not contain exactly one row (spec.md §4.5.3: "one() throws if row
// count ≠ 1").
func (c *Cursor) One() (map[string]any, error) {
	if len(c.rows)-c.pos != 1 {
		return nil, rterr.New(rterr.InvalidInput, "durableobject: one() expected exactly 1 row, got %d", len(c.rows)-c.pos)
	}
	row, _ := c.Next()
	return row, nil
}

// Raw returns remaining rows as plain value slices (no column names).
func (c *Cursor) Raw() [][]any {
	out := c.rows[c.pos:]
	c.pos = len(c.rows)
	return out
}

// Exec runs sql with params and returns a Cursor over the result rows.
// Non-SELECT statements return an empty cursor; RowsRead/RowsWritten
// accounting is updated either way.
func (s *SQLStorage) Exec(ctx context.Context, query string, params ...any) (*Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changesBefore int64
	_ = s.conn.QueryRowContext(ctx, "SELECT total_changes()").Scan(&changesBefore)

	rows, err := s.conn.QueryContext(ctx, query, params...)
	if err != nil {
		if res, execErr := s.conn.ExecContext(ctx, query, params...); execErr == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				s.rowsWritten += n
			}
			return &Cursor{}, nil
		}
		return nil, rterr.Wrap(rterr.Internal, err, "durableobject: sql exec")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "durableobject: read columns")
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, rterr.Wrap(rterr.Internal, err, "durableobject: scan sql row")
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "durableobject: iterate sql rows")
	}

	s.rowsRead += int64(len(out))
	if len(cols) == 0 {
		// A statement without result columns ran through QueryContext; count
		// the rows it changed. rows must be closed first to free the single
		// pooled connection.
		rows.Close()
		var changesAfter int64
		if err := s.conn.QueryRowContext(ctx, "SELECT total_changes()").Scan(&changesAfter); err == nil && changesAfter > changesBefore {
			s.rowsWritten += changesAfter - changesBefore
		}
	}
	return &Cursor{columns: cols, rows: out}, nil
}

// RowsRead and RowsWritten report cumulative accounting for this storage
// instance (spec.md §4.5.3).
func (s *SQLStorage) RowsRead() int64 { s.mu.Lock(); defer s.mu.Unlock(); return s.rowsRead }
func (s *SQLStorage) RowsWritten() int64 { s.mu.Lock(); defer s.mu.Unlock(); return s.rowsWritten }

// DatabaseSize reports the on-disk file size in bytes.
func (s *SQLStorage) DatabaseSize() int64 {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (s *SQLStorage) close() error {
	return s.conn.Close()
}
