// Package d1 implements the D1 binding (spec.md §4.3): a relational
// database binding backed by its own SQLite file at
// {dataDir}/d1/{databaseName}.sqlite, distinct from the shared
// data.sqlite the other bindings use.
package d1

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"

	"github.com/aristath/workerbench/internal/rterr"
)

// Database is one D1 database handle.
type Database struct {
	conn *sql.DB
	name string
	log  zerolog.Logger
}

// Open opens (creating if absent) the D1 database file at path.
func Open(path, name string, log zerolog.Logger) (*Database, error) {
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "d1: open %s", name)
	}
	conn.SetMaxOpenConns(1)
	return &Database{conn: conn, name: name, log: log.With().Str("component", "d1").Str("database", name).Logger()}, nil
}

// Close closes the underlying connection.
func (d *Database) Close() error { return d.conn.Close() }

// Statement is a prepared query awaiting bound parameters.
type Statement struct {
	db   *Database
	sql  string
	args []any
}

// Prepare begins building a statement. Mirrors D1's prepare().bind() chain.
func (d *Database) Prepare(query string) *Statement {
	return &Statement{db: d, sql: query}
}

// Bind attaches positional parameters to the statement.
func (s *Statement) Bind(args ...any) *Statement {
	s.args = args
	return s
}

// Row is a single result row keyed by column name.
type Row map[string]any

// First runs the statement and returns the first row, or nil if there were
// no results.
func (s *Statement) First(ctx context.Context) (Row, error) {
	rows, err := s.db.conn.QueryContext(ctx, s.sql, s.args...)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "d1: query")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	return scanRow(rows)
}

// Result is the outcome of a mutating statement.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Run executes the statement for its side effects.
func (s *Statement) Run(ctx context.Context) (*Result, error) {
	res, err := s.db.conn.ExecContext(ctx, s.sql, s.args...)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "d1: exec")
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return &Result{RowsAffected: affected, LastInsertID: lastID}, nil
}

// All runs the statement and returns every result row.
func (s *Statement) All(ctx context.Context) ([]Row, error) {
	rows, err := s.db.conn.QueryContext(ctx, s.sql, s.args...)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "d1: query")
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Raw runs the statement and returns rows as positional value slices. When
// columnNames is true the first returned slice is the column-name header.
func (s *Statement) Raw(ctx context.Context, columnNames bool) ([][]any, error) {
	rows, err := s.db.conn.QueryContext(ctx, s.sql, s.args...)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "d1: query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "d1: columns")
	}

	var out [][]any
	if columnNames {
		header := make([]any, len(cols))
		for i, c := range cols {
			header[i] = c
		}
		out = append(out, header)
	}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, rterr.Wrap(rterr.Internal, err, "d1: scan")
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

func scanRow(rows *sql.Rows) (Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "d1: columns")
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "d1: scan")
	}
	row := make(Row, len(cols))
	for i, c := range cols {
		row[c] = vals[i]
	}
	return row, nil
}

// Batch runs every statement inside a single transaction, rolling back all
// of them if any one fails (spec.md §4.3).
func (d *Database) Batch(ctx context.Context, stmts []*Statement) ([]*Result, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "d1: begin batch")
	}

	results := make([]*Result, 0, len(stmts))
	for _, stmt := range stmts {
		res, err := tx.ExecContext(ctx, stmt.sql, stmt.args...)
		if err != nil {
			tx.Rollback()
			return nil, rterr.Wrap(rterr.Internal, err, "d1: batch statement failed")
		}
		affected, _ := res.RowsAffected()
		lastID, _ := res.LastInsertId()
		results = append(results, &Result{RowsAffected: affected, LastInsertID: lastID})
	}

	if err := tx.Commit(); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "d1: commit batch")
	}
	return results, nil
}

// Exec splits sql on `;` and executes each non-empty statement in order,
// mirroring D1's multi-statement exec().
func (d *Database) Exec(ctx context.Context, sqlText string) error {
	for _, stmt := range strings.Split(sqlText, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.conn.ExecContext(ctx, stmt); err != nil {
			return rterr.Wrap(rterr.Internal, err, "d1: exec statement %q", stmt)
		}
	}
	return nil
}
