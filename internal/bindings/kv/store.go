// Package kv implements the KV binding (spec.md §4.3): a persistent,
// namespaced key/value store with optional metadata and expiration,
// backed by the shared SQLite database's kv table.
package kv

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/rterr"
)

// MinExpirationTTL is the minimum relative TTL, in seconds, spec.md §4.3
// accepts for expirationTtl.
const MinExpirationTTL = 60

// PutOptions configures a Put call.
type PutOptions struct {
	// ExpirationEpochSeconds, if non-zero, is an absolute expiry time.
	ExpirationEpochSeconds int64
	// ExpirationTTLSeconds, if non-zero, is a relative expiry; must be >= MinExpirationTTL.
	ExpirationTTLSeconds int64
	Metadata             []byte // pre-serialized JSON, or nil
}

// Entry is a single KV row as returned by Get/List.
type Entry struct {
	Key       string
	Value     []byte
	Metadata  []byte
	ExpiresAt *int64
}

// Store is a KV namespace handle.
type Store struct {
	db        *sql.DB
	namespace string
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a Store bound to namespace over db.
func New(db *sql.DB, namespace string, log zerolog.Logger) *Store {
	return &Store{
		db:        db,
		namespace: namespace,
		log:       log.With().Str("component", "kv").Str("namespace", namespace).Logger(),
		now:       time.Now,
	}
}

// Put writes key=value, replacing any prior entry.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	var expiresAt sql.NullInt64
	switch {
	case opts.ExpirationEpochSeconds != 0 && opts.ExpirationTTLSeconds != 0:
		return rterr.New(rterr.InvalidInput, "kv: specify either expiration or expirationTtl, not both")
	case opts.ExpirationTTLSeconds != 0:
		if opts.ExpirationTTLSeconds < MinExpirationTTL {
			return rterr.New(rterr.InvalidInput, "kv: expirationTtl must be >= %d seconds", MinExpirationTTL)
		}
		expiresAt = sql.NullInt64{Int64: s.now().Unix() + opts.ExpirationTTLSeconds, Valid: true}
	case opts.ExpirationEpochSeconds != 0:
		expiresAt = sql.NullInt64{Int64: opts.ExpirationEpochSeconds, Valid: true}
	}

	var metadata sql.NullString
	if opts.Metadata != nil {
		metadata = sql.NullString{String: string(opts.Metadata), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value, metadata, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value, metadata = excluded.metadata, expires_at = excluded.expires_at
	`, s.namespace, key, value, metadata, expiresAt)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "kv: put %s", key)
	}
	return nil
}

// Get returns the value for key, or (nil, nil) if absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.GetWithMetadata(ctx, key)
	if err != nil || entry == nil {
		return nil, err
	}
	return entry.Value, nil
}

// GetWithMetadata returns the full entry for key, or nil if absent/expired.
func (s *Store) GetWithMetadata(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT value, metadata, expires_at FROM kv WHERE namespace = ? AND key = ?
	`, s.namespace, key)

	var value []byte
	var metadata sql.NullString
	var expiresAt sql.NullInt64
	if err := row.Scan(&value, &metadata, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, rterr.Wrap(rterr.Internal, err, "kv: get %s", key)
	}

	if expiresAt.Valid && expiresAt.Int64 <= s.now().Unix() {
		// Expired entries are invisible to reads even before the sweep runs.
		return nil, nil
	}

	entry := &Entry{Key: key, Value: value}
	if metadata.Valid {
		entry.Metadata = []byte(metadata.String)
	}
	if expiresAt.Valid {
		v := expiresAt.Int64
		entry.ExpiresAt = &v
	}
	return entry, nil
}

// Delete removes key, if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, s.namespace, key); err != nil {
		return rterr.Wrap(rterr.Internal, err, "kv: delete %s", key)
	}
	return nil
}

// ListOptions configures List.
type ListOptions struct {
	Prefix string
	Cursor string
	Limit  int
}

// ListResult is one page of keys.
type ListResult struct {
	Entries    []Entry
	Cursor     string // opaque continuation token; "" if this was the last page
	ListComplete bool
}

const defaultListLimit = 1000

// List returns entries in namespace in lexicographic key order, sweeping
// expired rows as a side effect (spec.md §3: "lazily swept on list").
func (s *Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	if err := s.sweepExpired(ctx); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	afterKey := ""
	if opts.Cursor != "" {
		decoded, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, rterr.Wrap(rterr.InvalidInput, err, "kv: invalid cursor")
		}
		afterKey = decoded
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, metadata, expires_at FROM kv
		WHERE namespace = ? AND key LIKE ? ESCAPE '\' AND key > ?
		ORDER BY key ASC
		LIMIT ?
	`, s.namespace, likePrefix(opts.Prefix), afterKey, limit+1)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "kv: list")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var metadata sql.NullString
		var expiresAt sql.NullInt64
		if err := rows.Scan(&e.Key, &e.Value, &metadata, &expiresAt); err != nil {
			return nil, rterr.Wrap(rterr.Internal, err, "kv: list scan")
		}
		if metadata.Valid {
			e.Metadata = []byte(metadata.String)
		}
		if expiresAt.Valid {
			v := expiresAt.Int64
			e.ExpiresAt = &v
		}
		entries = append(entries, e)
	}

	result := &ListResult{ListComplete: true}
	if len(entries) > limit {
		entries = entries[:limit]
		result.ListComplete = false
		result.Cursor = encodeCursor(entries[len(entries)-1].Key)
	}
	result.Entries = entries
	return result, nil
}

func (s *Store) sweepExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM kv WHERE namespace = ? AND expires_at IS NOT NULL AND expires_at <= ?
	`, s.namespace, s.now().Unix())
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "kv: sweep expired")
	}
	return nil
}

func likePrefix(prefix string) string {
	if prefix == "" {
		return "%"
	}
	escaped := ""
	for _, r := range prefix {
		if r == '%' || r == '_' || r == '\\' {
			escaped += `\`
		}
		escaped += string(r)
	}
	return escaped + "%"
}

func encodeCursor(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeCursor(cursor string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("decode cursor: %w", err)
	}
	return string(raw), nil
}
