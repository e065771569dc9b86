// Package cache implements the Cache binding (spec.md §4.3): maps
// (cacheName, requestURL) to a stored response.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/rterr"
)

// Response is a cacheable HTTP response snapshot.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store is a named cache instance.
type Store struct {
	db        *sql.DB
	cacheName string
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a Store for the named cache ("default" for the global caches.default).
func New(db *sql.DB, cacheName string, log zerolog.Logger) *Store {
	return &Store{
		db:        db,
		cacheName: cacheName,
		log:       log.With().Str("component", "cache").Str("cache", cacheName).Logger(),
		now:       time.Now,
	}
}

// Put stores resp for url, deriving expiration from Cache-Control max-age
// or Expires if present.
func (s *Store) Put(ctx context.Context, url string, resp *Response) error {
	headers, err := json.Marshal(flattenHeaders(resp.Headers))
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "cache: marshal headers")
	}

	var expiresAt sql.NullInt64
	if exp, ok := expirationOf(resp.Headers, s.now()); ok {
		expiresAt = sql.NullInt64{Int64: exp.Unix(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_name, url, status, headers, body, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_name, url) DO UPDATE SET
			status = excluded.status, headers = excluded.headers, body = excluded.body, expires_at = excluded.expires_at
	`, s.cacheName, url, resp.Status, string(headers), resp.Body, expiresAt)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "cache: put %s", url)
	}
	return nil
}

// Match returns the stored response for url, or nil if absent/expired.
func (s *Store) Match(ctx context.Context, url string) (*Response, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, headers, body, expires_at FROM cache_entries WHERE cache_name = ? AND url = ?
	`, s.cacheName, url)

	var status int
	var headersJSON string
	var body []byte
	var expiresAt sql.NullInt64
	if err := row.Scan(&status, &headersJSON, &body, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, rterr.Wrap(rterr.Internal, err, "cache: match %s", url)
	}

	if expiresAt.Valid && expiresAt.Int64 <= s.now().Unix() {
		return nil, nil
	}

	var flat map[string][]string
	if err := json.Unmarshal([]byte(headersJSON), &flat); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "cache: unmarshal headers")
	}
	headers := http.Header{}
	for k, vs := range flat {
		headers[k] = vs
	}
	return &Response{Status: status, Headers: headers, Body: body}, nil
}

// Delete removes a cached entry; it reports whether one existed.
func (s *Store) Delete(ctx context.Context, url string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ? AND url = ?`, s.cacheName, url)
	if err != nil {
		return false, rterr.Wrap(rterr.Internal, err, "cache: delete %s", url)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func flattenHeaders(h http.Header) map[string][]string {
	out := map[string][]string{}
	for k, v := range h {
		out[k] = v
	}
	return out
}

// expirationOf derives an absolute expiry from Cache-Control: max-age or
// Expires, in that precedence order.
func expirationOf(h http.Header, now time.Time) (time.Time, bool) {
	if cc := h.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			directive = strings.TrimSpace(directive)
			if strings.HasPrefix(directive, "max-age=") {
				secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
				if err == nil {
					return now.Add(time.Duration(secs) * time.Second), true
				}
			}
		}
	}
	if exp := h.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
