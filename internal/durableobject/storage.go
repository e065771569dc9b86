package durableobject

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/aristath/workerbench/internal/rterr"
)

// Storage is one actor instance's key/value storage, backed by the
// shared do_storage table keyed by (namespace, id, key). Go has no
// async/sync split the way the source does, so this single type serves
// both the async `storage` surface and the synchronous `storage.kv`
// twin described in spec.md §4.5.3 — every call here already runs
// synchronously inside the instance's serialization lock.
type Storage struct {
	db        *sql.DB
	namespace string
	id        string
}

func newStorage(db *sql.DB, namespace, id string) *Storage {
	return &Storage{db: db, namespace: namespace, id: id}
}

// execer is satisfied by *sql.DB and *sql.Tx, letting Storage methods run
// either directly or inside a Transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Storage) ex(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return s.db
}

// Get returns the stored value for key, or ok=false if absent.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.get(ctx, nil, key)
}

func (s *Storage) get(ctx context.Context, tx *sql.Tx, key string) ([]byte, bool, error) {
	var value []byte
	err := s.ex(tx).QueryRowContext(ctx, `
		SELECT value FROM do_storage WHERE namespace = ? AND id = ? AND key = ?
	`, s.namespace, s.id, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, rterr.Wrap(rterr.Internal, err, "durableobject: storage get")
	}
	return value, true, nil
}

// GetMulti returns the subset of keys present.
func (s *Storage) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// Put writes one key/value pair.
func (s *Storage) Put(ctx context.Context, key string, value []byte) error {
	return s.put(ctx, nil, key, value)
}

func (s *Storage) put(ctx context.Context, tx *sql.Tx, key string, value []byte) error {
	_, err := s.ex(tx).ExecContext(ctx, `
		INSERT INTO do_storage (namespace, id, key, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, id, key) DO UPDATE SET value = excluded.value
	`, s.namespace, s.id, key, value)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "durableobject: storage put")
	}
	return nil
}

// PutMulti writes every pair in values.
func (s *Storage) PutMulti(ctx context.Context, values map[string][]byte) error {
	for k, v := range values {
		if err := s.Put(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes key, reporting whether it existed.
func (s *Storage) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM do_storage WHERE namespace = ? AND id = ? AND key = ?
	`, s.namespace, s.id, key)
	if err != nil {
		return false, rterr.Wrap(rterr.Internal, err, "durableobject: storage delete")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteMulti removes each of keys, returning how many existed.
func (s *Storage) DeleteMulti(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for _, k := range keys {
		ok, err := s.Delete(ctx, k)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// DeleteAll removes every key for this instance.
func (s *Storage) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM do_storage WHERE namespace = ? AND id = ?`, s.namespace, s.id)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "durableobject: storage deleteAll")
	}
	return nil
}

// ListOptions mirrors spec.md §4.5.3's storage.list options.
type ListOptions struct {
	Prefix     string
	Start      string
	StartAfter string
	End        string
	Limit      int
	Reverse    bool
}

// KVEntry is one (key, value) pair from List, in the requested order.
type KVEntry struct {
	Key   string
	Value []byte
}

// List returns matching entries ordered by key (or reverse), matching
// insertion-order-compatible sort semantics from spec.md §4.5.3.
func (s *Storage) List(ctx context.Context, opts ListOptions) ([]KVEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM do_storage WHERE namespace = ? AND id = ?
	`, s.namespace, s.id)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "durableobject: storage list")
	}
	defer rows.Close()

	var all []KVEntry
	for rows.Next() {
		var e KVEntry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, rterr.Wrap(rterr.Internal, err, "durableobject: scan list row")
		}
		all = append(all, e)
	}
	if err := rows.Err(); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "durableobject: iterate list rows")
	}

	filtered := all[:0]
	for _, e := range all {
		if opts.Prefix != "" && !strings.HasPrefix(e.Key, opts.Prefix) {
			continue
		}
		if opts.Start != "" && e.Key < opts.Start {
			continue
		}
		if opts.StartAfter != "" && e.Key <= opts.StartAfter {
			continue
		}
		if opts.End != "" && e.Key >= opts.End {
			continue
		}
		filtered = append(filtered, e)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if opts.Reverse {
			return filtered[i].Key > filtered[j].Key
		}
		return filtered[i].Key < filtered[j].Key
	})

	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return filtered, nil
}

// Txn is the storage surface available inside Transaction.
type Txn struct {
	s  *Storage
	tx *sql.Tx
}

// Get reads key within the transaction.
func (t *Txn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return t.s.get(ctx, t.tx, key)
}

// Put writes key within the transaction.
func (t *Txn) Put(ctx context.Context, key string, value []byte) error {
	return t.s.put(ctx, t.tx, key, value)
}

// Delete removes key within the transaction.
func (t *Txn) Delete(ctx context.Context, key string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM do_storage WHERE namespace = ? AND id = ? AND key = ?`, t.s.namespace, t.s.id, key)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "durableobject: txn delete")
	}
	return nil
}

// Transaction runs fn inside a BEGIN/COMMIT/ROLLBACK block (spec.md
// §4.5.3: "transaction(fn) wraps in BEGIN/COMMIT/ROLLBACK"). A panic or
// returned error rolls back; the instance's serialization lock already
// guarantees no other operation observes the transaction mid-flight.
func (s *Storage) Transaction(ctx context.Context, fn func(ctx context.Context, txn *Txn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "durableobject: begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := fn(ctx, &Txn{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return rterr.Wrap(rterr.Internal, err, "durableobject: commit transaction")
	}
	committed = true
	return nil
}
