// Package r2 implements the R2 binding (spec.md §4.3): blob storage with
// object metadata in SQLite and bytes on the filesystem at
// {dataDir}/r2/{bucket}/{key}.
package r2

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/rterr"
)

// Object is R2 object metadata.
type Object struct {
	Key             string
	Size            int64
	ETag            string
	Uploaded        time.Time
	HTTPMetadata    map[string]string
	CustomMetadata  map[string]string
}

// PutOptions configures Put.
type PutOptions struct {
	HTTPMetadata   map[string]string
	CustomMetadata map[string]string
}

// Store is an R2 bucket handle.
type Store struct {
	db      *sql.DB
	bucket  string
	blobDir string // {dataDir}/r2
	log     zerolog.Logger
	now     func() time.Time
}

// New creates a Store for bucket, with blobs rooted at blobDir ({dataDir}/r2).
func New(db *sql.DB, blobDir, bucket string, log zerolog.Logger) *Store {
	return &Store{
		db:      db,
		bucket:  bucket,
		blobDir: blobDir,
		log:     log.With().Str("component", "r2").Str("bucket", bucket).Logger(),
		now:     time.Now,
	}
}

func (s *Store) objectPath(key string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", rterr.New(rterr.InvalidInput, "r2: key escapes bucket root: %s", key)
	}
	return filepath.Join(s.blobDir, s.bucket, clean), nil
}

// Put writes body under key, computing its MD5 etag, and records metadata.
// The blob is written to a temp file in the same directory and renamed
// into place so a crash mid-write never leaves a partial object visible.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Object, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "r2: create object dir")
	}

	tmp := path + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "r2: open temp file")
	}

	hash := md5.New()
	size, err := io.Copy(io.MultiWriter(f, hash), body)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, rterr.Wrap(rterr.Internal, err, "r2: write object body")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, rterr.Wrap(rterr.Internal, err, "r2: fsync object body")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, rterr.Wrap(rterr.Internal, err, "r2: close object body")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, rterr.Wrap(rterr.Internal, err, "r2: rename object into place")
	}

	etag := hex.EncodeToString(hash.Sum(nil))
	uploaded := s.now()

	httpMeta, _ := json.Marshal(opts.HTTPMetadata)
	customMeta, _ := json.Marshal(opts.CustomMetadata)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO r2_objects (bucket, key, size, etag, uploaded, http_metadata, custom_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			size = excluded.size, etag = excluded.etag, uploaded = excluded.uploaded,
			http_metadata = excluded.http_metadata, custom_metadata = excluded.custom_metadata
	`, s.bucket, key, size, etag, uploaded.UnixMilli(), string(httpMeta), string(customMeta))
	if err != nil {
		os.Remove(path)
		return nil, rterr.Wrap(rterr.Internal, err, "r2: write metadata")
	}

	return &Object{
		Key: key, Size: size, ETag: etag, Uploaded: uploaded,
		HTTPMetadata: opts.HTTPMetadata, CustomMetadata: opts.CustomMetadata,
	}, nil
}

// Head returns object metadata without streaming the body.
func (s *Store) Head(ctx context.Context, key string) (*Object, error) {
	return s.lookup(ctx, key)
}

// Get streams the object body alongside its metadata. Callers must Close
// the returned ReadCloser.
func (s *Store) Get(ctx context.Context, key string) (*Object, io.ReadCloser, error) {
	obj, err := s.lookup(ctx, key)
	if err != nil || obj == nil {
		return obj, nil, err
	}
	path, err := s.objectPath(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, rterr.Wrap(rterr.Internal, err, "r2: open object body")
	}
	return obj, f, nil
}

func (s *Store) lookup(ctx context.Context, key string) (*Object, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT size, etag, uploaded, http_metadata, custom_metadata
		FROM r2_objects WHERE bucket = ? AND key = ?
	`, s.bucket, key)

	var size, uploadedMs int64
	var etag string
	var httpMeta, customMeta sql.NullString
	if err := row.Scan(&size, &etag, &uploadedMs, &httpMeta, &customMeta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, rterr.Wrap(rterr.Internal, err, "r2: lookup %s", key)
	}

	obj := &Object{Key: key, Size: size, ETag: etag, Uploaded: time.UnixMilli(uploadedMs)}
	if httpMeta.Valid {
		json.Unmarshal([]byte(httpMeta.String), &obj.HTTPMetadata)
	}
	if customMeta.Valid {
		json.Unmarshal([]byte(customMeta.String), &obj.CustomMetadata)
	}
	return obj, nil
}

// Delete removes the object's blob and metadata row.
func (s *Store) Delete(ctx context.Context, key string) error {
	path, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM r2_objects WHERE bucket = ? AND key = ?`, s.bucket, key); err != nil {
		return rterr.Wrap(rterr.Internal, err, "r2: delete metadata")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return rterr.Wrap(rterr.Internal, err, "r2: delete blob")
	}
	return nil
}

// ListOptions configures List.
type ListOptions struct {
	Prefix string
	Cursor string
	Limit  int
}

// ListResult is one page of objects.
type ListResult struct {
	Objects  []Object
	Cursor   string
	Truncated bool
}

const defaultListLimit = 1000

// List returns objects in key order, cursor-paginated.
func (s *Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	afterKey := ""
	if opts.Cursor != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(opts.Cursor)
		if err != nil {
			return nil, rterr.New(rterr.InvalidInput, "r2: invalid cursor")
		}
		afterKey = string(decoded)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, size, etag, uploaded FROM r2_objects
		WHERE bucket = ? AND key LIKE ? ESCAPE '\' AND key > ?
		ORDER BY key ASC LIMIT ?
	`, s.bucket, likePrefix(opts.Prefix), afterKey, limit+1)
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "r2: list")
	}
	defer rows.Close()

	var objs []Object
	for rows.Next() {
		var o Object
		var uploadedMs int64
		if err := rows.Scan(&o.Key, &o.Size, &o.ETag, &uploadedMs); err != nil {
			return nil, rterr.Wrap(rterr.Internal, err, "r2: list scan")
		}
		o.Uploaded = time.UnixMilli(uploadedMs)
		objs = append(objs, o)
	}

	result := &ListResult{}
	if len(objs) > limit {
		objs = objs[:limit]
		result.Truncated = true
		result.Cursor = base64.RawURLEncoding.EncodeToString([]byte(objs[len(objs)-1].Key))
	}
	result.Objects = objs
	return result, nil
}

func likePrefix(prefix string) string {
	if prefix == "" {
		return "%"
	}
	escaped := strings.Builder{}
	for _, r := range prefix {
		if r == '%' || r == '_' || r == '\\' {
			escaped.WriteRune('\\')
		}
		escaped.WriteRune(r)
	}
	escaped.WriteRune('%')
	return escaped.String()
}

// MultipartUpload is an in-progress multipart upload (spec.md §4.3:
// createMultipartUpload). Parts are buffered on disk under a temp
// sibling of the final object path and concatenated on completion.
type MultipartUpload struct {
	UploadID string
	Key      string
	store    *Store
	tmpDir   string
	parts    map[int]string
}

// CreateMultipartUpload begins a multipart upload for key.
func (s *Store) CreateMultipartUpload(key string) (*MultipartUpload, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	tmpDir := path + ".mpu-" + uuid.NewString()
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "r2: create multipart dir")
	}
	return &MultipartUpload{
		UploadID: uuid.NewString(),
		Key:      key,
		store:    s,
		tmpDir:   tmpDir,
		parts:    map[int]string{},
	}, nil
}

// UploadPart stages one part's bytes.
func (m *MultipartUpload) UploadPart(partNumber int, body io.Reader) error {
	partPath := filepath.Join(m.tmpDir, fmt.Sprintf("part-%d", partNumber))
	f, err := os.Create(partPath)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "r2: stage part %d", partNumber)
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return rterr.Wrap(rterr.Internal, err, "r2: write part %d", partNumber)
	}
	m.parts[partNumber] = partPath
	return nil
}

// Complete concatenates staged parts in order and commits the object.
func (m *MultipartUpload) Complete(ctx context.Context, opts PutOptions) (*Object, error) {
	defer os.RemoveAll(m.tmpDir)

	numbers := make([]int, 0, len(m.parts))
	for n := range m.parts {
		numbers = append(numbers, n)
	}
	sortInts(numbers)

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		for _, n := range numbers {
			f, err := os.Open(m.parts[n])
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, f)
			f.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
	}()

	return m.store.Put(ctx, m.Key, pr, opts)
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
