package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/events"
)

// DefaultInterval is how often Service runs an automatic backup absent
// an explicit config value.
const DefaultInterval = time.Hour

const runtimeVersion = "1.0.0"

// Service periodically archives the data directory's SQLite files and
// uploads them to a Client, mirroring the teacher's R2BackupService
// (spec.md §5 expansion).
type Service struct {
	client   *Client
	db       *database.DB
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// NewService creates a Service. Start must be called to begin the
// periodic backup loop.
func NewService(client *Client, db *database.DB, interval time.Duration, log zerolog.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		client:   client,
		db:       db,
		interval: interval,
		log:      log.With().Str("component", "backup-service").Logger(),
	}
}

// Start launches the periodic backup loop in a background goroutine.
// It returns immediately; call Stop to end it.
func (s *Service) Start(ctx context.Context, bus *events.Bus) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	stop, stopped := s.stop, s.stopped
	s.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				filename, err := s.Run(ctx)
				if err != nil {
					s.log.Error().Err(err).Msg("scheduled backup failed")
					continue
				}
				if bus != nil {
					bus.Emit(events.BackupCompleted, "backup-service", map[string]any{"filename": filename})
				}
			}
		}
	}()
}

// Stop ends the periodic backup loop, if running.
func (s *Service) Stop() {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// Run performs one backup immediately: archives the shared data.sqlite
// and every D1 database file into a tar.gz, uploads it, and returns the
// object key it was stored under. Per-actor SQL files and R2 blobs are
// not included.
func (s *Service) Run(ctx context.Context) (string, error) {
	start := time.Now()
	files, err := s.collectDatabaseFiles()
	if err != nil {
		return "", fmt.Errorf("backup: collect files: %w", err)
	}

	tmp, err := os.CreateTemp("", "workerbench-backup-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("backup: create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	metadata := BackupMetadata{Timestamp: start.UTC(), Version: "1", RuntimeVersion: runtimeVersion}
	if err := s.writeArchive(tmp, files, &metadata); err != nil {
		tmp.Close()
		return "", fmt.Errorf("backup: write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("backup: close staging file: %w", err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return "", fmt.Errorf("backup: stat staging file: %w", err)
	}
	archive, err := os.Open(tmpPath)
	if err != nil {
		return "", fmt.Errorf("backup: reopen staging file: %w", err)
	}
	defer archive.Close()

	key := fmt.Sprintf("workerbench-backup-%s.tar.gz", start.UTC().Format("20060102-150405"))
	if err := s.client.Upload(ctx, key, archive, info.Size()); err != nil {
		return "", err
	}

	s.log.Info().Str("key", key).Dur("duration", time.Since(start)).Int("databases", len(files)).Msg("backup completed")
	return key, nil
}

// collectDatabaseFiles finds the shared data.sqlite plus every named D1
// database under {dataDir}/d1.
func (s *Service) collectDatabaseFiles() ([]string, error) {
	dataDir := s.db.DataDir()
	var files []string

	shared := filepath.Join(dataDir, "data.sqlite")
	if _, err := os.Stat(shared); err == nil {
		files = append(files, shared)
	}

	d1Dir := filepath.Join(dataDir, "d1")
	entries, err := os.ReadDir(d1Dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sqlite") {
			files = append(files, filepath.Join(d1Dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (s *Service) writeArchive(w io.Writer, files []string, metadata *BackupMetadata) error {
	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, path := range files {
		checksum, size, err := sha256File(path)
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      strings.TrimSuffix(name, filepath.Ext(name)),
			Filename:  name,
			SizeBytes: size,
			Checksum:  "sha256:" + checksum,
		})
		if err := writeFileEntry(tw, path, name, size); err != nil {
			return err
		}
	}

	metaJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{Name: "backup-metadata.json", Size: int64(len(metaJSON)), Mode: 0o644}); err != nil {
		return err
	}
	_, err = tw.Write(metaJSON)
	return err
}

func writeFileEntry(tw *tar.Writer, path, name string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: size, Mode: 0o644}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func sha256File(path string) (checksum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// List returns every backup object in the bucket, newest first.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	objects, err := s.client.List(ctx, "workerbench-backup-")
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		info := Info{Filename: *obj.Key}
		if obj.Size != nil {
			info.SizeBytes = *obj.Size
		}
		if obj.LastModified != nil {
			info.Timestamp = *obj.LastModified
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}
