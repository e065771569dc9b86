package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/pkg/logger"
)

func newTestService(t *testing.T) (*Service, *database.DB) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client, err := NewClient("account", "key", "secret", "bucket", logger.NewNop())
	require.NoError(t, err)

	return NewService(client, db, time.Hour, logger.NewNop()), db
}

func TestCollectDatabaseFiles_FindsSharedAndD1Databases(t *testing.T) {
	svc, db := newTestService(t)

	require.NoError(t, os.WriteFile(filepath.Join(db.DataDir(), "d1", "my-db.sqlite"), []byte("data"), 0o644))

	files, err := svc.collectDatabaseFiles()
	require.NoError(t, err)
	require.Contains(t, files, filepath.Join(db.DataDir(), "data.sqlite"))
	require.Contains(t, files, filepath.Join(db.DataDir(), "d1", "my-db.sqlite"))
}

func TestWriteArchive_ProducesExtractableTarGz(t *testing.T) {
	svc, _ := newTestService(t)

	files, err := svc.collectDatabaseFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	var buf bytes.Buffer
	metadata := BackupMetadata{Timestamp: time.Now().UTC(), Version: "1"}
	require.NoError(t, svc.writeArchive(&buf, files, &metadata))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	var metaBytes []byte
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)
		if header.Name == "backup-metadata.json" {
			metaBytes, err = io.ReadAll(tr)
			require.NoError(t, err)
		}
	}
	require.Contains(t, names, "data.sqlite")
	require.Contains(t, names, "backup-metadata.json")

	var decoded BackupMetadata
	require.NoError(t, json.Unmarshal(metaBytes, &decoded))
	require.Len(t, decoded.Databases, 1)
	require.Equal(t, "data.sqlite", decoded.Databases[0].Filename)
}
