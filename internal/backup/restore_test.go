package backup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/pkg/logger"
)

func newTestRestoreService(t *testing.T) (*RestoreService, string) {
	t.Helper()
	dataDir := t.TempDir()
	client, err := NewClient("account", "key", "secret", "bucket", logger.NewNop())
	require.NoError(t, err)
	return NewRestoreService(client, dataDir, logger.NewNop()), dataDir
}

func TestRestoreFlag_RoundTripsThroughJSON(t *testing.T) {
	flag := RestoreFlag{
		BackupFilename: "workerbench-backup-20260108-143022.tar.gz",
		StagedAt:       time.Date(2026, 1, 8, 14, 30, 0, 0, time.UTC),
		Databases:      []string{"data.sqlite", "my-db.sqlite"},
	}
	data, err := json.Marshal(flag)
	require.NoError(t, err)

	var decoded RestoreFlag
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, flag.BackupFilename, decoded.BackupFilename)
	require.Equal(t, flag.Databases, decoded.Databases)
}

func TestCheckPendingRestore_ReflectsFlagFile(t *testing.T) {
	svc, dataDir := newTestRestoreService(t)

	pending, err := svc.CheckPendingRestore()
	require.NoError(t, err)
	require.False(t, pending)

	require.NoError(t, writeJSONFile(filepath.Join(dataDir, ".pending-restore"), RestoreFlag{BackupFilename: "x.tar.gz"}))

	pending, err = svc.CheckPendingRestore()
	require.NoError(t, err)
	require.True(t, pending)
}

func TestCancelStagedRestore_RemovesFlagAndStaging(t *testing.T) {
	svc, dataDir := newTestRestoreService(t)

	require.NoError(t, writeJSONFile(filepath.Join(dataDir, ".pending-restore"), RestoreFlag{BackupFilename: "x.tar.gz"}))
	require.NoError(t, os.MkdirAll(svc.stagingDir(), 0o755))

	require.NoError(t, svc.CancelStagedRestore())

	_, err := os.Stat(filepath.Join(dataDir, ".pending-restore"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(svc.stagingDir())
	require.True(t, os.IsNotExist(err))
}

func TestCopyFile_DuplicatesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.sqlite")
	dst := filepath.Join(dir, "dst.sqlite")
	require.NoError(t, os.WriteFile(src, []byte("sqlite-bytes"), 0o644))

	require.NoError(t, copyFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "sqlite-bytes", string(got))
}

func TestValidateStaged_DetectsSizeMismatch(t *testing.T) {
	svc, _ := newTestRestoreService(t)
	staging := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(staging, "data.sqlite"), []byte("short"), 0o644))
	metadata := BackupMetadata{
		Databases: []DatabaseMetadata{{Name: "data", Filename: "data.sqlite", SizeBytes: 999}},
	}
	require.NoError(t, writeJSONFile(filepath.Join(staging, "backup-metadata.json"), metadata))

	_, err := svc.validateStaged(staging)
	require.Error(t, err)
}

func TestHasPrefixPath_RejectsTraversal(t *testing.T) {
	require.True(t, hasPrefixPath("/data/staging/a.sqlite", "/data/staging"))
	require.False(t, hasPrefixPath("/data/other/a.sqlite", "/data/staging"))
}
