package analytics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/pkg/logger"
)

func newTestDataset(t *testing.T) *Dataset {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db.Conn(), "requests", logger.NewNop())
}

func TestWriteDataPoint_Succeeds(t *testing.T) {
	ctx := context.Background()
	d := newTestDataset(t)

	err := d.WriteDataPoint(ctx, DataPoint{Indexes: []string{"us-east"}, Doubles: []float64{1.5}, Blobs: [][]byte{[]byte("ok")}})
	require.NoError(t, err)

	n, err := d.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestWriteDataPoint_RejectsTooManyIndexes(t *testing.T) {
	d := newTestDataset(t)
	err := d.WriteDataPoint(context.Background(), DataPoint{Indexes: []string{"a", "b"}})
	require.Error(t, err)
}

func TestWriteDataPoint_RejectsOversizedBlobTotal(t *testing.T) {
	d := newTestDataset(t)
	err := d.WriteDataPoint(context.Background(), DataPoint{Blobs: [][]byte{make([]byte, MaxTotalBlobBytes+1)}})
	require.Error(t, err)
}
