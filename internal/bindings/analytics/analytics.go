// Package analytics implements the Analytics Engine binding (spec.md
// §4.3): an insert-only append log with fixed-shape rows (one index,
// up to 20 doubles, up to 20 blobs, 16 KiB of blob bytes total).
package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/rterr"
)

const (
	MaxIndexes      = 1
	MaxIndexBytes   = 96
	MaxDoubles      = 20
	MaxBlobs        = 20
	MaxTotalBlobBytes = 16 * 1024
)

// DataPoint is one write to the dataset.
type DataPoint struct {
	Indexes []string
	Doubles []float64
	Blobs   [][]byte
}

func (d DataPoint) validate() error {
	if len(d.Indexes) > MaxIndexes {
		return rterr.New(rterr.InvalidInput, "analytics: at most %d index, got %d", MaxIndexes, len(d.Indexes))
	}
	for _, idx := range d.Indexes {
		if len(idx) > MaxIndexBytes {
			return rterr.New(rterr.InvalidInput, "analytics: index exceeds %d bytes", MaxIndexBytes)
		}
	}
	if len(d.Doubles) > MaxDoubles {
		return rterr.New(rterr.InvalidInput, "analytics: at most %d doubles, got %d", MaxDoubles, len(d.Doubles))
	}
	if len(d.Blobs) > MaxBlobs {
		return rterr.New(rterr.InvalidInput, "analytics: at most %d blobs, got %d", MaxBlobs, len(d.Blobs))
	}
	total := 0
	for _, b := range d.Blobs {
		total += len(b)
	}
	if total > MaxTotalBlobBytes {
		return rterr.New(rterr.InvalidInput, "analytics: total blob bytes %d exceeds %d", total, MaxTotalBlobBytes)
	}
	return nil
}

// Dataset is a write-only handle to one named analytics dataset.
type Dataset struct {
	db   *sql.DB
	name string
	log  zerolog.Logger
	now  func() time.Time
}

// New creates a Dataset handle.
func New(db *sql.DB, name string, log zerolog.Logger) *Dataset {
	return &Dataset{db: db, name: name, log: log.With().Str("component", "analytics").Str("dataset", name).Logger(), now: time.Now}
}

// WriteDataPoint validates and appends one data point.
func (d *Dataset) WriteDataPoint(ctx context.Context, point DataPoint) error {
	if err := point.validate(); err != nil {
		return err
	}

	indexesJSON, _ := json.Marshal(point.Indexes)
	doublesJSON, _ := json.Marshal(point.Doubles)

	blobsEncoded := make([]string, len(point.Blobs))
	for i, b := range point.Blobs {
		blobsEncoded[i] = string(b)
	}
	blobsJSON, _ := json.Marshal(blobsEncoded)

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO analytics_engine (dataset, indexes, doubles, blobs, written_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.name, string(indexesJSON), string(doublesJSON), string(blobsJSON), d.now().UnixMilli())
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "analytics: write data point")
	}
	return nil
}

// Count returns the number of rows written to this dataset (test/diagnostic helper).
func (d *Dataset) Count(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analytics_engine WHERE dataset = ?`, d.name).Scan(&n)
	if err != nil {
		return 0, rterr.Wrap(rterr.Internal, err, "analytics: count")
	}
	return n, nil
}
