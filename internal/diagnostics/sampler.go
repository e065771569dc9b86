// Package diagnostics periodically samples host and process resource
// usage and the shared database's on-disk footprint, logging it at
// debug level (SPEC_FULL.md §5: "periodic resource sampling (gopsutil)
// logged at debug level, plus a GetStats()-shaped accessor").
//
// Grounded on the teacher's internal/server/status_monitor.go periodic
// ticker-loop shape, applied to gopsutil resource sampling instead of
// broker/position-change detection.
package diagnostics

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/aristath/workerbench/internal/database"
)

// DefaultInterval is how often Sampler collects a reading absent an
// explicit config value.
const DefaultInterval = 30 * time.Second

// Sample is one resource-usage snapshot.
type Sample struct {
	Timestamp         time.Time
	HostCPUPercent    float64
	HostMemPercent    float64
	ProcessRSSBytes   uint64
	ProcessCPUPercent float64
	DBSizeBytes       int64
	DBWALSizeBytes    int64
	DBPageCount       int64
}

// Sampler periodically collects a Sample and logs it at debug level.
type Sampler struct {
	db       *database.DB
	interval time.Duration
	log      zerolog.Logger
	proc     *process.Process

	last atomic.Pointer[Sample]

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// New creates a Sampler bound to db's shared SQLite file.
func New(db *database.DB, interval time.Duration, log zerolog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Sampler{
		db:       db,
		interval: interval,
		log:      log.With().Str("component", "diagnostics").Logger(),
		proc:     proc,
	}
}

// Start launches the periodic sampling loop. It returns immediately;
// call Stop to end it, or cancel ctx.
func (s *Sampler) Start(ctx context.Context) {
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

		s.sample()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

// Stop ends the periodic sampling loop, if running.
func (s *Sampler) Stop() {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// Latest returns the most recent Sample, or nil if none has been taken
// yet.
func (s *Sampler) Latest() *Sample { return s.last.Load() }

func (s *Sampler) sample() {
	sample := Sample{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sample.HostCPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.HostMemPercent = vm.UsedPercent
	}
	if s.proc != nil {
		if mi, err := s.proc.MemoryInfo(); err == nil && mi != nil {
			sample.ProcessRSSBytes = mi.RSS
		}
		if pct, err := s.proc.CPUPercent(); err == nil {
			sample.ProcessCPUPercent = pct
		}
	}
	if stats, err := s.db.GetStats(); err == nil {
		sample.DBSizeBytes = stats.SizeBytes
		sample.DBWALSizeBytes = stats.WALSizeBytes
		sample.DBPageCount = stats.PageCount
	}

	s.last.Store(&sample)
	s.log.Debug().
		Float64("host_cpu_pct", sample.HostCPUPercent).
		Float64("host_mem_pct", sample.HostMemPercent).
		Uint64("process_rss_bytes", sample.ProcessRSSBytes).
		Float64("process_cpu_pct", sample.ProcessCPUPercent).
		Int64("db_size_bytes", sample.DBSizeBytes).
		Int64("db_wal_size_bytes", sample.DBWALSizeBytes).
		Msg("resource sample")
}
