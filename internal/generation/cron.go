package generation

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// tickInterval is the cron scheduler's poll period (spec.md §4.8: "a
// tick every 60 s matches now against parsed fields").
const tickInterval = 60 * time.Second

// cronParser accepts the 5-field syntax plus the @every/@daily-style
// descriptors spec.md §4.8 names, mirroring what robfig/cron/v3's
// standard parser already supports.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronEntry is one parsed, armed cron expression.
type cronEntry struct {
	expr     string
	schedule cron.Schedule
	next     time.Time
}

// cronScheduler ticks every tickInterval and fires any entry whose next
// fire time has passed, invoking fn(ctx, expr, scheduledTime).
type cronScheduler struct {
	entries []*cronEntry
	fn      func(ctx context.Context, expr string, scheduledTime time.Time)
	log     zerolog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

// newCronScheduler parses every expr in exprs; a malformed expression is
// logged and skipped rather than failing the whole generation.
func newCronScheduler(exprs []string, fn func(ctx context.Context, expr string, scheduledTime time.Time), log zerolog.Logger) *cronScheduler {
	s := &cronScheduler{fn: fn, log: log.With().Str("component", "cron").Logger(), stop: make(chan struct{})}
	now := time.Now()
	for _, expr := range exprs {
		sched, err := cronParser.Parse(expr)
		if err != nil {
			s.log.Error().Err(err).Str("expr", expr).Msg("invalid cron expression, skipping")
			continue
		}
		s.entries = append(s.entries, &cronEntry{expr: expr, schedule: sched, next: sched.Next(now)})
	}
	return s
}

// Start runs the tick loop in its own goroutine until Stop is called.
func (s *cronScheduler) Start(ctx context.Context) {
	if len(s.entries) == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.tick(ctx, now)
			}
		}
	}()
}

func (s *cronScheduler) tick(ctx context.Context, now time.Time) {
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		scheduled := e.next
		e.next = e.schedule.Next(now)
		go s.fn(ctx, e.expr, scheduled)
	}
}

// Stop halts the tick loop. Safe to call more than once.
func (s *cronScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
}
