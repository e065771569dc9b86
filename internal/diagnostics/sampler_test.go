package diagnostics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/pkg/logger"
)

func newTestSampler(t *testing.T) *Sampler {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, 10*time.Millisecond, logger.NewNop())
}

func TestSampler_LatestIsNilBeforeStart(t *testing.T) {
	s := newTestSampler(t)
	require.Nil(t, s.Latest())
}

func TestSampler_StartCollectsAtLeastOneSample(t *testing.T) {
	s := newTestSampler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Latest() != nil
	}, time.Second, 5*time.Millisecond)

	sample := s.Latest()
	require.False(t, sample.Timestamp.IsZero())
}

func TestSampler_StopEndsLoop(t *testing.T) {
	s := newTestSampler(t)
	ctx := context.Background()
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Latest() != nil }, time.Second, 5*time.Millisecond)
	s.Stop()

	first := s.Latest()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, first, s.Latest())
}
