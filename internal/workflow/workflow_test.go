package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/events"
	"github.com/aristath/workerbench/pkg/logger"
)

func waitStatus(t *testing.T, h *Handle, want Status, timeout time.Duration) Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var got Status
	for time.Now().Before(deadline) {
		s, err := h.Status(context.Background())
		require.NoError(t, err)
		got = s
		if s == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	return got
}

func TestWorkflow_RestartWithoutFromStepRerunsSteps(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var runs int
	run := func(ctx context.Context, event Event, step *Step) (any, error) {
		v, err := step.Do(ctx, "count", func(ctx context.Context) (any, error) {
			runs++
			return runs, nil
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	b, err := NewBinding(context.Background(), db, "counter", "Counter", run, nil, logger.NewNop())
	require.NoError(t, err)

	h, err := b.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	require.Equal(t, StatusComplete, waitStatus(t, h, StatusComplete, 2*time.Second))
	out, err := h.Output(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, "1", string(out))

	require.NoError(t, h.Restart(context.Background(), ""))
	require.Equal(t, StatusComplete, waitStatus(t, h, StatusComplete, 2*time.Second))
	out2, err := h.Output(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, "2", string(out2), "restart without fromStep clears memoized steps, so fn runs again")
	require.Equal(t, 2, runs, "fn must run once for the original run and once more after the restart")
}

func TestWorkflow_NonRetryableErrorTerminatesImmediately(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var attempts int
	run := func(ctx context.Context, event Event, step *Step) (any, error) {
		_, err := step.Do(ctx, "fail", func(ctx context.Context) (any, error) {
			attempts++
			return nil, &NonRetryableError{Err: errors.New("permanent")}
		})
		return nil, err
	}

	bus := events.NewBus(logger.NewNop())
	var errored bool
	bus.Subscribe(events.WorkflowErrored, func(e *events.Event) { errored = true })

	b, err := NewBinding(context.Background(), db, "failer", "Failer", run, bus, logger.NewNop())
	require.NoError(t, err)

	h, err := b.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	require.Equal(t, StatusErrored, waitStatus(t, h, StatusErrored, 2*time.Second))
	require.Equal(t, 1, attempts, "a NonRetryableError must not be retried")
	require.True(t, errored, "workflow.errored must be emitted on the bus")
}

func TestWorkflow_WaitForEventTimesOut(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	run := func(ctx context.Context, event Event, step *Step) (any, error) {
		_, err := step.WaitForEvent(ctx, "approval", "approved", 20*time.Millisecond)
		return nil, err
	}

	b, err := NewBinding(context.Background(), db, "approvals", "Approvals", run, nil, logger.NewNop())
	require.NoError(t, err)

	h, err := b.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	require.Equal(t, StatusErrored, waitStatus(t, h, StatusErrored, 2*time.Second))
}

func TestWorkflow_SendEventWakesWaitingStep(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	run := func(ctx context.Context, event Event, step *Step) (any, error) {
		payload, err := step.WaitForEvent(ctx, "approval", "approved", 2*time.Second)
		if err != nil {
			return nil, err
		}
		var v map[string]any
		_ = json.Unmarshal(payload, &v)
		return v, nil
	}

	b, err := NewBinding(context.Background(), db, "approvals2", "Approvals", run, nil, logger.NewNop())
	require.NoError(t, err)

	h, err := b.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	require.Equal(t, StatusWaiting, waitStatus(t, h, StatusWaiting, time.Second))
	require.NoError(t, h.SendEvent(context.Background(), "approved", json.RawMessage(`{"by":"alice"}`)))

	require.Equal(t, StatusComplete, waitStatus(t, h, StatusComplete, 2*time.Second))
	out, err := h.Output(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"by":"alice"}`, string(out))
}

func TestWorkflow_PauseBlocksNextStep(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	secondStepRan := make(chan struct{})
	run := func(ctx context.Context, event Event, step *Step) (any, error) {
		_, err := step.Do(ctx, "first", func(ctx context.Context) (any, error) {
			time.Sleep(50 * time.Millisecond) // gives the test time to call Pause before "second" starts
			return "ok", nil
		})
		if err != nil {
			return nil, err
		}
		_, err = step.Do(ctx, "second", func(ctx context.Context) (any, error) {
			close(secondStepRan)
			return "ok", nil
		})
		return nil, err
	}

	b, err := NewBinding(context.Background(), db, "pausable", "Pausable", run, nil, logger.NewNop())
	require.NoError(t, err)

	h, err := b.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, h.Pause(context.Background()))

	select {
	case <-secondStepRan:
		t.Fatal("second step ran while paused")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, h.Resume(context.Background()))
	select {
	case <-secondStepRan:
	case <-time.After(2 * time.Second):
		t.Fatal("second step never ran after resume")
	}
}

func TestWorkflow_RecoversRunningInstancesOnStartup(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Now().UnixMilli()
	_, err = db.Conn().ExecContext(context.Background(), `
		INSERT INTO workflow_instances (id, workflow_name, class_name, params, status, created_at, updated_at)
		VALUES ('stuck-1', 'recoverable', 'Recoverable', '{}', 'running', ?, ?)
	`, now, now)
	require.NoError(t, err)

	ran := make(chan struct{})
	run := func(ctx context.Context, event Event, step *Step) (any, error) {
		close(ran)
		return "recovered", nil
	}

	b, err := NewBinding(context.Background(), db, "recoverable", "Recoverable", run, nil, logger.NewNop())
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupted instance was never re-invoked")
	}

	h := b.Get("stuck-1")
	require.Equal(t, StatusComplete, waitStatus(t, h, StatusComplete, 2*time.Second))
}
