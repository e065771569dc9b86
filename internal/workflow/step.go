package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/workerbench/internal/exectx"
	"github.com/aristath/workerbench/internal/rterr"
)

// DefaultStepMaxAttempts is a step's default retry budget (spec.md
// §4.6: "retry according to the step's policy (default: 3 attempts with
// exponential backoff)").
const DefaultStepMaxAttempts = 3

// Step is the primitive set passed into a workflow's run function.
type Step struct {
	binding    *Binding
	instanceID string
	ri         *runningInstance
	ectx       *exectx.Context
}

// Ctx returns the execution context background work spawned during this
// run should register with (spec.md §4.9).
func (s *Step) Ctx() *exectx.Context { return s.ectx }

func (s *Step) checkControl() error {
	s.ri.mu.Lock()
	for s.ri.paused && !s.ri.aborted {
		s.ri.pauseCond.Wait()
	}
	aborted := s.ri.aborted
	s.ri.mu.Unlock()
	if aborted {
		return rterr.New(rterr.Aborted, "workflow: instance terminated")
	}
	return nil
}

func (s *Step) loadStepOutput(ctx context.Context, name string) (json.RawMessage, bool, error) {
	var output string
	err := s.binding.db.Conn().QueryRowContext(ctx, `
		SELECT output FROM workflow_steps WHERE instance_id = ? AND step_name = ?
	`, s.instanceID, name).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, rterr.Wrap(rterr.Internal, err, "workflow: load step %s", name)
	}
	return json.RawMessage(output), true, nil
}

func (s *Step) persistStepOutput(ctx context.Context, name string, output json.RawMessage) error {
	_, err := s.binding.db.Conn().ExecContext(ctx, `
		INSERT INTO workflow_steps (instance_id, step_name, output, completed_at) VALUES (?, ?, ?, ?)
	`, s.instanceID, name, string(output), time.Now().UnixMilli())
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "workflow: persist step %s", name)
	}
	return nil
}

func (s *Step) loadAttempts(ctx context.Context, name string) int {
	var attempts int
	err := s.binding.db.Conn().QueryRowContext(ctx, `
		SELECT failed_attempts FROM workflow_step_attempts WHERE instance_id = ? AND step_name = ?
	`, s.instanceID, name).Scan(&attempts)
	if err != nil {
		return 0
	}
	return attempts
}

func (s *Step) recordAttempt(ctx context.Context, name string, attempts int, stepErr error) {
	errID := ""
	if u, err := uuid.NewV7(); err == nil {
		errID = u.String()
	}
	_, err := s.binding.db.Conn().ExecContext(ctx, `
		INSERT INTO workflow_step_attempts (instance_id, step_name, failed_attempts, last_error, last_error_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, step_name) DO UPDATE SET
			failed_attempts = excluded.failed_attempts,
			last_error = excluded.last_error,
			last_error_id = excluded.last_error_id,
			updated_at = excluded.updated_at
	`, s.instanceID, name, attempts, stepErr.Error(), errID, time.Now().UnixMilli())
	if err != nil {
		s.binding.log.Error().Err(err).Str("instance_id", s.instanceID).Str("step", name).Msg("failed to record step attempt")
	}
}

// Do runs fn under memoization: a completed step never re-executes,
// including when crash recovery re-invokes the run (spec.md §4.6, §8).
// Handle.Restart deletes the step rows it resets, and those steps run
// again.
func (s *Step) Do(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := s.checkControl(); err != nil {
		return nil, err
	}
	if stored, ok, err := s.loadStepOutput(ctx, name); err != nil {
		return nil, err
	} else if ok {
		var v any
		if len(stored) > 0 {
			if err := json.Unmarshal(stored, &v); err != nil {
				return nil, rterr.Wrap(rterr.Internal, err, "workflow: decode memoized step %s", name)
			}
		}
		return v, nil
	}

	attempt := s.loadAttempts(ctx, name)
	var lastErr error
	for attempt < DefaultStepMaxAttempts {
		if err := s.checkControl(); err != nil {
			return nil, err
		}
		out, err := fn(ctx)
		if err == nil {
			raw, marshalErr := json.Marshal(out)
			if marshalErr != nil {
				return nil, rterr.Wrap(rterr.Internal, marshalErr, "workflow: encode step %s output", name)
			}
			if err := s.persistStepOutput(ctx, name, raw); err != nil {
				return nil, err
			}
			return out, nil
		}

		var nonRetry *NonRetryableError
		if errors.As(err, &nonRetry) {
			return nil, nonRetry
		}

		lastErr = err
		attempt++
		s.recordAttempt(ctx, name, attempt, err)
		if attempt >= DefaultStepMaxAttempts {
			break
		}
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, rterr.Wrap(rterr.Aborted, ctx.Err(), "workflow: step %s cancelled", name)
		}
	}
	return nil, rterr.Wrap(rterr.HandlerError, lastErr, "workflow: step %s exhausted %d attempts", name, DefaultStepMaxAttempts)
}

// Sleep suspends until duration has elapsed, memoized so a restart
// resumes against wall-clock time rather than sleeping the full
// duration again (spec.md §4.6: "step.sleep(name, duration)").
func (s *Step) Sleep(ctx context.Context, name string, duration time.Duration) error {
	return s.sleepUntil(ctx, "sleep:"+name, time.Now().Add(duration))
}

// SleepUntil is the absolute-time variant of Sleep.
func (s *Step) SleepUntil(ctx context.Context, name string, when time.Time) error {
	return s.sleepUntil(ctx, "sleepUntil:"+name, when)
}

func (s *Step) sleepUntil(ctx context.Context, stepName string, when time.Time) error {
	if err := s.checkControl(); err != nil {
		return err
	}

	target := when
	if stored, ok, err := s.loadStepOutput(ctx, stepName); err != nil {
		return err
	} else if ok {
		var epochMs int64
		if err := json.Unmarshal(stored, &epochMs); err == nil {
			target = time.UnixMilli(epochMs)
		}
	} else if err := s.persistStepOutput(ctx, stepName, mustJSON(when.UnixMilli())); err != nil {
		return err
	}

	remaining := time.Until(target)
	if remaining <= 0 {
		return nil
	}
	select {
	case <-time.After(remaining):
		return nil
	case <-ctx.Done():
		return rterr.Wrap(rterr.Aborted, ctx.Err(), "workflow: sleep %s cancelled", stepName)
	}
}

// WaitForEvent suspends until sendEvent delivers a matching event type,
// or timeout elapses (spec.md §4.6: "step.waitForEvent(name, {type,
// timeout?})").
func (s *Step) WaitForEvent(ctx context.Context, name, eventType string, timeout time.Duration) (json.RawMessage, error) {
	stepName := "waitForEvent:" + name
	if err := s.checkControl(); err != nil {
		return nil, err
	}
	if stored, ok, err := s.loadStepOutput(ctx, stepName); err != nil {
		return nil, err
	} else if ok {
		return stored, nil
	}

	if payload, found, err := s.consumeExistingEvent(ctx, eventType); err != nil {
		return nil, err
	} else if found {
		if err := s.persistStepOutput(ctx, stepName, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	ch := make(chan Event, 1)
	s.ri.mu.Lock()
	s.ri.waitingType = eventType
	s.ri.eventCh = ch
	s.ri.mu.Unlock()
	s.binding.setStatus(ctx, s.instanceID, StatusWaiting, nil, nil)
	defer func() {
		s.ri.mu.Lock()
		s.ri.waitingType = ""
		s.ri.eventCh = nil
		s.ri.mu.Unlock()
		s.binding.setStatus(ctx, s.instanceID, StatusRunning, nil, nil)
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case ev := <-ch:
		if err := s.persistStepOutput(ctx, stepName, ev.Payload); err != nil {
			return nil, err
		}
		return ev.Payload, nil
	case <-timeoutCh:
		return nil, rterr.New(rterr.Timeout, "workflow: waitForEvent %s timed out after %s", name, timeout)
	case <-ctx.Done():
		return nil, rterr.Wrap(rterr.Aborted, ctx.Err(), "workflow: waitForEvent %s cancelled", name)
	}
}

// consumeExistingEvent picks up an event that was sent before this call
// registered its listener channel. Matching is by type only — a
// workflow that issues more than one waitForEvent of the same type
// concurrently must disambiguate with its own payload contents, the
// same limitation the in-process channel handshake below has.
func (s *Step) consumeExistingEvent(ctx context.Context, eventType string) (json.RawMessage, bool, error) {
	var payload sql.NullString
	err := s.binding.db.Conn().QueryRowContext(ctx, `
		SELECT payload FROM workflow_events
		WHERE instance_id = ? AND event_type = ?
		ORDER BY id ASC LIMIT 1
	`, s.instanceID, eventType).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, rterr.Wrap(rterr.Internal, err, "workflow: query pending events")
	}
	if !payload.Valid {
		return json.RawMessage("null"), true, nil
	}
	return json.RawMessage(payload.String), true, nil
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
