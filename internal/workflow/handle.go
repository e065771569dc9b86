package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/workerbench/internal/rterr"
)

// Handle is a reference to one workflow instance (spec.md §4.6).
type Handle struct {
	binding *Binding
	id      string
}

// ID returns the instance id.
func (h *Handle) ID() string { return h.id }

type instanceRow struct {
	status Status
	output sql.NullString
	errMsg sql.NullString
	params sql.NullString
}

func (h *Handle) load(ctx context.Context) (*instanceRow, error) {
	var r instanceRow
	var status string
	err := h.binding.db.Conn().QueryRowContext(ctx, `
		SELECT status, output, error, params FROM workflow_instances WHERE id = ? AND workflow_name = ?
	`, h.id, h.binding.workflowName).Scan(&status, &r.output, &r.errMsg, &r.params)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rterr.New(rterr.NotFound, "workflow: instance %s not found", h.id)
	}
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "workflow: load instance %s", h.id)
	}
	r.status = Status(status)
	return &r, nil
}

// Status reports the instance's current lifecycle state.
func (h *Handle) Status(ctx context.Context) (Status, error) {
	r, err := h.load(ctx)
	if err != nil {
		return "", err
	}
	return r.status, nil
}

// Output returns the stored output of a complete instance.
func (h *Handle) Output(ctx context.Context) (json.RawMessage, error) {
	r, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	if !r.output.Valid {
		return nil, nil
	}
	return json.RawMessage(r.output.String), nil
}

func (h *Handle) running() (*runningInstance, bool) {
	h.binding.mu.Lock()
	defer h.binding.mu.Unlock()
	ri, ok := h.binding.instances[h.id]
	return ri, ok
}

// Pause sets a flag the step loop checks before every step (spec.md
// §4.6: "pause() sets a flag checked before each step").
func (h *Handle) Pause(ctx context.Context) error {
	ri, ok := h.running()
	if !ok {
		return rterr.New(rterr.NotFound, "workflow: instance %s not running", h.id)
	}
	ri.mu.Lock()
	ri.paused = true
	ri.mu.Unlock()
	return h.setStatusOnly(ctx, StatusPaused)
}

// Resume releases any step blocked on the pause flag.
func (h *Handle) Resume(ctx context.Context) error {
	ri, ok := h.running()
	if !ok {
		return rterr.New(rterr.NotFound, "workflow: instance %s not running", h.id)
	}
	ri.mu.Lock()
	ri.paused = false
	ri.mu.Unlock()
	ri.pauseCond.Broadcast()
	return h.setStatusOnly(ctx, StatusRunning)
}

// Terminate aborts the instance; the step loop checks the abort flag
// before every step (spec.md §4.6: "terminate() aborts the instance").
func (h *Handle) Terminate(ctx context.Context) error {
	ri, ok := h.running()
	if ok {
		ri.mu.Lock()
		ri.aborted = true
		ri.paused = false
		ri.mu.Unlock()
		ri.pauseCond.Broadcast()
		return nil // runInstance observes the abort and sets status itself
	}
	return h.setStatusOnly(ctx, StatusTerminated)
}

func (h *Handle) setStatusOnly(ctx context.Context, status Status) error {
	_, err := h.binding.db.Conn().ExecContext(ctx, `
		UPDATE workflow_instances SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UnixMilli(), h.id)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "workflow: update instance status")
	}
	return nil
}

// Restart deletes step rows at or after fromStep (or every step, if
// fromStep is "") and re-invokes run from scratch (spec.md §4.6:
// "restart({fromStep?})").
func (h *Handle) Restart(ctx context.Context, fromStep string) error {
	if fromStep == "" {
		if _, err := h.binding.db.Conn().ExecContext(ctx, `DELETE FROM workflow_steps WHERE instance_id = ?`, h.id); err != nil {
			return rterr.Wrap(rterr.Internal, err, "workflow: clear steps for restart")
		}
	} else {
		if _, err := h.binding.db.Conn().ExecContext(ctx, `
			DELETE FROM workflow_steps WHERE instance_id = ? AND completed_at >= (
				SELECT completed_at FROM workflow_steps WHERE instance_id = ? AND step_name = ?
			)
		`, h.id, h.id, fromStep); err != nil {
			return rterr.Wrap(rterr.Internal, err, "workflow: clear steps from %s", fromStep)
		}
	}

	if _, err := h.binding.db.Conn().ExecContext(ctx, `
		UPDATE workflow_instances SET status = 'running', error = NULL, updated_at = ? WHERE id = ?
	`, time.Now().UnixMilli(), h.id); err != nil {
		return rterr.Wrap(rterr.Internal, err, "workflow: reset instance for restart")
	}

	h.binding.spawn(h.id, Event{Type: "restart"})
	return nil
}

// Duplicate creates a new instance with the same params under a fresh
// id (spec.md §4.6: "duplicate() (new id, same params)").
func (h *Handle) Duplicate(ctx context.Context) (*Handle, error) {
	r, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	var params json.RawMessage
	if r.params.Valid {
		params = json.RawMessage(r.params.String)
	}
	newID, err := uuid.NewV7()
	if err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "workflow: generate duplicate id")
	}
	return h.binding.Create(ctx, CreateOptions{ID: newID.String(), Params: params})
}

// SendEvent delivers an event, waking any step.WaitForEvent call blocked
// on a matching type and recording the event row regardless.
func (h *Handle) SendEvent(ctx context.Context, eventType string, payload json.RawMessage) error {
	_, err := h.binding.db.Conn().ExecContext(ctx, `
		INSERT INTO workflow_events (instance_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)
	`, h.id, eventType, string(payload), time.Now().UnixMilli())
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "workflow: record event")
	}

	if ri, ok := h.running(); ok {
		ri.mu.Lock()
		waiting := ri.waitingType == eventType && ri.eventCh != nil
		ch := ri.eventCh
		ri.mu.Unlock()
		if waiting {
			select {
			case ch <- Event{Type: eventType, Payload: payload}:
			default:
			}
		}
	}
	return nil
}
