// Package workflow implements the durable step-execution engine (spec.md
// §4.6): memoized steps, sleep/waitForEvent, pause/resume/terminate,
// restart-from-step, and crash recovery of instances left `running`.
package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/events"
	"github.com/aristath/workerbench/internal/exectx"
	"github.com/aristath/workerbench/internal/rterr"
)

// Status is one of the instance lifecycle states (spec.md §3).
type Status string

const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusWaiting     Status = "waiting"
	StatusComplete    Status = "complete"
	StatusErrored     Status = "errored"
	StatusTerminated  Status = "terminated"
)

// Event is delivered to Run and to a waiting step.WaitForEvent call.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// RunFunc is the user workflow class's run(event, step) method.
type RunFunc func(ctx context.Context, event Event, step *Step) (any, error)

// NonRetryableError, when returned from a step.Do callback, terminates
// the whole instance as `errored` immediately instead of retrying
// (spec.md §4.6: "Throwing NonRetryableError terminates the workflow
// with errored immediately").
type NonRetryableError struct{ Err error }

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// Binding owns every instance of one workflow class.
type Binding struct {
	db           *database.DB
	workflowName string
	className    string
	run          RunFunc
	bus          *events.Bus
	log          zerolog.Logger

	mu        sync.Mutex
	instances map[string]*runningInstance
}

// runningInstance is the in-memory control surface for one in-flight
// run goroutine: a pause gate, an abort flag, and whatever event type a
// waitForEvent call is currently blocked on.
type runningInstance struct {
	mu          sync.Mutex
	paused      bool
	pauseCond   *sync.Cond
	aborted     bool
	waitingType string
	eventCh     chan Event
}

func newRunningInstance() *runningInstance {
	ri := &runningInstance{}
	ri.pauseCond = sync.NewCond(&ri.mu)
	return ri
}

// NewBinding creates a Binding and, per spec.md §4.6's crash-recovery
// rule, re-invokes every instance this process's database shows as
// still `running`.
func NewBinding(ctx context.Context, db *database.DB, workflowName, className string, run RunFunc, bus *events.Bus, log zerolog.Logger) (*Binding, error) {
	b := &Binding{
		db:           db,
		workflowName: workflowName,
		className:    className,
		run:          run,
		bus:          bus,
		log:          log.With().Str("component", "workflow").Str("workflow", workflowName).Logger(),
		instances:    make(map[string]*runningInstance),
	}
	if err := b.recoverRunningInstances(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Binding) recoverRunningInstances(ctx context.Context) error {
	rows, err := b.db.Conn().QueryContext(ctx, `
		SELECT id FROM workflow_instances WHERE workflow_name = ? AND status = 'running'
	`, b.workflowName)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "workflow: query running instances")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return rterr.Wrap(rterr.Internal, err, "workflow: scan running instance id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return rterr.Wrap(rterr.Internal, err, "workflow: iterate running instances")
	}

	for _, id := range ids {
		b.log.Info().Str("instance_id", id).Msg("resuming interrupted workflow instance")
		b.spawn(id, Event{})
	}
	return nil
}

// CreateOptions configures a new instance (spec.md §4.6: "create({id?,
// params?})").
type CreateOptions struct {
	ID     string
	Params json.RawMessage
}

// Create inserts a new instance with status=running and starts its run
// goroutine.
func (b *Binding) Create(ctx context.Context, opts CreateOptions) (*Handle, error) {
	id := opts.ID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, rterr.Wrap(rterr.Internal, err, "workflow: generate instance id")
		}
		id = u.String()
	}

	now := time.Now().UnixMilli()
	_, err := b.db.Conn().ExecContext(ctx, `
		INSERT INTO workflow_instances (id, workflow_name, class_name, params, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'running', ?, ?)
	`, id, b.workflowName, b.className, string(opts.Params), now, now)
	if err != nil {
		return nil, rterr.Wrap(rterr.Conflict, err, "workflow: create instance %s", id)
	}

	b.spawn(id, Event{Type: "start", Payload: opts.Params})
	return &Handle{binding: b, id: id}, nil
}

// Get returns a handle to an existing instance without validating it
// exists yet — Status will surface NotFound if it does not.
func (b *Binding) Get(id string) *Handle { return &Handle{binding: b, id: id} }

// AbortAll terminates every instance currently running under this
// binding, used by the generation manager when stopping a generation
// (spec.md §4.8: "transition to stopped: ... abort its workflows").
func (b *Binding) AbortAll(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.instances))
	for id := range b.instances {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		_ = b.Get(id).Terminate(ctx)
	}
}

func (b *Binding) spawn(id string, event Event) {
	b.mu.Lock()
	ri := newRunningInstance()
	b.instances[id] = ri
	b.mu.Unlock()

	go b.runInstance(id, ri, event)
}

func (b *Binding) runInstance(id string, ri *runningInstance, event Event) {
	ctx := context.Background()
	step := &Step{binding: b, instanceID: id, ri: ri, ectx: exectx.New()}

	output, err := b.run(ctx, event, step)

	b.mu.Lock()
	delete(b.instances, id)
	b.mu.Unlock()

	step.ectx.AwaitAll(30 * time.Second)

	if ri.aborted {
		b.setStatus(ctx, id, StatusTerminated, nil, nil)
		return
	}

	if err != nil {
		msg := err.Error()
		b.log.Error().Err(err).Str("instance_id", id).Msg("workflow run errored")
		b.setStatus(ctx, id, StatusErrored, nil, &msg)
		if b.bus != nil {
			b.bus.Emit(events.WorkflowErrored, "workflow", map[string]any{"instance_id": id, "workflow": b.workflowName, "error": msg})
		}
		return
	}

	outJSON, _ := json.Marshal(output)
	raw := json.RawMessage(outJSON)
	b.setStatus(ctx, id, StatusComplete, &raw, nil)
}

func (b *Binding) setStatus(ctx context.Context, id string, status Status, output *json.RawMessage, errMsg *string) {
	var outStr, errStr any
	if output != nil {
		outStr = string(*output)
	}
	if errMsg != nil {
		errStr = *errMsg
	}
	_, err := b.db.Conn().ExecContext(ctx, `
		UPDATE workflow_instances SET status = ?, output = ?, error = ?, updated_at = ? WHERE id = ?
	`, string(status), outStr, errStr, time.Now().UnixMilli(), id)
	if err != nil {
		b.log.Error().Err(err).Str("instance_id", id).Msg("failed to persist instance status")
	}
}
