// Package generation implements the generation manager (spec.md §4.8):
// it owns one active generation plus a set of draining generations,
// reloads the active generation when the embedding program registers a
// new Module, runs each generation's cron scheduler and queue
// consumers, and dispatches incoming requests to the active
// generation's handler.
package generation

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/config"
	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/durableobject"
	"github.com/aristath/workerbench/internal/events"
	"github.com/aristath/workerbench/internal/exectx"
	"github.com/aristath/workerbench/internal/queue"
	"github.com/aristath/workerbench/internal/rterr"
	"github.com/aristath/workerbench/internal/servicebinding"
	"github.com/aristath/workerbench/internal/workflow"
)

// DefaultGracePeriod is how long an idle generation is kept around
// before it is stopped, absent an explicit config value (spec.md §4.8:
// "after a grace timer gracePeriodMs").
const DefaultGracePeriod = 5 * time.Second

// Status is a generation's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusDraining Status = "draining"
	StatusStopped  Status = "stopped"
)

// Handler is implemented by the user module's fetch entrypoint. Per
// spec.md §4.8, "class-based handlers are instantiated per-request with
// (ExecutionContext, env); object-style handlers receive
// (request, env, ctx)" — both source shapes collapse to one Go method
// since Go has no per-request object instantiation to mirror.
type Handler interface {
	Fetch(ctx context.Context, ectx *exectx.Context, env *Env, req *http.Request) (*http.Response, error)
}

// QueueHandler is an optional Handler extension for the `queue`
// entrypoint (spec.md §4.4).
type QueueHandler interface {
	Queue(ctx context.Context, ectx *exectx.Context, env *Env, batch *queue.MessageBatch) error
}

// ScheduledHandler is an optional Handler extension for the `scheduled`
// entrypoint (spec.md §4.8's cron scheduler).
type ScheduledHandler interface {
	Scheduled(ctx context.Context, ectx *exectx.Context, env *Env, cronExpr string, scheduledTime time.Time) error
}

// EmailHandler is an optional Handler extension for the `email`
// entrypoint (spec.md §6: "feed an email into the handler").
type EmailHandler interface {
	Email(ctx context.Context, ectx *exectx.Context, env *Env, from, to string, raw []byte) error
}

// RPCHandler is an optional Handler extension letting a generation
// answer service-binding Call/Get in addition to Fetch (spec.md §4.7).
type RPCHandler interface {
	RPCCall(ctx context.Context, method string, args ...any) (any, error)
	RPCGet(ctx context.Context, prop string) (any, error)
}

// Generation is one instantiation of the user module: a handler bound
// to its own env, durable-object namespaces, workflow bindings, queue
// consumers, and cron scheduler (spec.md §3: "Generation").
type Generation struct {
	id     string
	cfg    *config.Config
	mod    *Module
	db     *database.DB
	env    *Env
	status atomic.Value // Status
	log    zerolog.Logger
	bus    *events.Bus

	activeRequests atomic.Int64

	namespaces map[string]*durableobject.Namespace
	workflows  map[string]*workflow.Binding
	consumers  []*queue.PushConsumer
	cron       *cronScheduler

	runCtx    context.Context
	runCancel context.CancelFunc

	gracePeriod time.Duration
	idleMu      sync.Mutex
	idleTimer   *time.Timer
	onStopped   func(*Generation)
}

func newGeneration(cfg *config.Config, mod *Module, db *database.DB, env *Env, namespaces map[string]*durableobject.Namespace, workflows map[string]*workflow.Binding, bus *events.Bus, log zerolog.Logger) *Generation {
	id, err := uuid.NewV7()
	idStr := ""
	if err == nil {
		idStr = id.String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Generation{
		id:          idStr,
		cfg:         cfg,
		mod:         mod,
		db:          db,
		env:         env,
		namespaces:  namespaces,
		workflows:   workflows,
		bus:         bus,
		log:         log.With().Str("component", "generation").Str("generation", idStr).Logger(),
		runCtx:      ctx,
		runCancel:   cancel,
		gracePeriod: DefaultGracePeriod,
	}
	g.status.Store(StatusActive)
	return g
}

// ID returns the generation's opaque identifier.
func (g *Generation) ID() string { return g.id }

// Handler returns the generation's handler, so the dispatcher can probe
// it for the optional Scheduled/Email/RPC entrypoints.
func (g *Generation) Handler() Handler { return g.mod.Handler }

// Env returns the generation's BindingRegistry.
func (g *Generation) Env() *Env { return g.env }

// Status reports the generation's current lifecycle state.
func (g *Generation) Status() Status { return g.status.Load().(Status) }

func (g *Generation) setStatus(s Status) { g.status.Store(s) }

// start launches the generation's queue consumers and cron scheduler
// (spec.md §4.8: "Start the new generation's queue consumers and cron
// scheduler").
func (g *Generation) start() {
	qh, hasQueueHandler := g.mod.Handler.(QueueHandler)
	for _, cfgConsumer := range g.cfg.QueueConsumers {
		if !hasQueueHandler {
			continue
		}
		consumer := queue.NewPushConsumer(g.db.Conn(), queue.PushConsumerConfig{
			Queue:            cfgConsumer.Queue,
			MaxBatchSize:     cfgConsumer.MaxBatchSize,
			MaxBatchTimeout:  time.Duration(cfgConsumer.MaxBatchTimeoutS) * time.Second,
			MaxRetries:       cfgConsumer.MaxRetries,
			DeadLetterQueue:  cfgConsumer.DeadLetterQueue,
			RetentionSeconds: cfgConsumer.RetentionSeconds,
		}, func(ctx context.Context, batch *queue.MessageBatch, ectx *exectx.Context) error {
			return qh.Queue(ctx, ectx, g.env, batch)
		}, g.bus, g.log)
		consumer.Start(g.runCtx)
		g.consumers = append(g.consumers, consumer)
	}

	if sh, ok := g.mod.Handler.(ScheduledHandler); ok && len(g.cfg.Crons) > 0 {
		g.cron = newCronScheduler(g.cfg.Crons, func(ctx context.Context, expr string, scheduledTime time.Time) {
			ectx := exectx.New()
			if err := sh.Scheduled(ctx, ectx, g.env, expr, scheduledTime); err != nil {
				g.log.Error().Err(err).Str("expr", expr).Msg("scheduled handler failed")
			}
			ectx.AwaitAll(0)
		}, g.log)
		g.cron.Start(g.runCtx)
	}
}

// beginRequest marks one fetch/email/manual-scheduled invocation as
// in flight, cancelling any pending idle-drain timer.
func (g *Generation) beginRequest() {
	g.activeRequests.Add(1)
	g.idleMu.Lock()
	if g.idleTimer != nil {
		g.idleTimer.Stop()
		g.idleTimer = nil
	}
	g.idleMu.Unlock()
}

// endRequest marks an invocation complete and checks whether the
// generation has gone idle (spec.md §4.8: "no active requests and no DO
// with accepted sockets").
func (g *Generation) endRequest() {
	if g.activeRequests.Add(-1) <= 0 {
		g.checkIdle()
	}
}

func (g *Generation) isIdle() bool {
	if g.activeRequests.Load() > 0 {
		return false
	}
	for _, ns := range g.namespaces {
		if ns.HasOpenSockets() {
			return false
		}
	}
	return true
}

// checkIdle arms the grace-period timer once the generation looks
// idle; only meaningful for draining generations — an active
// generation simply sits idle until the next request.
func (g *Generation) checkIdle() {
	if g.Status() != StatusDraining {
		return
	}
	if !g.isIdle() {
		return
	}
	g.idleMu.Lock()
	defer g.idleMu.Unlock()
	if g.idleTimer != nil {
		return
	}
	g.idleTimer = time.AfterFunc(g.gracePeriod, g.stop)
}

// stop transitions the generation to stopped: destroys its namespaces,
// aborts its workflows, and releases its queue consumers and cron
// scheduler (spec.md §4.8).
func (g *Generation) stop() {
	if g.Status() == StatusStopped {
		return
	}
	g.setStatus(StatusStopped)
	g.runCancel()

	for _, c := range g.consumers {
		c.Stop()
	}
	if g.cron != nil {
		g.cron.Stop()
	}
	for _, ns := range g.namespaces {
		ns.Destroy()
	}
	for _, wf := range g.workflows {
		wf.AbortAll(context.Background())
	}

	g.bus.Emit(events.GenerationStopped, "generation", map[string]any{"generation_id": g.id})
	if g.onStopped != nil {
		g.onStopped(g)
	}
}

// drain marks the generation draining: its consumers and cron stop
// immediately, but in-flight requests and durable-actor sockets keep
// running until idle (spec.md §4.8: "stop the draining generation's
// consumers and cron immediately").
func (g *Generation) drain() {
	if g.Status() != StatusActive {
		return
	}
	g.setStatus(StatusDraining)
	for _, c := range g.consumers {
		c.Stop()
	}
	if g.cron != nil {
		g.cron.Stop()
	}
	g.checkIdle()
}

// Fetch dispatches req to the handler, tracking it as an active
// request for idle detection (spec.md §4.8: "hand it to the active
// generation's callFetch").
func (g *Generation) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	g.beginRequest()
	defer g.endRequest()

	ectx := exectx.New()
	resp, err := g.mod.Handler.Fetch(ctx, ectx, g.env, req)
	ectx.AwaitAll(0)
	return resp, err
}

// --- servicebinding.Target: a Generation is itself a valid fetch/RPC
// target for another generation's service binding (spec.md §4.7).

func (g *Generation) Call(ctx context.Context, method string, args ...any) (any, error) {
	rh, ok := g.mod.Handler.(RPCHandler)
	if !ok {
		return nil, rterr.New(rterr.NotSupported, "generation: handler does not implement RPC")
	}
	g.beginRequest()
	defer g.endRequest()
	return rh.RPCCall(ctx, method, args...)
}

func (g *Generation) Get(ctx context.Context, prop string) (any, error) {
	rh, ok := g.mod.Handler.(RPCHandler)
	if !ok {
		return nil, rterr.New(rterr.NotSupported, "generation: handler does not implement RPC")
	}
	g.beginRequest()
	defer g.endRequest()
	return rh.RPCGet(ctx, prop)
}

var _ servicebinding.Target = (*Generation)(nil)
