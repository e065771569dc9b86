package durableobject

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/events"
	"github.com/aristath/workerbench/internal/rterr"
)

// DefaultEvictionTimeout matches common defaults seen across the
// example pack's idle-connection reapers.
const DefaultEvictionTimeout = 30 * time.Second

// NamespaceConfig configures a Namespace.
type NamespaceConfig struct {
	ClassName       string
	ExecutorMode    ExecutorMode
	EvictionTimeout time.Duration
}

// Namespace owns every live Instance of one actor class (spec.md
// §4.5.1/§3: "DurableActorNamespace").
type Namespace struct {
	className       string
	db              *database.DB
	factory         Factory
	executorMode    ExecutorMode
	evictionTimeout time.Duration
	log             zerolog.Logger
	bus             *events.Bus

	mu          sync.Mutex
	instances   map[string]*Instance
	alarmTimers map[string]*time.Timer
	stopEvict   chan struct{}

	stubsOnce sync.Once
	stubsMap  *stubCache
}

// NewNamespace creates a Namespace for one actor class and re-arms any
// alarms persisted from a previous run (spec.md §4.5.4: "On startup,
// re-arm every persisted alarm").
func NewNamespace(ctx context.Context, db *database.DB, factory Factory, cfg NamespaceConfig, bus *events.Bus, log zerolog.Logger) (*Namespace, error) {
	if cfg.EvictionTimeout <= 0 {
		cfg.EvictionTimeout = DefaultEvictionTimeout
	}
	ns := &Namespace{
		className:       cfg.ClassName,
		db:              db,
		factory:         factory,
		executorMode:    cfg.ExecutorMode,
		evictionTimeout: cfg.EvictionTimeout,
		log:             log.With().Str("component", "durableobject").Str("class", cfg.ClassName).Logger(),
		bus:             bus,
		instances:       make(map[string]*Instance),
		alarmTimers:     make(map[string]*time.Timer),
		stopEvict:       make(chan struct{}),
	}
	if err := ns.rearmPersistedAlarms(ctx); err != nil {
		return nil, err
	}
	go ns.evictionLoop()
	return ns, nil
}

// GetOrCreate returns the live instance for id, constructing it (and
// running any constructor blockConcurrencyWhile callbacks) if absent.
func (ns *Namespace) GetOrCreate(ctx context.Context, id ID) (*Instance, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if inst, ok := ns.instances[id.String()]; ok {
		return inst, nil
	}

	storage := newStorage(ns.db.Conn(), ns.className, id.String())
	sqlStore, err := openSQLStorage(ns.db.DOSQLPath(ns.className, id.String()))
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		id:        id,
		namespace: ns,
		storage:   storage,
		sql:       sqlStore,
		sockets:   newSocketState(),
		log:       ns.log,
	}

	state := &State{id: id, storage: storage, sql: sqlStore, instance: inst}
	actor, err := ns.factory(state)
	if err != nil {
		sqlStore.close()
		return nil, rterr.Wrap(rterr.Internal, err, "durableobject: construct instance %s", id.String())
	}
	for _, fn := range state.blockFuncs {
		if err := fn(ctx); err != nil {
			sqlStore.close()
			return nil, rterr.Wrap(rterr.Internal, err, "durableobject: init barrier for %s", id.String())
		}
	}

	activeSockets := inst.sockets.count
	switch ns.executorMode {
	case Isolated:
		inst.executor = newIsolatedExecutor(actor, activeSockets)
	default:
		inst.executor = newInProcessExecutor(actor, activeSockets)
	}
	inst.touch()

	ns.instances[id.String()] = inst
	return inst, nil
}

// Get returns the already-live instance for id without creating one.
func (ns *Namespace) Get(id ID) (*Instance, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	inst, ok := ns.instances[id.String()]
	return inst, ok
}

// HasOpenSockets reports whether any live instance has an accepted
// WebSocket, one half of the generation manager's idle test (spec.md
// §4.8: "no active requests and no DO with accepted sockets").
func (ns *Namespace) HasOpenSockets() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for _, inst := range ns.instances {
		if inst.sockets.count() > 0 {
			return true
		}
	}
	return false
}

func (ns *Namespace) evictionLoop() {
	ticker := time.NewTicker(ns.evictionTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ns.stopEvict:
			return
		case <-ticker.C:
			ns.sweepEvictable()
		}
	}
}

func (ns *Namespace) sweepEvictable() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for key, inst := range ns.instances {
		if inst.evictable(ns.evictionTimeout) {
			inst.dispose()
			inst.sql.close()
			delete(ns.instances, key)
		}
	}
}

// Destroy disposes every instance and stops the eviction sweeper; called
// when the owning generation transitions to stopped (spec.md §3).
func (ns *Namespace) Destroy() {
	close(ns.stopEvict)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for key, inst := range ns.instances {
		inst.dispose()
		inst.sql.close()
		delete(ns.instances, key)
	}
	for id, t := range ns.alarmTimers {
		t.Stop()
		delete(ns.alarmTimers, id)
	}
}
