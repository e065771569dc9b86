package generation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/bindings/analytics"
	"github.com/aristath/workerbench/internal/bindings/cache"
	"github.com/aristath/workerbench/internal/bindings/d1"
	"github.com/aristath/workerbench/internal/bindings/email"
	"github.com/aristath/workerbench/internal/bindings/kv"
	"github.com/aristath/workerbench/internal/bindings/r2"
	"github.com/aristath/workerbench/internal/config"
	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/durableobject"
	"github.com/aristath/workerbench/internal/events"
	"github.com/aristath/workerbench/internal/queue"
	"github.com/aristath/workerbench/internal/servicebinding"
	"github.com/aristath/workerbench/internal/workflow"
)

// Env is the BindingRegistry a generation hands to its handler (spec.md
// §4.8: "Build a fresh env and BindingRegistry"). Each map is keyed by
// the binding name from config, the same name the handler looks it up
// by.
type Env struct {
	Vars map[string]string

	KV             map[string]*kv.Store
	R2             map[string]*r2.Store
	D1             map[string]*d1.Database
	Cache          map[string]*cache.Store
	Analytics      map[string]*analytics.Dataset
	Email          map[string]*email.Binding
	QueueProducers map[string]*queue.Producer
	Services       map[string]*servicebinding.Binding
	DurableObjects map[string]*durableobject.Namespace
	Workflows      map[string]*workflow.Binding
}

// Module is what an embedding program registers with the Manager: the
// handler plus every actor/workflow constructor its config-declared
// classes need. Per spec.md §9's Design Note, Go has no safe way to
// re-import a user module as a shared library the way the source
// reloads worker code, so the "module" is a bundle of Go values the
// host program supplies directly; hot-reload is re-registering a new
// bundle via Manager.Reload.
type Module struct {
	Handler         Handler
	ActorFactories  map[string]durableobject.Factory // keyed by class_name
	WorkflowRunners map[string]workflow.RunFunc      // keyed by class_name
}

// buildEnv constructs a fresh Env and the durable-object/workflow
// bindings a new generation owns, per cfg.
func buildEnv(ctx context.Context, db *database.DB, cfg *config.Config, mod *Module, registry *servicebinding.Registry, bus *events.Bus, log zerolog.Logger) (*Env, map[string]*durableobject.Namespace, map[string]*workflow.Binding, error) {
	env := &Env{
		Vars:           cfg.Vars,
		KV:             make(map[string]*kv.Store),
		R2:             make(map[string]*r2.Store),
		D1:             make(map[string]*d1.Database),
		Cache:          make(map[string]*cache.Store),
		Analytics:      make(map[string]*analytics.Dataset),
		Email:          make(map[string]*email.Binding),
		QueueProducers: make(map[string]*queue.Producer),
		Services:       make(map[string]*servicebinding.Binding),
		DurableObjects: make(map[string]*durableobject.Namespace),
		Workflows:      make(map[string]*workflow.Binding),
	}

	for _, b := range cfg.KV {
		env.KV[b.Binding] = kv.New(db.Conn(), b.Namespace, log)
	}
	for _, b := range cfg.R2 {
		env.R2[b.Binding] = r2.New(db.Conn(), db.R2Dir(), b.Bucket, log)
	}
	for _, b := range cfg.D1 {
		d1db, err := d1.Open(db.D1Path(b.DatabaseName), b.DatabaseName, log)
		if err != nil {
			return nil, nil, nil, err
		}
		env.D1[b.Binding] = d1db
	}

	namespaces := make(map[string]*durableobject.Namespace)
	for _, b := range cfg.DurableObjects {
		factory, ok := mod.ActorFactories[b.ClassName]
		if !ok {
			continue
		}
		mode := durableobject.InProcess
		if b.Isolated {
			mode = durableobject.Isolated
		}
		evict := durableobject.DefaultEvictionTimeout
		if b.EvictMillis > 0 {
			evict = time.Duration(b.EvictMillis) * time.Millisecond
		}
		ns, err := durableobject.NewNamespace(ctx, db, factory, durableobject.NamespaceConfig{
			ClassName:       b.ClassName,
			ExecutorMode:    mode,
			EvictionTimeout: evict,
		}, bus, log)
		if err != nil {
			return nil, nil, nil, err
		}
		namespaces[b.Binding] = ns
		env.DurableObjects[b.Binding] = ns
	}

	workflows := make(map[string]*workflow.Binding)
	for _, b := range cfg.Workflows {
		run, ok := mod.WorkflowRunners[b.ClassName]
		if !ok {
			continue
		}
		wb, err := workflow.NewBinding(ctx, db, b.Name, b.ClassName, run, bus, log)
		if err != nil {
			return nil, nil, nil, err
		}
		workflows[b.Binding] = wb
		env.Workflows[b.Binding] = wb
	}

	for _, b := range cfg.QueueProducers {
		env.QueueProducers[b.Binding] = queue.NewProducer(db.Conn(), b.Queue, log)
	}
	for _, b := range cfg.Services {
		counter := servicebinding.NewSubrequestCounter(servicebinding.ServiceBindingMaxSubrequests)
		env.Services[b.Binding] = servicebinding.New(b.Binding, b.ServiceName, registry, counter, log)
	}

	env.Cache["default"] = cache.New(db.Conn(), "default", log)
	env.Analytics["default"] = analytics.New(db.Conn(), "default", log)
	env.Email["default"] = email.New(db.Conn(), "default", nil, log)

	return env, namespaces, workflows, nil
}

