// Package servicebinding implements worker-to-worker proxies (spec.md
// §4.7): an in-process fetch call into another generation's active
// handler, an RPC call surface, and per-invocation subrequest
// accounting shared across both modes.
//
// The source's "any other property access is RPC, with property reads
// returning a thenable" proxy is replaced per spec.md §9's own Design
// Note: an explicit Target interface producing Call/Get/Fetch results
// directly, the same substitution internal/durableobject makes for its
// stub.
package servicebinding

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/rterr"
)

// DefaultMaxSubrequests is the per-invocation subrequest budget for
// ordinary fetch()/binding calls (spec.md §4.7).
const DefaultMaxSubrequests = 1000

// ServiceBindingMaxSubrequests is the tighter budget enforced
// specifically for worker-to-worker service-binding calls.
const ServiceBindingMaxSubrequests = 32

// Target is the thing a Binding resolves to: another generation's
// active handler, reachable in-process. Fetch dispatches to its
// `fetch` entrypoint; Call/Get dispatch to its RPC-exposed methods and
// properties.
type Target interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
	Call(ctx context.Context, method string, args ...any) (any, error)
	Get(ctx context.Context, prop string) (any, error)
}

// Registry resolves a service binding's configured target name to the
// Target currently backing it — normally the generation manager's
// active generation for that service name.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Target
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Target)}
}

// Register binds name to target, replacing any existing binding — used
// by the generation manager on reload to point service bindings at the
// newly active generation.
func (r *Registry) Register(name string, target Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name] = target
}

// Unregister removes name, used when a generation is destroyed.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, name)
}

func (r *Registry) resolve(name string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[name]
	return t, ok
}

// SubrequestCounter is a per-invocation (per-request, per-queue-batch,
// per-alarm, per-step) counter shared by every binding call made during
// that invocation.
type SubrequestCounter struct {
	mu    sync.Mutex
	count int
	max   int
}

// NewSubrequestCounter creates a counter bounded at max (spec.md §4.7:
// "subrequestCount, bounded by maxSubrequests").
func NewSubrequestCounter(max int) *SubrequestCounter {
	if max <= 0 {
		max = DefaultMaxSubrequests
	}
	return &SubrequestCounter{max: max}
}

func (c *SubrequestCounter) Increment() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count >= c.max {
		return rterr.New(rterr.LimitExceeded, "subrequest limit %d exceeded", c.max)
	}
	c.count++
	return nil
}

// Count reports how many subrequests this invocation has made so far.
func (c *SubrequestCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Binding is one configured service-binding handle, as seen through a
// user handler's env.
type Binding struct {
	name       string
	targetName string
	registry   *Registry
	counter    *SubrequestCounter
	log        zerolog.Logger
}

// New creates a Binding named name, proxying to targetName through
// registry, with calls metered against counter (spec.md §4.7's
// maxSubrequests=32 for service bindings — callers construct counter
// with NewSubrequestCounter(ServiceBindingMaxSubrequests)).
func New(name, targetName string, registry *Registry, counter *SubrequestCounter, log zerolog.Logger) *Binding {
	return &Binding{
		name:       name,
		targetName: targetName,
		registry:   registry,
		counter:    counter,
		log:        log.With().Str("component", "servicebinding").Str("binding", name).Logger(),
	}
}

func (b *Binding) target() (Target, error) {
	t, ok := b.registry.resolve(b.targetName)
	if !ok {
		return nil, rterr.New(rterr.NotFound, "service binding %s: target %s not registered", b.name, b.targetName)
	}
	return t, nil
}

// Fetch resolves the target generation and calls its fetch handler
// in-process, propagating the request as-is (tracing headers travel on
// req.Header, set by the caller before this is invoked).
func (b *Binding) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := b.counter.Increment(); err != nil {
		return nil, err
	}
	t, err := b.target()
	if err != nil {
		return nil, err
	}
	return t.Fetch(ctx, req)
}

// Call invokes method as an RPC against the target (spec.md §4.7:
// "any other property access: RPC... returns a Promise-returning
// function for method calls").
func (b *Binding) Call(ctx context.Context, method string, args ...any) (any, error) {
	if err := b.counter.Increment(); err != nil {
		return nil, err
	}
	t, err := b.target()
	if err != nil {
		return nil, err
	}
	return t.Call(ctx, method, args...)
}

// Get reads a property's current value (spec.md §4.7: "property reads
// via thenable pattern return current value"). In this interface-based
// substitution the thenable collapses to a direct value-returning call.
func (b *Binding) Get(ctx context.Context, prop string) (any, error) {
	if err := b.counter.Increment(); err != nil {
		return nil, err
	}
	t, err := b.target()
	if err != nil {
		return nil, err
	}
	return t.Get(ctx, prop)
}

// Connect is declared for interface completeness but always fails
// (spec.md §4.7: "connect(...) is declared but always fails with
// NotSupported").
func (b *Binding) Connect(ctx context.Context, address string) (any, error) {
	return nil, rterr.New(rterr.NotSupported, "service binding %s: connect is not supported", b.name)
}
