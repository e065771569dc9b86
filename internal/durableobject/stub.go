package durableobject

import (
	"context"
	"net/http"
	"sync"
)

// Stub is a transparent handle to one durable-actor instance (spec.md
// §4.5.1). Every call lazily creates the backing instance on first use.
type Stub struct {
	ns *Namespace
	id ID
}

// ID returns the stub's identity.
func (s *Stub) ID() ID { return s.id }

// Call invokes method on the actor, msgpack-encoding args the same way
// the real stub boundary structured-clones its arguments.
func (s *Stub) Call(ctx context.Context, method string, args ...any) ([]byte, error) {
	inst, err := s.ns.GetOrCreate(ctx, s.id)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeArgs(args...)
	if err != nil {
		return nil, err
	}
	return inst.ExecuteRPC(ctx, method, encoded)
}

// Get reads a property via the thenable-property pattern (spec.md
// §4.5.1).
func (s *Stub) Get(ctx context.Context, prop string) ([]byte, error) {
	inst, err := s.ns.GetOrCreate(ctx, s.id)
	if err != nil {
		return nil, err
	}
	return inst.ExecuteRPCGet(ctx, prop)
}

// Fetch routes req through the actor's Fetch handler (spec.md §4.5.1:
// "stub.fetch").
func (s *Stub) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	inst, err := s.ns.GetOrCreate(ctx, s.id)
	if err != nil {
		return nil, err
	}
	return inst.ExecuteFetch(ctx, req)
}

type stubCache struct {
	mu    sync.Mutex
	stubs map[string]*Stub
}

func newStubCache() *stubCache {
	return &stubCache{stubs: make(map[string]*Stub)}
}

// GetStub returns the cached stub for id, creating one on first access
// (spec.md §4.5.1: "Same id returns the same cached proxy within a
// generation").
func (ns *Namespace) GetStub(id ID) *Stub {
	ns.stubsOnce.Do(func() { ns.stubsMap = newStubCache() })
	ns.stubsMap.mu.Lock()
	defer ns.stubsMap.mu.Unlock()
	if s, ok := ns.stubsMap.stubs[id.String()]; ok {
		return s
	}
	s := &Stub{ns: ns, id: id}
	ns.stubsMap.stubs[id.String()] = s
	return s
}
