package durableobject

import (
	"context"
	"net/http"
	"sync"

	"github.com/aristath/workerbench/internal/rterr"
)

// inProcessExecutor serializes every Op behind a plain mutex and invokes
// the actor directly in the caller's goroutine. This is the common path
// (spec.md §4.5.7: "In-process — runs the user class in the same
// process").
type inProcessExecutor struct {
	mu       sync.Mutex
	actor    any
	active   bool
	blocked  bool
	disposed bool
	sockets  func() int
}

func newInProcessExecutor(actor any, activeSockets func() int) *inProcessExecutor {
	return &inProcessExecutor{actor: actor, sockets: activeSockets}
}

func (e *inProcessExecutor) run(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return rterr.New(rterr.Aborted, "durableobject: instance disposed")
	}
	e.active = true
	defer func() { e.active = false }()
	return fn()
}

func (e *inProcessExecutor) ExecuteFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := e.run(func() error {
		h, ok := e.actor.(FetchHandler)
		if !ok {
			return rterr.New(rterr.NotSupported, "durableobject: actor does not implement Fetch")
		}
		var innerErr error
		resp, innerErr = h.Fetch(ctx, req)
		return innerErr
	})
	return resp, err
}

func (e *inProcessExecutor) ExecuteRPC(ctx context.Context, method string, args []byte) ([]byte, error) {
	var out []byte
	err := e.run(func() error {
		var innerErr error
		out, innerErr = callHandler(ctx, e.actor, Op{Kind: OpCall, Method: method, Args: args})
		return innerErr
	})
	return out, err
}

func (e *inProcessExecutor) ExecuteRPCGet(ctx context.Context, prop string) ([]byte, error) {
	var out []byte
	err := e.run(func() error {
		var innerErr error
		out, innerErr = callHandler(ctx, e.actor, Op{Kind: OpGet, Prop: prop})
		return innerErr
	})
	return out, err
}

func (e *inProcessExecutor) ExecuteAlarm(ctx context.Context, retryCount int, isRetry bool) error {
	return e.run(func() error {
		h, ok := e.actor.(AlarmHandler)
		if !ok {
			return rterr.New(rterr.NotSupported, "durableobject: actor does not implement Alarm")
		}
		return h.Alarm(ctx, retryCount, isRetry)
	})
}

func (e *inProcessExecutor) RunLocked(ctx context.Context, fn func(actor any) error) error {
	return e.run(func() error { return fn(e.actor) })
}

func (e *inProcessExecutor) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *inProcessExecutor) IsBlocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocked
}

func (e *inProcessExecutor) ActiveWebSocketCount() int {
	if e.sockets == nil {
		return 0
	}
	return e.sockets()
}

func (e *inProcessExecutor) IsAborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

func (e *inProcessExecutor) Dispose() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed = true
	return nil
}
