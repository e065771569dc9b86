package durableobject

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/aristath/workerbench/internal/rterr"
)

// isolatedExecutor models the source's spawned-worker-thread isolation
// (spec.md §4.5.7: "Isolated — runs the user class in a spawned worker
// thread per instance") with a single dedicated goroutine reached only
// through an unbuffered command channel. Dispose closes that channel and
// waits for the goroutine to exit: the command already executing runs to
// completion and returns its own result, while every command still
// waiting to be handed over, or submitted afterward, fails with Aborted.
// Goroutines the actor itself started are not stopped by Dispose and can
// outlive it.
type isolatedExecutor struct {
	actor    any
	commands chan command
	active   atomic.Bool
	disposed atomic.Bool
	sockets  func() int
	wg       sync.WaitGroup
}

type command struct {
	op      Op
	fetch   *http.Request
	locked  func(actor any) error
	result  chan commandResult
}

type commandResult struct {
	bytes []byte
	resp  *http.Response
	err   error
}

func newIsolatedExecutor(actor any, activeSockets func() int) *isolatedExecutor {
	e := &isolatedExecutor{actor: actor, commands: make(chan command), sockets: activeSockets}
	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *isolatedExecutor) loop() {
	defer e.wg.Done()
	for cmd := range e.commands {
		e.active.Store(true)
		var res commandResult
		if cmd.locked != nil {
			res = commandResult{err: cmd.locked(e.actor)}
		} else {
			res = e.execute(cmd.op, cmd.fetch)
		}
		e.active.Store(false)
		cmd.result <- res
	}
}

func (e *isolatedExecutor) execute(op Op, req *http.Request) commandResult {
	switch op.Kind {
	case OpFetch:
		h, ok := e.actor.(FetchHandler)
		if !ok {
			return commandResult{err: rterr.New(rterr.NotSupported, "durableobject: actor does not implement Fetch")}
		}
		resp, err := h.Fetch(context.Background(), req)
		return commandResult{resp: resp, err: err}
	case OpAlarm:
		h, ok := e.actor.(AlarmHandler)
		if !ok {
			return commandResult{err: rterr.New(rterr.NotSupported, "durableobject: actor does not implement Alarm")}
		}
		return commandResult{err: h.Alarm(context.Background(), op.RetryCount, op.IsRetry)}
	default:
		b, err := callHandler(context.Background(), e.actor, op)
		return commandResult{bytes: b, err: err}
	}
}

func (e *isolatedExecutor) submit(ctx context.Context, op Op, req *http.Request) commandResult {
	return e.dispatch(ctx, command{op: op, fetch: req})
}

func (e *isolatedExecutor) dispatch(ctx context.Context, cmd command) (res commandResult) {
	if e.disposed.Load() {
		return commandResult{err: rterr.New(rterr.Aborted, "durableobject: worker disposed")}
	}
	// Dispose closing the channel makes a pending send panic; report that
	// the same way as a submission made after Dispose.
	defer func() {
		if recover() != nil {
			res = commandResult{err: rterr.New(rterr.Aborted, "durableobject: worker disposed")}
		}
	}()
	cmd.result = make(chan commandResult, 1)
	select {
	case e.commands <- cmd:
	case <-ctx.Done():
		return commandResult{err: rterr.Wrap(rterr.Aborted, ctx.Err(), "durableobject: submit cancelled")}
	}
	select {
	case res := <-cmd.result:
		return res
	case <-ctx.Done():
		return commandResult{err: rterr.Wrap(rterr.Aborted, ctx.Err(), "durableobject: await cancelled")}
	}
}

func (e *isolatedExecutor) RunLocked(ctx context.Context, fn func(actor any) error) error {
	res := e.dispatch(ctx, command{locked: fn})
	return res.err
}

func (e *isolatedExecutor) ExecuteFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	res := e.submit(ctx, Op{Kind: OpFetch}, req)
	return res.resp, res.err
}

func (e *isolatedExecutor) ExecuteRPC(ctx context.Context, method string, args []byte) ([]byte, error) {
	res := e.submit(ctx, Op{Kind: OpCall, Method: method, Args: args}, nil)
	return res.bytes, res.err
}

func (e *isolatedExecutor) ExecuteRPCGet(ctx context.Context, prop string) ([]byte, error) {
	res := e.submit(ctx, Op{Kind: OpGet, Prop: prop}, nil)
	return res.bytes, res.err
}

func (e *isolatedExecutor) ExecuteAlarm(ctx context.Context, retryCount int, isRetry bool) error {
	res := e.submit(ctx, Op{Kind: OpAlarm, RetryCount: retryCount, IsRetry: isRetry}, nil)
	return res.err
}

func (e *isolatedExecutor) IsActive() bool  { return e.active.Load() }
func (e *isolatedExecutor) IsBlocked() bool { return false }

func (e *isolatedExecutor) ActiveWebSocketCount() int {
	if e.sockets == nil {
		return 0
	}
	return e.sockets()
}

func (e *isolatedExecutor) IsAborted() bool { return e.disposed.Load() }

func (e *isolatedExecutor) Dispose() error {
	if e.disposed.CompareAndSwap(false, true) {
		close(e.commands)
		e.wg.Wait()
	}
	return nil
}
