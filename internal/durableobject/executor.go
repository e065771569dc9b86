package durableobject

import (
	"context"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/workerbench/internal/rterr"
)

// Op is an operation descriptor dispatched to an Executor. Per spec.md
// §9's own Design Notes, the source's dynamic attribute-proxy stub is
// replaced here with explicit descriptors rather than reflection tricks.
type Op struct {
	Kind       OpKind
	Method     string
	Prop       string
	Args       []byte // msgpack-encoded argument tuple
	Request    *http.Request
	RetryCount int
	IsRetry    bool
}

// OpKind discriminates the Op variants an Executor accepts.
type OpKind int

const (
	OpCall OpKind = iota
	OpGet
	OpFetch
	OpAlarm
	opRunLocked
)

// Executor runs operations against one actor instance. Both
// implementations below serialize every Op behind a lock, matching
// spec.md §4.5.2's E-order guarantee (spec.md §4.5.7: "Both must
// implement executeFetch/executeRpc/executeRpcGet/executeAlarm/
// isActive/isBlocked/activeWebSocketCount/isAborted/dispose").
type Executor interface {
	ExecuteFetch(ctx context.Context, req *http.Request) (*http.Response, error)
	ExecuteRPC(ctx context.Context, method string, args []byte) ([]byte, error)
	ExecuteRPCGet(ctx context.Context, prop string) ([]byte, error)
	ExecuteAlarm(ctx context.Context, retryCount int, isRetry bool) error
	// RunLocked runs fn against the actor under the same serialization
	// lock as every other Op. It exists for WebSocket hibernation event
	// delivery (spec.md §4.5.5), which the spec describes as routed
	// "via the serialization lock" but is not itself an RPC/fetch/alarm
	// call, so it falls outside the enumerated Op kinds.
	RunLocked(ctx context.Context, fn func(actor any) error) error
	IsActive() bool
	IsBlocked() bool
	ActiveWebSocketCount() int
	IsAborted() bool
	Dispose() error
}

// FetchHandler is implemented by an actor that serves stub.fetch calls.
type FetchHandler interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// RPCHandler is implemented by an actor that serves stub method calls.
// args/result are msgpack-encoded, mirroring the structured-clone
// marshaling the real stub boundary performs.
type RPCHandler interface {
	RPC(ctx context.Context, method string, args []byte) ([]byte, error)
}

// RPCGetter is implemented by an actor exposing property reads over the
// stub's thenable-property pattern (spec.md §4.5.1).
type RPCGetter interface {
	RPCGet(ctx context.Context, prop string) ([]byte, error)
}

// AlarmHandler is implemented by an actor with a scheduled callback.
type AlarmHandler interface {
	Alarm(ctx context.Context, retryCount int, isRetry bool) error
}

// Factory constructs an actor given its State. The returned value is
// type-asserted against FetchHandler/RPCHandler/RPCGetter/AlarmHandler/
// WebSocketHandler as needed — an actor need only implement the
// interfaces it uses, the same optional-interface pattern net/http and
// io use throughout the standard library.
type Factory func(state *State) (any, error)

// ExecutorMode selects which Executor implementation a namespace builds
// its instances with (spec.md §4.5.7).
type ExecutorMode int

const (
	// InProcess runs the actor directly against the instance's state
	// under a plain mutex. Lowest latency, full introspection.
	InProcess ExecutorMode = iota
	// Isolated runs the actor on a single dedicated goroutine reached
	// only via a command channel, modeling the source's worker-thread
	// isolation. Dispose ends the goroutine: commands not yet handed to
	// it fail with Aborted, while the command already executing runs to
	// completion. Goroutines the actor itself started are not stopped
	// by Dispose.
	Isolated
)

func callHandler(ctx context.Context, actor any, op Op) ([]byte, error) {
	switch op.Kind {
	case OpCall:
		h, ok := actor.(RPCHandler)
		if !ok {
			return nil, rterr.New(rterr.NotSupported, "durableobject: actor does not implement RPC")
		}
		return h.RPC(ctx, op.Method, op.Args)
	case OpGet:
		h, ok := actor.(RPCGetter)
		if !ok {
			return nil, rterr.New(rterr.NotSupported, "durableobject: actor does not implement RPCGet")
		}
		return h.RPCGet(ctx, op.Prop)
	default:
		return nil, rterr.New(rterr.Internal, "durableobject: unsupported op kind for callHandler")
	}
}

// encodeArgs msgpack-encodes a slice of arguments for an RPC call.
func encodeArgs(args ...any) ([]byte, error) {
	raw, err := msgpack.Marshal(args)
	if err != nil {
		return nil, rterr.Wrap(rterr.InvalidInput, err, "durableobject: encode rpc args")
	}
	return raw, nil
}
