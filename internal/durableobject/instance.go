package durableobject

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Instance is one live durable-actor instance: its storage, its
// executor (which owns E-order serialization), and its accepted
// WebSocket set.
type Instance struct {
	id        ID
	namespace *Namespace
	storage   *Storage
	sql       *SQLStorage
	executor  Executor
	sockets   *socketState
	log       zerolog.Logger

	mu           sync.Mutex
	lastActivity time.Time
}

func (inst *Instance) touch() {
	inst.mu.Lock()
	inst.lastActivity = time.Now()
	inst.mu.Unlock()
}

func (inst *Instance) idleSince() time.Time {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.lastActivity
}

// evictable reports whether the instance has no accepted sockets and no
// in-flight operation, i.e. it is safe to drop per spec.md §4.5.6.
func (inst *Instance) evictable(timeout time.Duration) bool {
	if inst.sockets.count() > 0 {
		return false
	}
	if inst.executor.IsActive() {
		return false
	}
	return time.Since(inst.idleSince()) >= timeout
}

// ExecuteFetch, ExecuteRPC, ExecuteRPCGet, and ExecuteAlarm are the
// entry points a namespace/stub dispatches onto, all of which touch the
// instance's activity clock and defer to the executor for E-order.

func (inst *Instance) ExecuteFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	inst.touch()
	defer inst.touch()
	return inst.executor.ExecuteFetch(ctx, req)
}

func (inst *Instance) ExecuteRPC(ctx context.Context, method string, args []byte) ([]byte, error) {
	inst.touch()
	defer inst.touch()
	return inst.executor.ExecuteRPC(ctx, method, args)
}

func (inst *Instance) ExecuteRPCGet(ctx context.Context, prop string) ([]byte, error) {
	inst.touch()
	defer inst.touch()
	return inst.executor.ExecuteRPCGet(ctx, prop)
}

func (inst *Instance) ExecuteAlarm(ctx context.Context, retryCount int, isRetry bool) error {
	inst.touch()
	defer inst.touch()
	return inst.executor.ExecuteAlarm(ctx, retryCount, isRetry)
}

func (inst *Instance) dispose() error {
	return inst.executor.Dispose()
}

// --- WebSocket hibernation surface, delegated from State ---

func (inst *Instance) acceptWebSocket(conn WebSocketConn, tags []string) error {
	if err := inst.sockets.accept(conn, tags); err != nil {
		return err
	}
	go inst.pumpSocket(conn)
	return nil
}

// pumpSocket reads from conn until it closes, routing every frame
// through the executor's serialization lock so WebSocket event delivery
// never interleaves with RPC/fetch/alarm calls on the same instance
// (spec.md §4.5.5: "via the serialization lock").
func (inst *Instance) pumpSocket(conn WebSocketConn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			inst.sockets.remove(conn)
			_ = inst.executor.RunLocked(ctx, func(actor any) error {
				if h, ok := actor.(WebSocketHandler); ok {
					return h.WebSocketClose(ctx, conn, 1006, err.Error(), false)
				}
				return nil
			})
			return
		}

		if resp, matched := inst.sockets.matchAutoResponse(conn, data, time.Now()); matched {
			_ = conn.Write(ctx, MessageBinary, resp)
			continue
		}

		inst.touch()
		runErr := inst.executor.RunLocked(ctx, func(actor any) error {
			h, ok := actor.(WebSocketHandler)
			if !ok {
				return nil
			}
			return h.WebSocketMessage(ctx, conn, data)
		})
		inst.touch()
		if runErr != nil {
			inst.log.Error().Err(runErr).Msg("websocket message handler failed")
			_ = inst.executor.RunLocked(ctx, func(actor any) error {
				if h, ok := actor.(WebSocketHandler); ok {
					return h.WebSocketError(ctx, conn, runErr)
				}
				return nil
			})
		}
	}
}

func (inst *Instance) webSockets(tag string) []WebSocketConn { return inst.sockets.list(tag) }
func (inst *Instance) socketTags(conn WebSocketConn) []string { return inst.sockets.tags(conn) }
func (inst *Instance) setAutoResponse(request, response []byte) {
	inst.sockets.setAutoResponse(request, response)
}
func (inst *Instance) autoResponseTimestamp(conn WebSocketConn) (int64, bool) {
	return inst.sockets.autoResponseTimestamp(conn)
}
func (inst *Instance) setAttachment(conn WebSocketConn, data []byte) {
	inst.sockets.setAttachment(conn, data)
}
func (inst *Instance) attachment(conn WebSocketConn) []byte { return inst.sockets.attachment(conn) }
