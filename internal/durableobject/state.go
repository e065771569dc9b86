package durableobject

import (
	"context"
)

// State is handed to a Factory when an instance is constructed. It
// exposes the instance's storage and the hooks a constructor uses to
// delay the init barrier and accept hibernatable WebSockets.
type State struct {
	id         ID
	storage    *Storage
	sql        *SQLStorage
	instance   *Instance
	blockFuncs []func(ctx context.Context) error
}

// ID returns this instance's identity.
func (s *State) ID() ID { return s.id }

// Storage returns the instance's key/value storage.
func (s *State) Storage() *Storage { return s.storage }

// SQL returns the instance's private SQL storage.
func (s *State) SQL() *SQLStorage { return s.sql }

// BlockConcurrencyWhile registers fn to run as part of the instance's
// init barrier (spec.md §4.5.2). Go's single-threaded construction path
// already serializes this against every other operation on the
// instance — GetOrCreate does not publish the instance until
// construction, barrier functions included, has finished — so fn simply
// runs in registration order before the instance becomes reachable.
func (s *State) BlockConcurrencyWhile(fn func(ctx context.Context) error) {
	s.blockFuncs = append(s.blockFuncs, fn)
}

// AcceptWebSocket registers conn for hibernatable delivery (spec.md
// §4.5.5). tags are attached for later getWebSockets(tag)/getTags(ws)
// lookups.
func (s *State) AcceptWebSocket(conn WebSocketConn, tags ...string) error {
	return s.instance.acceptWebSocket(conn, tags)
}

// GetWebSockets returns accepted sockets, optionally filtered by tag.
func (s *State) GetWebSockets(tag string) []WebSocketConn {
	return s.instance.webSockets(tag)
}

// GetTags returns the tags conn was accepted with.
func (s *State) GetTags(conn WebSocketConn) []string {
	return s.instance.socketTags(conn)
}

// SetWebSocketAutoResponse registers a byte-exact request/response fast
// path (spec.md §4.5.5: "Auto-response").
func (s *State) SetWebSocketAutoResponse(request, response []byte) {
	s.instance.setAutoResponse(request, response)
}

// GetWebSocketAutoResponseTimestamp returns when conn last matched the
// auto-response fast path, or zero if never.
func (s *State) GetWebSocketAutoResponseTimestamp(conn WebSocketConn) (int64, bool) {
	return s.instance.autoResponseTimestamp(conn)
}

// SerializeAttachment stores data as conn's hibernation attachment
// (spec.md §4.5.5), restored via DeserializeAttachment after the
// actor rehydrates from hibernation.
func (s *State) SerializeAttachment(conn WebSocketConn, data []byte) {
	s.instance.setAttachment(conn, data)
}

// DeserializeAttachment returns conn's stored attachment, if any.
func (s *State) DeserializeAttachment(conn WebSocketConn) []byte {
	return s.instance.attachment(conn)
}

// SetAlarm persists and arms a single-shot alarm (spec.md §4.5.4).
func (s *State) SetAlarm(ctx context.Context, epochMs int64) error {
	return s.instance.namespace.setAlarm(ctx, s.id, epochMs)
}

// DeleteAlarm removes the persisted alarm and its in-process timer.
func (s *State) DeleteAlarm(ctx context.Context) error {
	return s.instance.namespace.deleteAlarm(ctx, s.id)
}

// GetAlarm reads the persisted alarm time, if any.
func (s *State) GetAlarm(ctx context.Context) (int64, bool, error) {
	return s.instance.namespace.getAlarm(ctx, s.id)
}
