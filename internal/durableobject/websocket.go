package durableobject

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/aristath/workerbench/internal/rterr"
)

// Hibernation limits (spec.md §4.5.5), configurable per namespace.
const (
	DefaultMaxConcurrentSockets = 32768
	DefaultMaxTagsPerSocket     = 10
	DefaultMaxTagBytes          = 256
)

// MessageType mirrors nhooyr.io/websocket's MessageType without
// importing it here, so this package stays usable without a real
// socket in tests.
type MessageType int

const (
	MessageText MessageType = iota
	MessageBinary
)

// WebSocketConn is the surface this package needs from an accepted
// socket. Its methods are shaped after nhooyr.io/websocket's Conn, but
// they take this package's MessageType and a plain int close code, so a
// *websocket.Conn needs a small adapter to satisfy it.
type WebSocketConn interface {
	Write(ctx context.Context, typ MessageType, p []byte) error
	Read(ctx context.Context) (MessageType, []byte, error)
	Close(code int, reason string) error
}

// WebSocketHandler is implemented by an actor that wants hibernatable
// socket event delivery (spec.md §4.5.5).
type WebSocketHandler interface {
	WebSocketMessage(ctx context.Context, conn WebSocketConn, msg []byte) error
	WebSocketClose(ctx context.Context, conn WebSocketConn, code int, reason string, wasClean bool) error
	WebSocketError(ctx context.Context, conn WebSocketConn, err error) error
}

type socketMeta struct {
	tags       []string
	attachment []byte
}

type autoResponsePair struct {
	request  []byte
	response []byte
}

type socketState struct {
	mu           sync.Mutex
	sockets      map[WebSocketConn]*socketMeta
	autoResponse *autoResponsePair
	autoRespAt   map[WebSocketConn]int64
}

func newSocketState() *socketState {
	return &socketState{
		sockets:    make(map[WebSocketConn]*socketMeta),
		autoRespAt: make(map[WebSocketConn]int64),
	}
}

func (s *socketState) accept(conn WebSocketConn, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sockets) >= DefaultMaxConcurrentSockets {
		return rterr.New(rterr.LimitExceeded, "durableobject: %d concurrent websockets exceeds limit", len(s.sockets)+1)
	}
	if len(tags) > DefaultMaxTagsPerSocket {
		return rterr.New(rterr.LimitExceeded, "durableobject: %d tags exceeds per-socket limit %d", len(tags), DefaultMaxTagsPerSocket)
	}
	for _, t := range tags {
		if len(t) > DefaultMaxTagBytes {
			return rterr.New(rterr.LimitExceeded, "durableobject: tag %q exceeds %d bytes", t, DefaultMaxTagBytes)
		}
	}
	s.sockets[conn] = &socketMeta{tags: append([]string(nil), tags...)}
	return nil
}

func (s *socketState) remove(conn WebSocketConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, conn)
	delete(s.autoRespAt, conn)
}

func (s *socketState) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

func (s *socketState) list(tag string) []WebSocketConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WebSocketConn
	for conn, meta := range s.sockets {
		if tag == "" {
			out = append(out, conn)
			continue
		}
		for _, t := range meta.tags {
			if t == tag {
				out = append(out, conn)
				break
			}
		}
	}
	return out
}

func (s *socketState) tags(conn WebSocketConn) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta, ok := s.sockets[conn]; ok {
		return meta.tags
	}
	return nil
}

func (s *socketState) setAttachment(conn WebSocketConn, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta, ok := s.sockets[conn]; ok {
		meta.attachment = data
	}
}

func (s *socketState) attachment(conn WebSocketConn) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta, ok := s.sockets[conn]; ok {
		return meta.attachment
	}
	return nil
}

func (s *socketState) setAutoResponse(request, response []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoResponse = &autoResponsePair{request: request, response: response}
}

// matchAutoResponse reports whether msg byte-exactly matches the
// registered auto-response request, returning the response to send.
func (s *socketState) matchAutoResponse(conn WebSocketConn, msg []byte, now time.Time) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoResponse == nil || !bytes.Equal(s.autoResponse.request, msg) {
		return nil, false
	}
	s.autoRespAt[conn] = now.UnixMilli()
	return s.autoResponse.response, true
}

func (s *socketState) autoResponseTimestamp(conn WebSocketConn) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.autoRespAt[conn]
	return ts, ok
}
