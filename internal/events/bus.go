// Package events provides an in-process publish/subscribe bus on which
// the generation manager, queue push consumer, workflow engine,
// durable-object alarms and backup service publish lifecycle
// transitions. No package in the runtime subscribes to it; only tests
// do. It is not a user-facing binding — handler code never sees it.
//
// Adapted from the teacher's internal/events/bus.go: same snapshot-then-fire
// subscriber model, same zerolog debug line per emit.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type identifies a kind of internal lifecycle event.
type Type string

const (
	GenerationReloaded Type = "generation.reloaded"
	GenerationStopped  Type = "generation.stopped"
	QueueDeadLetter    Type = "queue.dead_letter"
	WorkflowErrored    Type = "workflow.errored"
	AlarmAbandoned     Type = "alarm.abandoned"
	BackupCompleted    Type = "backup.completed"
)

// Event is one published occurrence.
type Event struct {
	Type      Type
	Timestamp time.Time
	Source    string
	Data      map[string]any
}

// Handler receives published events.
type Handler func(*Event)

// Subscription identifies a registered handler so it can be removed later.
type Subscription struct {
	eventType Type
	id        uint64
}

// Bus is a process-wide pub/sub dispatcher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type]map[uint64]Handler
	nextID      uint64
	log         zerolog.Logger
}

// NewBus creates a Bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[Type]map[uint64]Handler),
		log:         log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers handler for eventType.
func (b *Bus) Subscribe(eventType Type, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[uint64]Handler)
	}
	b.subscribers[eventType][id] = handler
	return Subscription{eventType: eventType, id: id}
}

// Unsubscribe removes a previously registered handler. Safe to call twice.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.subscribers[sub.eventType]; ok {
		delete(handlers, sub.id)
		if len(handlers) == 0 {
			delete(b.subscribers, sub.eventType)
		}
	}
}

// Emit publishes an event to every current subscriber of eventType,
// invoking each handler on its own goroutine so a slow subscriber can
// never block the emitter.
func (b *Bus) Emit(eventType Type, source string, data map[string]any) {
	event := &Event{Type: eventType, Timestamp: time.Now(), Source: source, Data: data}

	b.mu.RLock()
	var handlers []Handler
	if registered := b.subscribers[eventType]; len(registered) > 0 {
		handlers = make([]Handler, 0, len(registered))
		for _, h := range registered {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go h(event)
	}

	b.log.Debug().
		Str("event_type", string(eventType)).
		Str("source", source).
		Int("subscribers", len(handlers)).
		Msg("event emitted")
}
