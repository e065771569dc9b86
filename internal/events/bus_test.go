package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/pkg/logger"
)

func TestBus_EmitDeliversToSubscribers(t *testing.T) {
	bus := NewBus(logger.NewNop())

	var mu sync.Mutex
	var got *Event
	done := make(chan struct{})

	bus.Subscribe(GenerationReloaded, func(e *Event) {
		mu.Lock()
		got = e
		mu.Unlock()
		close(done)
	})

	bus.Emit(GenerationReloaded, "test", map[string]any{"id": 2})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	require.Equal(t, GenerationReloaded, got.Type)
	require.Equal(t, 2, got.Data["id"])
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(logger.NewNop())
	calls := 0
	sub := bus.Subscribe(QueueDeadLetter, func(e *Event) { calls++ })
	bus.Unsubscribe(sub)
	bus.Emit(QueueDeadLetter, "test", nil)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, calls)
}
