package durableobject

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/pkg/logger"
)

type orderedActor struct {
	mu    sync.Mutex
	order []int
}

func (a *orderedActor) RPC(ctx context.Context, method string, args []byte) ([]byte, error) {
	var n int
	switch method {
	case "one":
		n = 1
	case "two":
		n = 2
	}
	a.mu.Lock()
	a.order = append(a.order, n)
	a.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	a.mu.Lock()
	a.order = append(a.order, n*10)
	a.mu.Unlock()
	return nil, nil
}

func TestInstance_SerializesConcurrentCalls(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	actor := &orderedActor{}
	factory := func(state *State) (any, error) { return actor, nil }

	ns, err := NewNamespace(context.Background(), db, factory, NamespaceConfig{ClassName: "ordered"}, nil, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(ns.Destroy)

	id := IDFromName("shared")
	stub := ns.GetStub(id)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = stub.Call(context.Background(), "one") }()
	go func() { defer wg.Done(); _, _ = stub.Call(context.Background(), "two") }()
	wg.Wait()

	require.Len(t, actor.order, 4)
	require.Equal(t, actor.order[0]*10, actor.order[1], "no interleaving: the first call's second write must directly follow its first")
}

func TestGetOrCreate_ReusesStorageAcrossEviction(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	factory := func(state *State) (any, error) { return &orderedActor{}, nil }
	ns, err := NewNamespace(context.Background(), db, factory, NamespaceConfig{ClassName: "kv-actor"}, nil, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(ns.Destroy)

	id := IDFromName("alpha")
	inst, err := ns.GetOrCreate(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, inst.storage.Put(context.Background(), "k", []byte("v")))

	ns.mu.Lock()
	delete(ns.instances, id.String())
	ns.mu.Unlock()

	inst2, err := ns.GetOrCreate(context.Background(), id)
	require.NoError(t, err)
	v, ok, err := inst2.storage.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestID_NamedIsDeterministic(t *testing.T) {
	a := IDFromName("same-name")
	b := IDFromName("same-name")
	require.Equal(t, a.String(), b.String())
	require.Equal(t, "same-name", a.Name())

	u1, err := NewUniqueID()
	require.NoError(t, err)
	u2, err := NewUniqueID()
	require.NoError(t, err)
	require.NotEqual(t, u1.String(), u2.String())
}

type alarmActor struct {
	fired chan struct{}
}

func (a *alarmActor) Alarm(ctx context.Context, retryCount int, isRetry bool) error {
	close(a.fired)
	return nil
}

func TestAlarm_FiresAndClearsRow(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	actor := &alarmActor{fired: make(chan struct{})}
	factory := func(state *State) (any, error) { return actor, nil }
	ns, err := NewNamespace(context.Background(), db, factory, NamespaceConfig{ClassName: "alarmed"}, nil, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(ns.Destroy)

	id := IDFromName("one-shot")
	inst, err := ns.GetOrCreate(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, inst.namespace.setAlarm(context.Background(), id, time.Now().Add(10*time.Millisecond).UnixMilli()))

	select {
	case <-actor.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("alarm never fired")
	}

	time.Sleep(20 * time.Millisecond)
	_, ok, err := ns.getAlarm(context.Background(), id)
	require.NoError(t, err)
	require.False(t, ok, "fired alarm row must be deleted")
}

type stubConn struct{}

func (stubConn) Write(ctx context.Context, typ MessageType, p []byte) error { return nil }
func (stubConn) Read(ctx context.Context) (MessageType, []byte, error)      { return 0, nil, nil }
func (stubConn) Close(code int, reason string) error                       { return nil }

func TestState_WebSocketAttachmentRoundTrip(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var captured *State
	factory := func(state *State) (any, error) {
		captured = state
		return &orderedActor{}, nil
	}
	ns, err := NewNamespace(context.Background(), db, factory, NamespaceConfig{ClassName: "sockets"}, nil, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(ns.Destroy)

	_, err = ns.GetOrCreate(context.Background(), IDFromName("one"))
	require.NoError(t, err)

	conn := stubConn{}
	require.NoError(t, captured.AcceptWebSocket(conn, "room:1"))
	require.Nil(t, captured.DeserializeAttachment(conn), "no attachment yet")

	captured.SerializeAttachment(conn, []byte(`{"nickname":"alice"}`))
	require.Equal(t, []byte(`{"nickname":"alice"}`), captured.DeserializeAttachment(conn))
}
