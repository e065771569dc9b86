package generation

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/config"
	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/events"
	"github.com/aristath/workerbench/internal/exectx"
	"github.com/aristath/workerbench/internal/servicebinding"
	"github.com/aristath/workerbench/pkg/logger"
)

type fetchCountHandler struct {
	calls int
}

func (h *fetchCountHandler) Fetch(ctx context.Context, ectx *exectx.Context, env *Env, req *http.Request) (*http.Response, error) {
	h.calls++
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func newTestManager(t *testing.T) (*Manager, *database.DB) {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{Vars: map[string]string{}}
	bus := events.NewBus(logger.NewNop())
	registry := servicebinding.NewRegistry()
	return NewManager(db, cfg, bus, registry, logger.NewNop()), db
}

func TestManager_ReloadPromotesNewGenerationToActive(t *testing.T) {
	m, _ := newTestManager(t)

	gen1, err := m.Reload(context.Background(), &Module{Handler: &fetchCountHandler{}}, "")
	require.NoError(t, err)
	require.Equal(t, gen1, m.Active())
	require.Equal(t, StatusActive, gen1.Status())

	gen2, err := m.Reload(context.Background(), &Module{Handler: &fetchCountHandler{}}, "")
	require.NoError(t, err)
	require.Equal(t, gen2, m.Active())
	require.Equal(t, StatusDraining, gen1.Status())
}

func TestGeneration_FetchDispatchesToHandler(t *testing.T) {
	m, _ := newTestManager(t)
	h := &fetchCountHandler{}
	gen, err := m.Reload(context.Background(), &Module{Handler: h}, "")
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	resp, err := gen.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, h.calls)
}

func TestGeneration_DrainStopsAfterGracePeriodWhenIdle(t *testing.T) {
	m, _ := newTestManager(t)
	gen1, err := m.Reload(context.Background(), &Module{Handler: &fetchCountHandler{}}, "")
	require.NoError(t, err)
	gen1.gracePeriod = 20 * time.Millisecond

	_, err = m.Reload(context.Background(), &Module{Handler: &fetchCountHandler{}}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return gen1.Status() == StatusStopped
	}, time.Second, 5*time.Millisecond)
}

func TestGeneration_RegistersAsServiceBindingTarget(t *testing.T) {
	m, _ := newTestManager(t)
	gen, err := m.Reload(context.Background(), &Module{Handler: &fetchCountHandler{}}, "my-service")
	require.NoError(t, err)

	counter := servicebinding.NewSubrequestCounter(0)
	binding := servicebinding.New("SELF", "my-service", m.registry, counter, logger.NewNop())
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	resp, err := binding.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, gen.id, gen.ID())
}
