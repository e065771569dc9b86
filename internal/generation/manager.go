package generation

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/workerbench/internal/config"
	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/events"
	"github.com/aristath/workerbench/internal/servicebinding"
)

// Manager owns one active generation plus whatever generations are
// still draining (spec.md §4.8: "Owns one active generation plus a set
// of draining generations").
type Manager struct {
	db       *database.DB
	cfg      *config.Config
	bus      *events.Bus
	registry *servicebinding.Registry
	log      zerolog.Logger

	mu       sync.Mutex
	active   *Generation
	draining map[string]*Generation
}

// NewManager creates an empty Manager; call Reload to register the
// first generation.
func NewManager(db *database.DB, cfg *config.Config, bus *events.Bus, registry *servicebinding.Registry, log zerolog.Logger) *Manager {
	return &Manager{
		db:       db,
		cfg:      cfg,
		bus:      bus,
		registry: registry,
		log:      log.With().Str("component", "generation-manager").Logger(),
		draining: make(map[string]*Generation),
	}
}

// Active returns the current active generation, or nil before the first
// Reload.
func (m *Manager) Active() *Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Reload loads mod as a fresh generation (spec.md §4.8): build env and
// BindingRegistry, mark the previous active draining, start the new
// generation's consumers and cron, and register it as the target any
// service binding pointed at this manager's service name resolves to.
func (m *Manager) Reload(ctx context.Context, mod *Module, serviceName string) (*Generation, error) {
	env, namespaces, workflows, err := buildEnv(ctx, m.db, m.cfg, mod, m.registry, m.bus, m.log)
	if err != nil {
		return nil, err
	}

	next := newGeneration(m.cfg, mod, m.db, env, namespaces, workflows, m.bus, m.log)
	next.onStopped = m.forgetDraining

	m.mu.Lock()
	prev := m.active
	m.active = next
	m.mu.Unlock()

	next.start()

	if serviceName != "" {
		m.registry.Register(serviceName, next)
	}

	if prev != nil {
		m.mu.Lock()
		m.draining[prev.id] = prev
		m.mu.Unlock()
		prev.drain()
	}

	m.bus.Emit(events.GenerationReloaded, "generation-manager", map[string]any{"generation_id": next.id})
	m.log.Info().Str("generation", next.id).Msg("generation reloaded")
	return next, nil
}

func (m *Manager) forgetDraining(g *Generation) {
	m.mu.Lock()
	delete(m.draining, g.id)
	m.mu.Unlock()
}

// Shutdown stops the active generation and every draining one
// immediately, used on process shutdown rather than waiting out grace
// periods.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	active := m.active
	draining := make([]*Generation, 0, len(m.draining))
	for _, g := range m.draining {
		draining = append(draining, g)
	}
	m.mu.Unlock()

	if active != nil {
		active.stop()
	}
	for _, g := range draining {
		g.stop()
	}
}
