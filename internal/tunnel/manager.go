package tunnel

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Daniel-Brai/Loco/internal/core"
	"github.com/Daniel-Brai/Loco/internal/storage"
)

// Manager owns the collection of tunnels, resolves lookups by full or
// partial ID, and keeps the storage backend synchronized with every
// state change. The manager is the sole writer of the backend.
type Manager struct {
	storage storage.Backend

	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

// NewManager creates a manager over the given storage backend.
func NewManager(backend storage.Backend) *Manager {
	return &Manager{
		storage: backend,
		tunnels: make(map[string]*Tunnel),
	}
}

// Create registers a new tunnel and persists its config and initial
// state. The tunnel ID must not collide with a live tunnel.
func (m *Manager) Create(config *core.TunnelConfig) (string, error) {
	if err := config.Validate(); err != nil {
		return "", err
	}
	if config.CreatedAt.IsZero() {
		config.CreatedAt = time.Now().UTC()
	}

	t := New(config)

	m.mu.Lock()
	if _, exists := m.tunnels[config.TunnelID]; exists {
		m.mu.Unlock()
		return "", &core.AlreadyExistsError{TunnelID: config.TunnelID}
	}
	m.tunnels[config.TunnelID] = t
	m.mu.Unlock()

	if err := m.persistTunnel(t); err != nil {
		m.mu.Lock()
		delete(m.tunnels, config.TunnelID)
		m.mu.Unlock()
		return "", err
	}

	log.Printf("Created tunnel %s", config.TunnelID)
	return config.TunnelID, nil
}

// Start resolves a tunnel, starts it, and persists the resulting
// state. The tunnel's ERROR state after a failed start is persisted
// too, then the startup error is returned.
func (m *Manager) Start(id string) error {
	t, err := m.Resolve(id)
	if err != nil {
		return err
	}

	startErr := t.Start()
	state := t.State()
	if saveErr := m.storage.SaveState(&state); saveErr != nil {
		if startErr != nil {
			log.Printf("Failed to persist state for tunnel %s: %v", t.Config().TunnelID, saveErr)
			return startErr
		}
		return saveErr
	}
	return startErr
}

// Stop resolves a tunnel, stops it, and persists the resulting state.
func (m *Manager) Stop(id string) error {
	t, err := m.Resolve(id)
	if err != nil {
		return err
	}

	stopErr := t.Stop()
	state := t.State()
	if saveErr := m.storage.SaveState(&state); saveErr != nil {
		if stopErr != nil {
			log.Printf("Failed to persist state for tunnel %s: %v", t.Config().TunnelID, saveErr)
			return stopErr
		}
		return saveErr
	}
	return stopErr
}

// Remove stops a tunnel if it is active, removes it from memory, and
// deletes its persisted records.
func (m *Manager) Remove(id string) error {
	t, err := m.Resolve(id)
	if err != nil {
		return err
	}
	if t.IsActive() {
		if err := t.Stop(); err != nil {
			return err
		}
	}

	tunnelID := t.Config().TunnelID
	m.mu.Lock()
	delete(m.tunnels, tunnelID)
	m.mu.Unlock()

	if err := m.storage.Delete(tunnelID); err != nil {
		return err
	}

	log.Printf("Removed tunnel %s", tunnelID)
	return nil
}

// List returns a state snapshot for every tunnel, re-synchronizing
// each status against its engine's actual liveness first so a crashed
// engine cannot leave a stale ACTIVE on display. Results are ordered
// by creation time for stable output.
func (m *Manager) List() []core.TunnelState {
	m.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		tunnels = append(tunnels, t)
	}
	m.mu.Unlock()

	states := make([]core.TunnelState, 0, len(tunnels))
	for _, t := range tunnels {
		t.SyncState()
		states = append(states, t.State())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	return states
}

// Stats returns the statistics projection for one tunnel.
func (m *Manager) Stats(id string) (map[string]any, error) {
	t, err := m.Resolve(id)
	if err != nil {
		return nil, err
	}
	return t.Stats(), nil
}

// Status returns the lifecycle status of one tunnel.
func (m *Manager) Status(id string) (core.TunnelStatus, error) {
	t, err := m.Resolve(id)
	if err != nil {
		return "", err
	}
	return t.Status(), nil
}

// CleanupStopped removes every tunnel whose status is STOPPED or
// ERROR and returns how many were removed.
func (m *Manager) CleanupStopped() (int, error) {
	m.mu.Lock()
	var ids []string
	for id, t := range m.tunnels {
		status := t.Status()
		if status == core.StatusStopped || status == core.StatusError {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, id := range ids {
		if err := m.Remove(id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// StopAll stops every active tunnel concurrently. Individual failures
// are logged, not returned; one misbehaving tunnel must not prevent
// stopping the rest.
func (m *Manager) StopAll() {
	m.mu.Lock()
	var active []*Tunnel
	for _, t := range m.tunnels {
		if t.IsActive() {
			active = append(active, t)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, t := range active {
		t := t
		g.Go(func() error {
			if err := t.Stop(); err != nil {
				log.Printf("Failed to stop tunnel %s: %v", t.Config().TunnelID, err)
			}
			state := t.State()
			if err := m.storage.SaveState(&state); err != nil {
				log.Printf("Failed to persist state for tunnel %s: %v", t.Config().TunnelID, err)
			}
			return nil
		})
	}
	g.Wait()
}

// LoadFromStorage reconstructs tunnels from persisted configs and
// reconciles their states. A persisted status of ACTIVE or STARTING
// cannot be true of a freshly started process, so it is forced to
// STOPPED and the correction persisted immediately. Configs with no
// state record get their default state persisted so every config has
// a matching state. In-memory tunnels that are currently active are
// never clobbered by a stale disk snapshot.
func (m *Manager) LoadFromStorage() error {
	configs, err := m.storage.ListConfigs()
	if err != nil {
		return err
	}

	for _, config := range configs {
		m.mu.Lock()
		t, known := m.tunnels[config.TunnelID]
		if !known {
			t = New(config)
			m.tunnels[config.TunnelID] = t
		}
		m.mu.Unlock()

		if known && t.IsActive() {
			continue
		}

		state, err := m.storage.LoadState(config.TunnelID)
		if err != nil {
			return err
		}
		if state == nil {
			if err := m.persistState(t); err != nil {
				return err
			}
			continue
		}

		if state.Status == core.StatusActive || state.Status == core.StatusStarting {
			state.Status = core.StatusStopped
			if err := m.storage.SaveState(state); err != nil {
				return err
			}
		}
		t.RestoreState(state)
	}
	return nil
}

// Resolve finds a tunnel by exact ID, ID prefix, or case-insensitive
// name substring. Zero matches is a *core.NotFoundError; more than
// one is a *core.AmbiguousError listing every candidate.
func (m *Manager) Resolve(id string) (*Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tunnels[id]; ok {
		return t, nil
	}

	var matches []*Tunnel
	lowered := strings.ToLower(id)
	for _, t := range m.tunnels {
		config := t.Config()
		if strings.HasPrefix(config.TunnelID, id) {
			matches = append(matches, t)
			continue
		}
		if config.Name != "" && strings.Contains(strings.ToLower(config.Name), lowered) {
			matches = append(matches, t)
		}
	}

	switch len(matches) {
	case 0:
		return nil, &core.NotFoundError{Query: id}
	case 1:
		return matches[0], nil
	}

	ambiguous := &core.AmbiguousError{Query: id}
	for _, t := range matches {
		config := t.Config()
		ambiguous.Matches = append(ambiguous.Matches, core.AmbiguousMatch{
			TunnelID: config.TunnelID,
			Name:     config.Name,
		})
	}
	sort.Slice(ambiguous.Matches, func(i, j int) bool {
		return ambiguous.Matches[i].TunnelID < ambiguous.Matches[j].TunnelID
	})
	return nil, ambiguous
}

func (m *Manager) persistTunnel(t *Tunnel) error {
	if err := m.storage.SaveConfig(t.Config()); err != nil {
		return err
	}
	return m.persistState(t)
}

func (m *Manager) persistState(t *Tunnel) error {
	state := t.State()
	return m.storage.SaveState(&state)
}
