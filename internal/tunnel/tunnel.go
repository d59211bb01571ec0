// Package tunnel implements the tunnel lifecycle state machine and
// the manager coordinating many tunnels against a storage backend.
package tunnel

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Daniel-Brai/Loco/internal/core"
	"github.com/Daniel-Brai/Loco/internal/proxy"
)

// Tunnel wraps one proxy engine with lifecycle state and live
// statistics. It owns at most one engine at a time and implements
// proxy.EventSink so connection and transfer events update its
// counters.
//
// State transitions: STOPPED/ERROR -> STARTING -> ACTIVE -> STOPPING
// -> STOPPED. Start on an already starting or active tunnel is a
// no-op; Stop on an inactive tunnel is a no-op with a warning.
type Tunnel struct {
	config *core.TunnelConfig

	mu           sync.Mutex
	state        *core.TunnelState
	engine       proxy.Engine
	logListeners []func(core.RequestLog)
}

// New creates a stopped tunnel from its configuration. The config is
// never mutated afterwards.
func New(config *core.TunnelConfig) *Tunnel {
	return &Tunnel{
		config: config,
		state:  core.NewTunnelState(*config),
	}
}

// Config returns the tunnel's immutable configuration.
func (t *Tunnel) Config() *core.TunnelConfig {
	return t.config
}

// Start brings the proxy engine up and moves the tunnel to ACTIVE.
// Starting a STARTING or ACTIVE tunnel returns nil without touching
// the engine. On failure the tunnel lands in ERROR with its resources
// released and the caller receives a *core.StartupError.
func (t *Tunnel) Start() error {
	t.mu.Lock()
	if t.state.Status == core.StatusStarting || t.state.Status == core.StatusActive {
		t.mu.Unlock()
		return nil
	}
	t.state.Status = core.StatusStarting
	now := time.Now().UTC()
	t.state.StartedAt = &now
	t.mu.Unlock()

	log.Printf("Starting tunnel %s", t.config.TunnelID)

	engine, err := proxy.New(t.config, t)
	if err == nil {
		// A failed engine Start guarantees its partial resources are
		// already released.
		err = engine.Start()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.state.Status = core.StatusError
		t.state.ErrorMessage = err.Error()
		t.engine = nil
		var startupErr *core.StartupError
		if errors.As(err, &startupErr) {
			return err
		}
		return &core.StartupError{TunnelID: t.config.TunnelID, Err: err}
	}

	t.engine = engine
	t.state.Status = core.StatusActive
	t.state.PublicURL = t.config.PublicURL()
	t.state.ErrorMessage = ""
	activity := time.Now().UTC()
	t.state.LastActivity = &activity

	log.Printf("Tunnel %s started at %s", t.config.TunnelID, t.state.PublicURL)
	return nil
}

// Stop tears the engine down, waiting for every outstanding connection
// task to release its sockets, and moves the tunnel to STOPPED.
func (t *Tunnel) Stop() error {
	t.mu.Lock()
	if t.state.Status != core.StatusActive && t.state.Status != core.StatusStarting {
		t.mu.Unlock()
		log.Printf("Tunnel %s is not active", t.config.TunnelID)
		return nil
	}
	t.state.Status = core.StatusStopping
	engine := t.engine
	t.engine = nil
	t.mu.Unlock()

	log.Printf("Stopping tunnel %s", t.config.TunnelID)

	var err error
	if engine != nil {
		err = engine.Stop()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.state.Status = core.StatusError
		t.state.ErrorMessage = err.Error()
		return &core.RuntimeError{TunnelID: t.config.TunnelID, Err: err}
	}

	t.state.Status = core.StatusStopped
	now := time.Now().UTC()
	t.state.StoppedAt = &now

	log.Printf("Tunnel %s stopped", t.config.TunnelID)
	return nil
}

// IsActive reports whether the tunnel is starting or serving.
func (t *Tunnel) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Status == core.StatusStarting || t.state.Status == core.StatusActive
}

// Status returns the current lifecycle status.
func (t *Tunnel) Status() core.TunnelStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Status
}

// State returns a snapshot copy of the tunnel's state.
func (t *Tunnel) State() core.TunnelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.state
}

// ConnectionCount returns the engine's live connection count, zero
// when no engine is running.
func (t *Tunnel) ConnectionCount() int {
	t.mu.Lock()
	engine := t.engine
	t.mu.Unlock()
	if engine == nil {
		return 0
	}
	return engine.ConnectionCount()
}

// SyncState reconciles the recorded status against the engine's actual
// liveness. A tunnel claiming to serve without a running engine is
// moved to ERROR so the drift is visible and the tunnel stays
// restartable.
func (t *Tunnel) SyncState() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Status != core.StatusActive && t.state.Status != core.StatusStarting {
		return
	}
	if t.engine == nil || !t.engine.Running() {
		t.state.Status = core.StatusError
		t.state.ErrorMessage = "proxy engine stopped unexpectedly"
		t.engine = nil
	}
}

// RestoreState replaces the tunnel's state with a persisted snapshot.
// A live tunnel's state is never clobbered.
func (t *Tunnel) RestoreState(state *core.TunnelState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Status == core.StatusStarting || t.state.Status == core.StatusActive {
		return
	}
	t.state = state
}

// Stats projects the tunnel state plus a derived uptime, nonzero only
// while the tunnel is active.
func (t *Tunnel) Stats() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	uptimeSeconds := 0.0
	if t.state.StartedAt != nil && t.state.Status == core.StatusActive {
		uptimeSeconds = time.Since(*t.state.StartedAt).Seconds()
	}

	stats := map[string]any{
		"tunnel_id":          t.config.TunnelID,
		"status":             string(t.state.Status),
		"uptime_seconds":     uptimeSeconds,
		"active_connections": t.state.ActiveConnections,
		"total_connections":  t.state.TotalConnections,
		"bytes_transferred":  t.state.BytesTransferred,
		"public_url":         t.state.PublicURL,
		"local_service":      t.config.LocalAddr(),
		"created_at":         t.state.CreatedAt.Format(time.RFC3339),
		"error_message":      t.state.ErrorMessage,
	}
	if t.state.StartedAt != nil {
		stats["started_at"] = t.state.StartedAt.Format(time.RFC3339)
	}
	if t.state.LastActivity != nil {
		stats["last_activity"] = t.state.LastActivity.Format(time.RFC3339)
	}
	return stats
}

// AddLogListener registers an additional receiver for proxied request
// log events. Delivery is best effort; a panicking listener is
// contained.
func (t *Tunnel) AddLogListener(fn func(core.RequestLog)) {
	t.mu.Lock()
	t.logListeners = append(t.logListeners, fn)
	t.mu.Unlock()
}

// OnConnection implements proxy.EventSink.
func (t *Tunnel) OnConnection(info core.ConnectionInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.ActiveConnections++
	t.state.TotalConnections++
	now := time.Now().UTC()
	t.state.LastActivity = &now
}

// OnDisconnection implements proxy.EventSink. The active counter is
// clamped so it never underflows.
func (t *Tunnel) OnDisconnection(info core.ConnectionInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.ActiveConnections > 0 {
		t.state.ActiveConnections--
	}
	now := time.Now().UTC()
	t.state.LastActivity = &now
}

// OnDataTransfer implements proxy.EventSink.
func (t *Tunnel) OnDataTransfer(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.BytesTransferred += bytes
	now := time.Now().UTC()
	t.state.LastActivity = &now
}

// OnLogRequest implements proxy.EventSink, fanning the event out to
// every registered listener.
func (t *Tunnel) OnLogRequest(entry core.RequestLog) {
	t.mu.Lock()
	listeners := make([]func(core.RequestLog), len(t.logListeners))
	copy(listeners, t.logListeners)
	t.mu.Unlock()

	for _, fn := range listeners {
		deliverLog(fn, entry)
	}
}

func deliverLog(fn func(core.RequestLog), entry core.RequestLog) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("request log listener panicked: %v", r)
		}
	}()
	fn(entry)
}

func (t *Tunnel) String() string {
	return fmt.Sprintf("Tunnel(%s, %s)", t.config.TunnelID, t.Status())
}
