// Package storage persists tunnel configurations and states as keyed
// records that survive process restarts.
//
// Two backends are provided: a JSON file backend storing one file per
// record, and a SQLite backend. Both implement the same contract:
//
//   - Config records: one serialized TunnelConfig per tunnel ID
//   - State records: one serialized TunnelState (nesting its config)
//     per tunnel ID
//
// Loading a record that does not exist returns (nil, nil), not an
// error. Any I/O failure is wrapped as *core.StorageError.
package storage

import "github.com/Daniel-Brai/Loco/internal/core"

// Backend is the persistence surface consumed by the tunnel manager.
// The manager is the sole writer; backends carry no business logic.
type Backend interface {
	// SaveConfig persists a tunnel configuration, overwriting any
	// existing record.
	SaveConfig(config *core.TunnelConfig) error

	// LoadConfig returns the configuration for a tunnel ID, or
	// (nil, nil) if no record exists.
	LoadConfig(tunnelID string) (*core.TunnelConfig, error)

	// ListConfigs returns every persisted configuration. Order is not
	// significant.
	ListConfigs() ([]*core.TunnelConfig, error)

	// SaveState persists a tunnel state, overwriting any existing
	// record.
	SaveState(state *core.TunnelState) error

	// LoadState returns the state for a tunnel ID, or (nil, nil) if no
	// record exists.
	LoadState(tunnelID string) (*core.TunnelState, error)

	// Delete removes both the config and state records for a tunnel
	// ID. Deleting a tunnel that was never persisted is not an error.
	Delete(tunnelID string) error
}
