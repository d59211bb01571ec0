package core

import (
	"fmt"
	"strings"
)

// NotFoundError reports a lookup for a tunnel ID or name fragment that
// matched nothing.
type NotFoundError struct {
	Query string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no tunnel found matching %q", e.Query)
}

// AlreadyExistsError reports a create with a tunnel ID that is already
// registered.
type AlreadyExistsError struct {
	TunnelID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("tunnel %s already exists", e.TunnelID)
}

// AmbiguousMatch is one candidate of an ambiguous partial-ID lookup.
type AmbiguousMatch struct {
	TunnelID string
	Name     string
}

// AmbiguousError reports a partial-ID lookup that matched more than
// one tunnel. Matches carries every candidate so the caller can ask
// the user to disambiguate.
type AmbiguousError struct {
	Query   string
	Matches []AmbiguousMatch
}

func (e *AmbiguousError) Error() string {
	parts := make([]string, 0, len(e.Matches))
	for _, m := range e.Matches {
		id := m.TunnelID
		if len(id) > 8 {
			id = id[:8]
		}
		if m.Name != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", id, m.Name))
		} else {
			parts = append(parts, id)
		}
	}
	return fmt.Sprintf("multiple tunnels match %q: %s", e.Query, strings.Join(parts, ", "))
}

// StartupError reports a proxy engine that failed to bind or
// initialize. The tunnel is left in the error state with its resources
// released.
type StartupError struct {
	TunnelID string
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("failed to start tunnel %s: %v", e.TunnelID, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// RuntimeError reports a failure while operating or stopping a running
// tunnel.
type RuntimeError struct {
	TunnelID string
	Err      error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("tunnel %s: %v", e.TunnelID, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// StorageError reports a persistence failure. Storage errors always
// propagate; loss of persistence is never silently ignored.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConfigError reports an invalid tunnel configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config field %s: %s", e.Field, e.Reason)
}
