// Package core defines the data model shared by every Loco component.
//
// This package holds tunnel configurations, tunnel runtime state, and
// the enumerations describing protocols and lifecycle status. The JSON
// tags on these types are the persistence wire format consumed by the
// storage backends.
//
// Types:
//   - TunnelConfig: Immutable tunnel configuration
//   - TunnelState: Mutable runtime state of one tunnel
//   - ConnectionInfo: Metadata about a proxied connection
//   - RequestLog: Structured record of one proxied HTTP request
package core

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// TunnelProtocol identifies how a tunnel's public listener speaks to
// its callers.
type TunnelProtocol string

const (
	// ProtocolHTTP proxies plain HTTP requests.
	ProtocolHTTP TunnelProtocol = "http"
	// ProtocolHTTPS proxies HTTP requests over a TLS listener.
	ProtocolHTTPS TunnelProtocol = "https"
	// ProtocolTCP forwards raw byte streams.
	ProtocolTCP TunnelProtocol = "tcp"
	// ProtocolWebSocket proxies WebSocket upgrade traffic.
	ProtocolWebSocket TunnelProtocol = "websocket"
)

// ParseProtocol converts a user-supplied protocol name into a
// TunnelProtocol, rejecting unknown values.
func ParseProtocol(s string) (TunnelProtocol, error) {
	switch TunnelProtocol(s) {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolTCP, ProtocolWebSocket:
		return TunnelProtocol(s), nil
	}
	return "", fmt.Errorf("invalid protocol %q (valid: http, https, tcp, websocket)", s)
}

// Scheme returns the URL scheme used when deriving a tunnel's public
// URL.
func (p TunnelProtocol) Scheme() string {
	if p == ProtocolWebSocket {
		return "ws"
	}
	return string(p)
}

// TunnelStatus is the lifecycle state of a tunnel.
type TunnelStatus string

const (
	// StatusStopped means the tunnel is idle. Initial state.
	StatusStopped TunnelStatus = "stopped"
	// StatusStarting means the proxy engine is being brought up.
	StatusStarting TunnelStatus = "starting"
	// StatusActive means the tunnel is serving traffic.
	StatusActive TunnelStatus = "active"
	// StatusStopping means the tunnel is tearing its engine down.
	StatusStopping TunnelStatus = "stopping"
	// StatusError means the last start or stop attempt failed.
	StatusError TunnelStatus = "error"
)

// TunnelConfig is the immutable configuration of one tunnel. It is
// never mutated after creation; restarting a tunnel reuses the same
// config.
type TunnelConfig struct {
	TunnelID          string         `json:"tunnel_id"`           // Unique tunnel identifier
	Name              string         `json:"name,omitempty"`      // Optional human-readable label
	LocalHost         string         `json:"local_host"`          // Target service host
	LocalPort         int            `json:"local_port"`          // Target service port
	RemoteHost        string         `json:"remote_host"`         // Public bind host
	RemotePort        int            `json:"remote_port"`         // Public bind port
	Protocol          TunnelProtocol `json:"protocol"`            // Tunnel protocol
	Subdomain         string         `json:"subdomain,omitempty"` // Reserved for multi-tenant routing
	SSLCertPath       string         `json:"ssl_cert_path,omitempty"`
	SSLKeyPath        string         `json:"ssl_key_path,omitempty"`
	ConnectionTimeout float64        `json:"connection_timeout"` // Seconds
	MaxConnections    int            `json:"max_connections"`    // Listener backlog / concurrency ceiling
	BufferSize        int            `json:"buffer_size"`        // I/O chunk size in bytes
	CreatedAt         time.Time      `json:"created_at"`
	Tags              []string       `json:"tags,omitempty"`
}

// Validate checks the structural invariants of a tunnel configuration.
func (c *TunnelConfig) Validate() error {
	if c.TunnelID == "" {
		return &ConfigError{Field: "tunnel_id", Reason: "must not be empty"}
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return &ConfigError{Field: "local_port", Reason: fmt.Sprintf("invalid port %d", c.LocalPort)}
	}
	if c.RemotePort <= 0 || c.RemotePort > 65535 {
		return &ConfigError{Field: "remote_port", Reason: fmt.Sprintf("invalid port %d", c.RemotePort)}
	}
	if _, err := ParseProtocol(string(c.Protocol)); err != nil {
		return &ConfigError{Field: "protocol", Reason: err.Error()}
	}
	if c.ConnectionTimeout <= 0 {
		return &ConfigError{Field: "connection_timeout", Reason: "must be greater than zero"}
	}
	if c.MaxConnections <= 0 {
		return &ConfigError{Field: "max_connections", Reason: "must be greater than zero"}
	}
	if c.BufferSize <= 0 {
		return &ConfigError{Field: "buffer_size", Reason: "must be greater than zero"}
	}
	if c.Protocol == ProtocolHTTPS && (c.SSLCertPath == "" || c.SSLKeyPath == "") {
		return &ConfigError{Field: "ssl_cert_path", Reason: "ssl_cert_path and ssl_key_path are required for https tunnels"}
	}
	return nil
}

// Timeout converts the configured connection timeout to a Duration.
func (c *TunnelConfig) Timeout() time.Duration {
	return time.Duration(c.ConnectionTimeout * float64(time.Second))
}

// LocalAddr returns the host:port of the local service.
func (c *TunnelConfig) LocalAddr() string {
	return net.JoinHostPort(c.LocalHost, strconv.Itoa(c.LocalPort))
}

// RemoteAddr returns the host:port the public listener binds to.
func (c *TunnelConfig) RemoteAddr() string {
	return net.JoinHostPort(c.RemoteHost, strconv.Itoa(c.RemotePort))
}

// DisplayHost is the host used in the derived public URL. Wildcard
// binds are mapped to a loopback-friendly name.
func (c *TunnelConfig) DisplayHost() string {
	switch c.RemoteHost {
	case "", "0.0.0.0", "::", "[::]":
		return "localhost"
	}
	return c.RemoteHost
}

// PublicURL derives the address the tunnel is reachable at once
// active.
func (c *TunnelConfig) PublicURL() string {
	return fmt.Sprintf("%s://%s:%d", c.Protocol.Scheme(), c.DisplayHost(), c.RemotePort)
}

// TunnelState is the mutable runtime state of one tunnel. The nested
// config is carried so a persisted state record is self-describing.
//
// Invariants: ActiveConnections never underflows below zero and never
// exceeds TotalConnections; TotalConnections and BytesTransferred are
// monotonic.
type TunnelState struct {
	Config            TunnelConfig `json:"config"`
	Status            TunnelStatus `json:"status"`
	CreatedAt         time.Time    `json:"created_at"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	StoppedAt         *time.Time   `json:"stopped_at,omitempty"`
	LastActivity      *time.Time   `json:"last_activity,omitempty"`
	PublicURL         string       `json:"public_url,omitempty"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	ActiveConnections int64        `json:"active_connections"`
	TotalConnections  int64        `json:"total_connections"`
	BytesTransferred  int64        `json:"bytes_transferred"`
}

// NewTunnelState returns the initial state for a freshly created
// tunnel.
func NewTunnelState(config TunnelConfig) *TunnelState {
	return &TunnelState{
		Config:    config,
		Status:    StatusStopped,
		CreatedAt: time.Now().UTC(),
	}
}

// ConnectionInfo describes one proxied connection, reported through
// the engine event sink.
type ConnectionInfo struct {
	RemoteAddr string    `json:"remote_addr"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method,omitempty"`
	Path       string    `json:"path,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// RequestLog is the structured record emitted for every proxied HTTP
// request, successful or not.
type RequestLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	RemoteIP   string    `json:"remote_ip"`
	DurationMs float64   `json:"duration_ms"`
}
