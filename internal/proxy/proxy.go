// Package proxy implements the protocol-specific engines that move
// bytes between a tunnel's public listener and its local service.
//
// An engine is constructed once per tunnel start through New, which is
// the single place the tunnel protocol is dispatched on. Engines
// report traffic back to their owner through the EventSink interface.
package proxy

import (
	"fmt"

	"github.com/Daniel-Brai/Loco/internal/core"
)

// EventSink receives traffic events from a running engine. All
// methods are fire-and-forget: implementations must return quickly and
// must never block the forwarding path.
type EventSink interface {
	OnConnection(info core.ConnectionInfo)
	OnDisconnection(info core.ConnectionInfo)
	OnDataTransfer(bytes int64)
	OnLogRequest(entry core.RequestLog)
}

// Engine is one protocol-specific proxy bound to a single tunnel.
type Engine interface {
	// Start binds the public listener and begins serving. A failure to
	// bind or initialize returns a *core.StartupError with every
	// partially created resource already released.
	Start() error

	// Stop cancels every outstanding connection, waits for the
	// forwarding tasks to finish, and closes the listener. Idempotent.
	Stop() error

	// Running reports whether the engine is serving.
	Running() bool

	// ConnectionCount returns the number of live proxied connections.
	ConnectionCount() int
}

// New constructs the engine matching the tunnel's protocol. No other
// component inspects the protocol to decide forwarding behavior.
func New(config *core.TunnelConfig, sink EventSink) (Engine, error) {
	switch config.Protocol {
	case core.ProtocolTCP:
		return newTCPEngine(config, sink), nil
	case core.ProtocolHTTP, core.ProtocolHTTPS, core.ProtocolWebSocket:
		return newHTTPEngine(config, sink), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", config.Protocol)
	}
}

// nopSink discards every event. Used when no sink is registered.
type nopSink struct{}

func (nopSink) OnConnection(core.ConnectionInfo)    {}
func (nopSink) OnDisconnection(core.ConnectionInfo) {}
func (nopSink) OnDataTransfer(int64)                {}
func (nopSink) OnLogRequest(core.RequestLog)        {}

func orNopSink(sink EventSink) EventSink {
	if sink == nil {
		return nopSink{}
	}
	return sink
}
