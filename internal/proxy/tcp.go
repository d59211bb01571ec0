package proxy

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Daniel-Brai/Loco/internal/core"
)

// tcpEngine forwards raw byte streams between the public listener and
// the local service, one paired copy loop per direction per
// connection.
type tcpEngine struct {
	config *core.TunnelConfig
	sink   EventSink

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	wg       sync.WaitGroup
}

func newTCPEngine(config *core.TunnelConfig, sink EventSink) *tcpEngine {
	return &tcpEngine{
		config: config,
		sink:   orNopSink(sink),
		conns:  make(map[net.Conn]struct{}),
	}
}

func (e *tcpEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	listener, err := net.Listen("tcp", e.config.RemoteAddr())
	if err != nil {
		return &core.StartupError{TunnelID: e.config.TunnelID, Err: err}
	}

	e.listener = listener
	e.running = true

	e.wg.Add(1)
	go e.acceptLoop(listener)

	log.Printf("TCP proxy listening on %s -> %s", e.config.RemoteAddr(), e.config.LocalAddr())
	return nil
}

func (e *tcpEngine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false

	if e.listener != nil {
		e.listener.Close()
		e.listener = nil
	}
	// Closing every tracked connection unblocks its forwarding loops.
	for conn := range e.conns {
		conn.Close()
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()

	log.Printf("TCP proxy stopped for tunnel %s", e.config.TunnelID)
	return nil
}

func (e *tcpEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *tcpEngine) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

func (e *tcpEngine) acceptLoop(listener net.Listener) {
	defer e.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !e.Running() {
				return
			}
			log.Printf("TCP proxy: accept error on %s: %v", e.config.RemoteAddr(), err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if !e.track(conn) {
			conn.Close()
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleConnection(conn)
		}()
	}
}

// track registers a connection, enforcing the concurrency ceiling and
// the running flag. Returns false if the connection must be dropped.
func (e *tcpEngine) track(conn net.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false
	}
	if len(e.conns) >= e.config.MaxConnections {
		log.Printf("TCP proxy: rejecting %s, connection limit %d reached", conn.RemoteAddr(), e.config.MaxConnections)
		return false
	}
	e.conns[conn] = struct{}{}
	return true
}

func (e *tcpEngine) untrack(conn net.Conn) {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
}

func (e *tcpEngine) handleConnection(conn net.Conn) {
	info := core.ConnectionInfo{
		RemoteAddr: conn.RemoteAddr().String(),
		Timestamp:  time.Now().UTC(),
	}
	e.sink.OnConnection(info)

	defer func() {
		e.untrack(conn)
		conn.Close()
		e.sink.OnDisconnection(info)
	}()

	local, err := net.DialTimeout("tcp", e.config.LocalAddr(), e.config.Timeout())
	if err != nil {
		log.Printf("TCP proxy: failed to reach local service %s: %v", e.config.LocalAddr(), err)
		return
	}

	// When either direction finishes, closing both sockets unblocks
	// the other loop. Close is safe to call twice on a net.Conn.
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			conn.Close()
			local.Close()
		})
	}
	defer closeBoth()

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return e.forward(conn, local)
	})
	g.Go(func() error {
		defer closeBoth()
		return e.forward(local, conn)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("TCP proxy: connection from %s ended: %v", info.RemoteAddr, err)
	}
}

// forward copies bytes src -> dst in buffer_size chunks, reporting
// each successful write to the sink. Bytes are written in the order
// read.
func (e *tcpEngine) forward(src, dst net.Conn) error {
	buf := make([]byte, e.config.BufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			e.sink.OnDataTransfer(int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
