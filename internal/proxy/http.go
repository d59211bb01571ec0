package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Daniel-Brai/Loco/internal/core"
)

// hopByHopHeaders are stripped from proxied requests and responses.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// httpEngine serves HTTP, HTTPS, and WebSocket tunnels. Every inbound
// request is classified: synthetic /_tunnel/* endpoints are answered
// locally, WebSocket upgrades are bridged frame-for-frame, and
// everything else is forwarded to the local service over plain HTTP.
type httpEngine struct {
	config *core.TunnelConfig
	sink   EventSink

	mu       sync.Mutex
	server   *http.Server
	client   *http.Client
	running  bool
	wsConns  map[*websocket.Conn]struct{}
	inflight atomic.Int64
	serveWG  sync.WaitGroup // the Serve goroutine
	handlers sync.WaitGroup // in-flight request handlers, entered under mu
}

func newHTTPEngine(config *core.TunnelConfig, sink EventSink) *httpEngine {
	return &httpEngine{
		config:  config,
		sink:    orNopSink(sink),
		wsConns: make(map[*websocket.Conn]struct{}),
	}
}

func (e *httpEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	var tlsConfig *tls.Config
	if e.config.Protocol == core.ProtocolHTTPS {
		cfg, err := loadTLSConfig(e.config.SSLCertPath, e.config.SSLKeyPath)
		if err != nil {
			return &core.StartupError{TunnelID: e.config.TunnelID, Err: err}
		}
		tlsConfig = cfg
	}

	listener, err := net.Listen("tcp", e.config.RemoteAddr())
	if err != nil {
		return &core.StartupError{TunnelID: e.config.TunnelID, Err: err}
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	e.client = &http.Client{
		Timeout: e.config.Timeout(),
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   e.config.Timeout(),
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 30,
			IdleConnTimeout:     30 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	e.server = &http.Server{Handler: e}
	e.running = true

	e.serveWG.Add(1)
	go func(srv *http.Server) {
		defer e.serveWG.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP proxy: server for tunnel %s exited: %v", e.config.TunnelID, err)
		}
	}(e.server)

	log.Printf("HTTP proxy listening on %s -> %s (%s)", e.config.RemoteAddr(), e.config.LocalAddr(), e.config.Protocol)
	return nil
}

func (e *httpEngine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	server := e.server
	client := e.client
	e.server = nil
	for ws := range e.wsConns {
		ws.Close()
	}
	e.wsConns = make(map[*websocket.Conn]struct{})
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		// Drain timed out or the context fired; force the remaining
		// connections closed.
		server.Close()
	}

	e.handlers.Wait()
	e.serveWG.Wait()
	if client != nil {
		client.CloseIdleConnections()
	}

	log.Printf("HTTP proxy stopped for tunnel %s", e.config.TunnelID)
	return nil
}

func (e *httpEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *httpEngine) ConnectionCount() int {
	return int(e.inflight.Load())
}

func (e *httpEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		http.Error(w, "tunnel is shutting down", http.StatusServiceUnavailable)
		return
	}
	e.handlers.Add(1)
	e.mu.Unlock()
	defer e.handlers.Done()

	info := core.ConnectionInfo{
		RemoteAddr: r.RemoteAddr,
		Timestamp:  time.Now().UTC(),
		Method:     r.Method,
		Path:       r.URL.Path,
		UserAgent:  r.UserAgent(),
	}

	e.inflight.Add(1)
	e.sink.OnConnection(info)
	defer func() {
		e.inflight.Add(-1)
		e.sink.OnDisconnection(info)
	}()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/_tunnel/health":
		e.handleHealth(w)
	case r.Method == http.MethodGet && r.URL.Path == "/_tunnel/stats":
		e.handleStats(w)
	case strings.EqualFold(r.Header.Get("Upgrade"), "websocket"):
		e.handleWebSocket(w, r)
	default:
		e.handleHTTP(w, r)
	}
}

func (e *httpEngine) handleHealth(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"tunnel_id":     e.config.TunnelID,
		"local_service": e.config.LocalAddr(),
	})
}

func (e *httpEngine) handleStats(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"config": e.config,
		"server_info": map[string]any{
			"host":       e.config.RemoteHost,
			"port":       e.config.RemotePort,
			"protocol":   string(e.config.Protocol),
			"is_serving": e.Running(),
		},
	})
}

// handleHTTP forwards one request to the local service and streams the
// response back in buffer_size chunks.
func (e *httpEngine) handleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusBadGateway

	defer func() {
		e.emitRequestLog(core.RequestLog{
			Timestamp:  start.UTC(),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     status,
			RemoteIP:   remoteIP(r.RemoteAddr),
			DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
		})
	}()

	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			status = http.StatusBadRequest
			http.Error(w, "failed to read request body", status)
			return
		}
		body = data
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, e.targetURL(r), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "failed to build upstream request", status)
		return
	}
	e.prepareProxyHeaders(r, outReq)

	resp, err := e.client.Do(outReq)
	if err != nil {
		msg := fmt.Sprintf("Failed to connect to local service at %s", e.config.LocalAddr())
		if isConnectionRefused(err) {
			msg += fmt.Sprintf("\n\nMake sure your local service is running and accessible at %s.", e.config.LocalAddr())
		}
		log.Printf("HTTP proxy: error proxying %s %s to %s: %v", r.Method, r.URL.Path, e.config.LocalAddr(), err)
		http.Error(w, msg, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if len(body) > 0 {
		e.sink.OnDataTransfer(int64(len(body)))
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	status = resp.StatusCode

	written := e.streamBody(w, resp.Body)
	log.Printf("[%s] %s %s -> %d (%d bytes, %v)", e.config.TunnelID[:min(8, len(e.config.TunnelID))], r.Method, r.URL.Path, resp.StatusCode, written, time.Since(start))
}

// streamBody copies the upstream response to the caller chunk by
// chunk, flushing as it goes so streaming responses are not buffered.
func (e *httpEngine) streamBody(w http.ResponseWriter, body io.Reader) int64 {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, e.config.BufferSize)
	var written int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			nw, werr := w.Write(buf[:n])
			written += int64(nw)
			if nw > 0 {
				e.sink.OnDataTransfer(int64(nw))
			}
			if werr != nil {
				log.Printf("HTTP proxy: error writing response: %v", werr)
				break
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("HTTP proxy: error reading upstream response: %v", err)
			}
			break
		}
	}
	return written
}

// targetURL builds the plaintext local URL for a request. The local
// leg never uses TLS regardless of the tunnel's own scheme.
func (e *httpEngine) targetURL(r *http.Request) string {
	target := "http://" + e.config.LocalAddr() + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

func (e *httpEngine) prepareProxyHeaders(in *http.Request, out *http.Request) {
	copyHeaders(out.Header, in.Header)
	out.Host = e.config.LocalAddr()
	out.Header.Set("Host", e.config.LocalAddr())
	out.Header.Set("X-Forwarded-For", remoteIP(in.RemoteAddr))
	out.Header.Set("X-Forwarded-Proto", string(e.config.Protocol))
	out.Header.Set("X-Forwarded-Host", in.Host)
	out.Header.Set("X-Forwarded-Port", strconv.Itoa(e.config.RemotePort))
}

// handleWebSocket completes the inbound upgrade, opens a plaintext
// WebSocket to the local service, and forwards frames 1:1 in both
// directions until either side closes.
func (e *httpEngine) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  e.config.BufferSize,
		WriteBufferSize: e.config.BufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("HTTP proxy: websocket upgrade failed: %v", err)
		return
	}

	localURL := "ws://" + e.config.LocalAddr() + r.URL.Path
	if r.URL.RawQuery != "" {
		localURL += "?" + r.URL.RawQuery
	}

	dialer := &websocket.Dialer{HandshakeTimeout: e.config.Timeout()}
	localConn, _, err := dialer.Dial(localURL, forwardableWSHeaders(r))
	if err != nil {
		log.Printf("HTTP proxy: websocket dial to %s failed: %v", localURL, err)
		clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "local service unavailable"))
		clientConn.Close()
		return
	}

	e.trackWS(clientConn)
	e.trackWS(localConn)
	defer func() {
		e.untrackWS(clientConn)
		e.untrackWS(localConn)
	}()

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			clientConn.Close()
			localConn.Close()
		})
	}
	defer closeBoth()

	done := make(chan struct{}, 2)
	go func() {
		e.forwardFrames(clientConn, localConn, "client->local")
		closeBoth()
		done <- struct{}{}
	}()
	go func() {
		e.forwardFrames(localConn, clientConn, "local->client")
		closeBoth()
		done <- struct{}{}
	}()
	<-done
	<-done
}

// forwardFrames relays text and binary frames from src to dst and
// propagates close frames as a close on the peer.
func (e *httpEngine) forwardFrames(src, dst *websocket.Conn, direction string) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				dst.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeErr.Code, closeErr.Text))
			} else if !errors.Is(err, net.ErrClosed) {
				log.Printf("HTTP proxy: websocket forwarding stopped (%s): %v", direction, err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			log.Printf("HTTP proxy: websocket write failed (%s): %v", direction, err)
			return
		}
		e.sink.OnDataTransfer(int64(len(data)))
	}
}

func (e *httpEngine) trackWS(conn *websocket.Conn) {
	e.mu.Lock()
	if !e.running {
		// Stop already closed the tracked set; this connection raced
		// the shutdown and is closed so its forwarders exit at once.
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.wsConns[conn] = struct{}{}
	e.mu.Unlock()
}

func (e *httpEngine) untrackWS(conn *websocket.Conn) {
	e.mu.Lock()
	delete(e.wsConns, conn)
	e.mu.Unlock()
}

// emitRequestLog delivers a request-log event to the sink. A panicking
// sink must not abort the response already produced.
func (e *httpEngine) emitRequestLog(entry core.RequestLog) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("HTTP proxy: request log sink panicked: %v", r)
		}
	}()
	e.sink.OnLogRequest(entry)
}

// loadTLSConfig loads a manual certificate pair, failing fast when
// either path is missing.
func loadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("ssl_cert_path and ssl_key_path are required for https tunnels")
	}
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("certificate file not found: %s", certPath)
	}
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("key file not found: %s", keyPath)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

// forwardableWSHeaders extracts the inbound headers that may be passed
// to the outbound WebSocket dial. The handshake headers are owned by
// the dialer and must not be duplicated.
func forwardableWSHeaders(r *http.Request) http.Header {
	out := make(http.Header)
	for key, values := range r.Header {
		if isHopByHop(key) || strings.HasPrefix(strings.ToLower(key), "sec-websocket-") {
			continue
		}
		for _, value := range values {
			out.Add(key, value)
		}
	}
	out.Set("X-Forwarded-For", remoteIP(r.RemoteAddr))
	return out
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func isConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
