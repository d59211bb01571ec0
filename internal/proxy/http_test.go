package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Daniel-Brai/Loco/internal/core"
)

func httpConfig(t *testing.T, localPort int) *core.TunnelConfig {
	return &core.TunnelConfig{
		TunnelID:          "http-test",
		LocalHost:         "127.0.0.1",
		LocalPort:         localPort,
		RemoteHost:        "127.0.0.1",
		RemotePort:        freePort(t),
		Protocol:          core.ProtocolHTTP,
		ConnectionTimeout: 5,
		MaxConnections:    16,
		BufferSize:        4096,
		CreatedAt:         time.Now().UTC(),
	}
}

func startHTTPEngine(t *testing.T, config *core.TunnelConfig, sink EventSink) Engine {
	t.Helper()
	engine, err := New(config, sink)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}
	t.Cleanup(func() { engine.Stop() })
	return engine
}

func localServerPort(t *testing.T, handler http.Handler) int {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	addr := server.Listener.Addr().(*net.TCPAddr)
	return addr.Port
}

func TestHTTPEngineHealthEndpoint(t *testing.T) {
	port := localServerPort(t, http.NotFoundHandler())
	config := httpConfig(t, port)
	startHTTPEngine(t, config, &captureSink{})

	resp, err := http.Get(fmt.Sprintf("http://%s/_tunnel/health", config.RemoteAddr()))
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("unexpected health payload: %v", body)
	}
	if body["tunnel_id"] != "http-test" {
		t.Fatalf("unexpected tunnel_id: %v", body["tunnel_id"])
	}
	if body["local_service"] != config.LocalAddr() {
		t.Fatalf("unexpected local_service: %v", body["local_service"])
	}
}

func TestHTTPEngineStatsEndpoint(t *testing.T) {
	port := localServerPort(t, http.NotFoundHandler())
	config := httpConfig(t, port)
	startHTTPEngine(t, config, &captureSink{})

	resp, err := http.Get(fmt.Sprintf("http://%s/_tunnel/stats", config.RemoteAddr()))
	if err != nil {
		t.Fatalf("stats request failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Config     core.TunnelConfig `json:"config"`
		ServerInfo struct {
			Host      string `json:"host"`
			Port      int    `json:"port"`
			Protocol  string `json:"protocol"`
			IsServing bool   `json:"is_serving"`
		} `json:"server_info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode stats response: %v", err)
	}
	if body.Config.TunnelID != "http-test" {
		t.Fatalf("unexpected config in stats: %+v", body.Config)
	}
	if !body.ServerInfo.IsServing || body.ServerInfo.Port != config.RemotePort {
		t.Fatalf("unexpected server_info: %+v", body.ServerInfo)
	}
}

func TestHTTPEngineProxiesRequests(t *testing.T) {
	var seenHost, seenProto, seenFor string
	var seenConnection string
	port := localServerPort(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		seenProto = r.Header.Get("X-Forwarded-Proto")
		seenFor = r.Header.Get("X-Forwarded-For")
		seenConnection = r.Header.Get("Proxy-Authorization")
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Local", "yes")
		fmt.Fprintf(w, "pong:%s", body)
	}))

	sink := &captureSink{}
	config := httpConfig(t, port)
	startHTTPEngine(t, config, sink)

	req, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("http://%s/api/echo?x=1", config.RemoteAddr()),
		strings.NewReader("ping"))
	req.Header.Set("Proxy-Authorization", "secret")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("proxied request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong:ping" {
		t.Fatalf("unexpected proxied body: %q", body)
	}
	if resp.Header.Get("X-Local") != "yes" {
		t.Fatal("expected local response header to pass through")
	}
	if seenHost != config.LocalAddr() {
		t.Fatalf("expected Host rewritten to %s, got %s", config.LocalAddr(), seenHost)
	}
	if seenProto != "http" {
		t.Fatalf("unexpected X-Forwarded-Proto: %s", seenProto)
	}
	if seenFor == "" {
		t.Fatal("expected X-Forwarded-For to be set")
	}
	if seenConnection != "" {
		t.Fatal("expected hop-by-hop Proxy-Authorization header to be stripped")
	}

	waitFor(t, "request log", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.logs) == 1
	})
	sink.mu.Lock()
	entry := sink.logs[0]
	sink.mu.Unlock()
	if entry.Method != http.MethodPost || entry.Path != "/api/echo" || entry.Status != http.StatusOK {
		t.Fatalf("unexpected request log entry: %+v", entry)
	}
	if entry.RemoteIP == "" || entry.DurationMs < 0 {
		t.Fatalf("incomplete request log entry: %+v", entry)
	}

	_, _, transferred := sink.snapshot()
	if transferred < int64(len("ping")+len("pong:ping")) {
		t.Fatalf("expected transfer counter to cover request and response, got %d", transferred)
	}
}

func TestHTTPEngineDoesNotFollowRedirects(t *testing.T) {
	port := localServerPort(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	config := httpConfig(t, port)
	startHTTPEngine(t, config, &captureSink{})

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(fmt.Sprintf("http://%s/", config.RemoteAddr()))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 passed through, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/elsewhere" {
		t.Fatalf("expected Location header preserved, got %q", loc)
	}
}

func TestHTTPEngineRespondsBadGatewayWhenLocalServiceDown(t *testing.T) {
	// Point the tunnel at a port with nothing listening.
	config := httpConfig(t, freePort(t))
	sink := &captureSink{}
	startHTTPEngine(t, config, sink)

	resp, err := http.Get(fmt.Sprintf("http://%s/anything", config.RemoteAddr()))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Failed to connect to local service") {
		t.Fatalf("expected descriptive 502 body, got %q", body)
	}
	if !strings.Contains(string(body), "Make sure your local service is running") {
		t.Fatalf("expected connection-refused hint, got %q", body)
	}

	waitFor(t, "failure request log", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.logs) == 1 && sink.logs[0].Status == http.StatusBadGateway
	})
}

func TestHTTPEngineStartFailsWithoutCertsForHTTPS(t *testing.T) {
	config := httpConfig(t, freePort(t))
	config.Protocol = core.ProtocolHTTPS

	engine, err := New(config, &captureSink{})
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	err = engine.Start()
	if err == nil {
		engine.Stop()
		t.Fatal("expected https start without certs to fail")
	}
	if !strings.Contains(err.Error(), "ssl_cert_path") {
		t.Fatalf("expected cert path error, got %v", err)
	}
}

func TestHTTPEngineProxiesWebSockets(t *testing.T) {
	upgrader := websocket.Upgrader{}
	port := localServerPort(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))

	sink := &captureSink{}
	config := httpConfig(t, port)
	config.Protocol = core.ProtocolWebSocket
	startHTTPEngine(t, config, sink)

	url := fmt.Sprintf("ws://%s/socket", config.RemoteAddr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial through tunnel failed: %v", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("marco")); err != nil {
		t.Fatalf("websocket write failed: %v", err)
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	if msgType != websocket.TextMessage || string(data) != "marco" {
		t.Fatalf("unexpected echo: type=%d data=%q", msgType, data)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("binary write failed: %v", err)
	}
	msgType, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("binary read failed: %v", err)
	}
	if msgType != websocket.BinaryMessage || len(data) != 2 {
		t.Fatalf("unexpected binary echo: type=%d data=%v", msgType, data)
	}

	conn.Close()
	waitFor(t, "websocket teardown", func() bool {
		connections, disconnections, _ := sink.snapshot()
		return connections == 1 && disconnections == 1
	})
}
