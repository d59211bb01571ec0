package storage

import (
	"testing"
	"time"

	"github.com/Daniel-Brai/Loco/internal/core"
)

func testConfig(id string) *core.TunnelConfig {
	return &core.TunnelConfig{
		TunnelID:          id,
		Name:              "demo",
		LocalHost:         "127.0.0.1",
		LocalPort:         8000,
		RemoteHost:        "0.0.0.0",
		RemotePort:        9000,
		Protocol:          core.ProtocolHTTP,
		ConnectionTimeout: 30,
		MaxConnections:    100,
		BufferSize:        8192,
		CreatedAt:         time.Now().UTC().Truncate(time.Second),
		Tags:              []string{"dev", "demo"},
	}
}

func newTestFileBackend(t *testing.T) Backend {
	t.Helper()
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create file backend: %v", err)
	}
	return backend
}

func TestFileBackendConfigRoundTrip(t *testing.T) {
	runConfigRoundTrip(t, newTestFileBackend(t))
}

func TestFileBackendStateRoundTrip(t *testing.T) {
	runStateRoundTrip(t, newTestFileBackend(t))
}

func TestFileBackendMissingRecordsReturnNil(t *testing.T) {
	runMissingRecords(t, newTestFileBackend(t))
}

func TestFileBackendDelete(t *testing.T) {
	runDelete(t, newTestFileBackend(t))
}

// Shared backend contract checks, run against both implementations.

func runConfigRoundTrip(t *testing.T, backend Backend) {
	t.Helper()

	config := testConfig("tunnel-1")
	if err := backend.SaveConfig(config); err != nil {
		t.Fatalf("save config failed: %v", err)
	}

	loaded, err := backend.LoadConfig("tunnel-1")
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected config to be found")
	}
	if loaded.TunnelID != config.TunnelID || loaded.Name != config.Name ||
		loaded.LocalPort != config.LocalPort || loaded.Protocol != config.Protocol {
		t.Fatalf("loaded config differs: %+v", loaded)
	}
	if len(loaded.Tags) != 2 || loaded.Tags[0] != "dev" || loaded.Tags[1] != "demo" {
		t.Fatalf("tags not preserved: %v", loaded.Tags)
	}

	if err := backend.SaveConfig(testConfig("tunnel-2")); err != nil {
		t.Fatalf("save second config failed: %v", err)
	}
	configs, err := backend.ListConfigs()
	if err != nil {
		t.Fatalf("list configs failed: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(configs))
	}
}

func runStateRoundTrip(t *testing.T, backend Backend) {
	t.Helper()

	config := testConfig("tunnel-1")
	if err := backend.SaveConfig(config); err != nil {
		t.Fatalf("save config failed: %v", err)
	}

	state := core.NewTunnelState(*config)
	state.Status = core.StatusActive
	state.PublicURL = "http://localhost:9000"
	now := time.Now().UTC().Truncate(time.Second)
	state.StartedAt = &now
	state.ActiveConnections = 3
	state.TotalConnections = 17
	state.BytesTransferred = 4096

	if err := backend.SaveState(state); err != nil {
		t.Fatalf("save state failed: %v", err)
	}

	loaded, err := backend.LoadState("tunnel-1")
	if err != nil {
		t.Fatalf("load state failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected state to be found")
	}
	if loaded.Status != core.StatusActive {
		t.Fatalf("unexpected status: %s", loaded.Status)
	}
	if loaded.PublicURL != "http://localhost:9000" {
		t.Fatalf("unexpected public url: %s", loaded.PublicURL)
	}
	if loaded.StartedAt == nil {
		t.Fatal("expected started_at to survive the round trip")
	}
	if loaded.ActiveConnections != 3 || loaded.TotalConnections != 17 || loaded.BytesTransferred != 4096 {
		t.Fatalf("counters not preserved: %+v", loaded)
	}
	// The state record nests its config.
	if loaded.Config.TunnelID != "tunnel-1" || loaded.Config.LocalPort != 8000 {
		t.Fatalf("nested config not preserved: %+v", loaded.Config)
	}
}

func runMissingRecords(t *testing.T, backend Backend) {
	t.Helper()

	config, err := backend.LoadConfig("nope")
	if err != nil {
		t.Fatalf("missing config should not be an error, got %v", err)
	}
	if config != nil {
		t.Fatal("expected nil config for missing record")
	}

	state, err := backend.LoadState("nope")
	if err != nil {
		t.Fatalf("missing state should not be an error, got %v", err)
	}
	if state != nil {
		t.Fatal("expected nil state for missing record")
	}
}

func runDelete(t *testing.T, backend Backend) {
	t.Helper()

	config := testConfig("tunnel-1")
	if err := backend.SaveConfig(config); err != nil {
		t.Fatalf("save config failed: %v", err)
	}
	if err := backend.SaveState(core.NewTunnelState(*config)); err != nil {
		t.Fatalf("save state failed: %v", err)
	}

	if err := backend.Delete("tunnel-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if loaded, _ := backend.LoadConfig("tunnel-1"); loaded != nil {
		t.Fatal("expected config record to be gone")
	}
	if loaded, _ := backend.LoadState("tunnel-1"); loaded != nil {
		t.Fatal("expected state record to be gone")
	}

	// Deleting a tunnel that was never persisted is not an error.
	if err := backend.Delete("never-existed"); err != nil {
		t.Fatalf("delete of missing tunnel failed: %v", err)
	}
}
