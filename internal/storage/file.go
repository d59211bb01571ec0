package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Daniel-Brai/Loco/internal/core"
)

// FileBackend stores each record as a JSON file:
//
//	<base>/configs/<tunnel_id>.json
//	<base>/states/<tunnel_id>.json
//
// The default base directory is ~/.loco.
type FileBackend struct {
	configDir string
	stateDir  string
}

// DefaultBaseDir returns the default storage location under the user's
// home directory.
func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loco"
	}
	return filepath.Join(home, ".loco")
}

// NewFileBackend creates a file backend rooted at baseDir, creating
// the directory layout if needed. An empty baseDir selects the
// default location.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		baseDir = DefaultBaseDir()
	}
	b := &FileBackend{
		configDir: filepath.Join(baseDir, "configs"),
		stateDir:  filepath.Join(baseDir, "states"),
	}
	for _, dir := range []string{b.configDir, b.stateDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, &core.StorageError{Op: "init", Err: err}
		}
	}
	return b, nil
}

func (b *FileBackend) SaveConfig(config *core.TunnelConfig) error {
	if err := writeJSON(filepath.Join(b.configDir, config.TunnelID+".json"), config); err != nil {
		return &core.StorageError{Op: "save config", Err: err}
	}
	return nil
}

func (b *FileBackend) LoadConfig(tunnelID string) (*core.TunnelConfig, error) {
	var config core.TunnelConfig
	found, err := readJSON(filepath.Join(b.configDir, tunnelID+".json"), &config)
	if err != nil {
		return nil, &core.StorageError{Op: "load config", Err: err}
	}
	if !found {
		return nil, nil
	}
	return &config, nil
}

func (b *FileBackend) ListConfigs() ([]*core.TunnelConfig, error) {
	entries, err := os.ReadDir(b.configDir)
	if err != nil {
		return nil, &core.StorageError{Op: "list configs", Err: err}
	}

	var configs []*core.TunnelConfig
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var config core.TunnelConfig
		found, err := readJSON(filepath.Join(b.configDir, entry.Name()), &config)
		if err != nil {
			return nil, &core.StorageError{Op: "list configs", Err: fmt.Errorf("%s: %w", entry.Name(), err)}
		}
		if found {
			configs = append(configs, &config)
		}
	}
	return configs, nil
}

func (b *FileBackend) SaveState(state *core.TunnelState) error {
	if err := writeJSON(filepath.Join(b.stateDir, state.Config.TunnelID+".json"), state); err != nil {
		return &core.StorageError{Op: "save state", Err: err}
	}
	return nil
}

func (b *FileBackend) LoadState(tunnelID string) (*core.TunnelState, error) {
	var state core.TunnelState
	found, err := readJSON(filepath.Join(b.stateDir, tunnelID+".json"), &state)
	if err != nil {
		return nil, &core.StorageError{Op: "load state", Err: err}
	}
	if !found {
		return nil, nil
	}
	return &state, nil
}

func (b *FileBackend) Delete(tunnelID string) error {
	for _, path := range []string{
		filepath.Join(b.configDir, tunnelID+".json"),
		filepath.Join(b.stateDir, tunnelID+".json"),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &core.StorageError{Op: "delete", Err: err}
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	// Write-then-rename so a crash mid-write never corrupts a record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
