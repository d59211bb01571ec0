package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Daniel-Brai/Loco/internal/core"
	"github.com/Daniel-Brai/Loco/internal/storage"
)

// Config is the application configuration: which storage backend to
// persist tunnels in and the default knobs applied to new tunnels.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type StorageConfig struct {
	Type string `yaml:"type"` // "file" or "sqlite"
	Path string `yaml:"path"` // base directory (file) or database file (sqlite)
}

type DefaultsConfig struct {
	LocalHost         string  `yaml:"local_host"`
	RemoteHost        string  `yaml:"remote_host"`
	ConnectionTimeout float64 `yaml:"connection_timeout"`
	MaxConnections    int     `yaml:"max_connections"`
	BufferSize        int     `yaml:"buffer_size"`
}

type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	c := &Config{}
	c.validate()
	return c
}

// Load reads and validates a YAML configuration file. A missing file
// is not an error; the defaults are returned instead.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	switch c.Storage.Type {
	case "file", "sqlite":
	default:
		return fmt.Errorf("storage.type must be \"file\" or \"sqlite\", got %q", c.Storage.Type)
	}
	if c.Defaults.LocalHost == "" {
		c.Defaults.LocalHost = "127.0.0.1"
	}
	if c.Defaults.RemoteHost == "" {
		c.Defaults.RemoteHost = "0.0.0.0"
	}
	if c.Defaults.ConnectionTimeout == 0 {
		c.Defaults.ConnectionTimeout = 30
	}
	if c.Defaults.MaxConnections == 0 {
		c.Defaults.MaxConnections = 100
	}
	if c.Defaults.BufferSize == 0 {
		c.Defaults.BufferSize = 8192
	}
	return nil
}

// NewBackend constructs the storage backend selected by the config.
func (c *Config) NewBackend() (storage.Backend, error) {
	switch c.Storage.Type {
	case "sqlite":
		path := c.Storage.Path
		if path == "" {
			path = "loco.db"
		}
		return storage.NewSQLiteBackend(path)
	default:
		return storage.NewFileBackend(c.Storage.Path)
	}
}

// ApplyDefaults fills unset tunnel configuration knobs from the
// application defaults.
func (c *Config) ApplyDefaults(tc *core.TunnelConfig) {
	if tc.LocalHost == "" {
		tc.LocalHost = c.Defaults.LocalHost
	}
	if tc.RemoteHost == "" {
		tc.RemoteHost = c.Defaults.RemoteHost
	}
	if tc.ConnectionTimeout == 0 {
		tc.ConnectionTimeout = c.Defaults.ConnectionTimeout
	}
	if tc.MaxConnections == 0 {
		tc.MaxConnections = c.Defaults.MaxConnections
	}
	if tc.BufferSize == 0 {
		tc.BufferSize = c.Defaults.BufferSize
	}
}
