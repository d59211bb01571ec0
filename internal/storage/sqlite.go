package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Daniel-Brai/Loco/internal/core"
)

// SQLiteBackend persists tunnel records in a SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath, verifies
// connectivity, and runs migrations.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, &core.StorageError{Op: "open", Err: err}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &core.StorageError{Op: "open", Err: err}
	}

	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, &core.StorageError{Op: "migrate", Err: err}
	}

	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tunnel_configs (
		tunnel_id TEXT PRIMARY KEY,
		name TEXT,
		local_host TEXT NOT NULL,
		local_port INTEGER NOT NULL,
		remote_host TEXT NOT NULL,
		remote_port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		subdomain TEXT,
		ssl_cert_path TEXT,
		ssl_key_path TEXT,
		connection_timeout REAL NOT NULL,
		max_connections INTEGER NOT NULL,
		buffer_size INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		tags TEXT
	);

	CREATE TABLE IF NOT EXISTS tunnel_states (
		tunnel_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		stopped_at TIMESTAMP,
		last_activity TIMESTAMP,
		public_url TEXT,
		error_message TEXT,
		active_connections INTEGER NOT NULL DEFAULT 0,
		total_connections INTEGER NOT NULL DEFAULT 0,
		bytes_transferred INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (tunnel_id) REFERENCES tunnel_configs(tunnel_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tunnel_states_status ON tunnel_states(status);
	`

	_, err := b.db.Exec(schema)
	return err
}

func (b *SQLiteBackend) SaveConfig(config *core.TunnelConfig) error {
	_, err := b.db.Exec(`
		INSERT INTO tunnel_configs (
			tunnel_id, name, local_host, local_port, remote_host, remote_port,
			protocol, subdomain, ssl_cert_path, ssl_key_path,
			connection_timeout, max_connections, buffer_size, created_at, tags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tunnel_id) DO UPDATE SET
			name = excluded.name,
			local_host = excluded.local_host,
			local_port = excluded.local_port,
			remote_host = excluded.remote_host,
			remote_port = excluded.remote_port,
			protocol = excluded.protocol,
			subdomain = excluded.subdomain,
			ssl_cert_path = excluded.ssl_cert_path,
			ssl_key_path = excluded.ssl_key_path,
			connection_timeout = excluded.connection_timeout,
			max_connections = excluded.max_connections,
			buffer_size = excluded.buffer_size,
			created_at = excluded.created_at,
			tags = excluded.tags
	`, config.TunnelID, config.Name, config.LocalHost, config.LocalPort,
		config.RemoteHost, config.RemotePort, string(config.Protocol),
		config.Subdomain, config.SSLCertPath, config.SSLKeyPath,
		config.ConnectionTimeout, config.MaxConnections, config.BufferSize,
		config.CreatedAt, strings.Join(config.Tags, ","))
	if err != nil {
		return &core.StorageError{Op: "save config", Err: err}
	}
	return nil
}

func (b *SQLiteBackend) LoadConfig(tunnelID string) (*core.TunnelConfig, error) {
	row := b.db.QueryRow(`
		SELECT tunnel_id, name, local_host, local_port, remote_host, remote_port,
			protocol, subdomain, ssl_cert_path, ssl_key_path,
			connection_timeout, max_connections, buffer_size, created_at, tags
		FROM tunnel_configs WHERE tunnel_id = ?
	`, tunnelID)

	config, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &core.StorageError{Op: "load config", Err: err}
	}
	return config, nil
}

func (b *SQLiteBackend) ListConfigs() ([]*core.TunnelConfig, error) {
	rows, err := b.db.Query(`
		SELECT tunnel_id, name, local_host, local_port, remote_host, remote_port,
			protocol, subdomain, ssl_cert_path, ssl_key_path,
			connection_timeout, max_connections, buffer_size, created_at, tags
		FROM tunnel_configs
	`)
	if err != nil {
		return nil, &core.StorageError{Op: "list configs", Err: err}
	}
	defer rows.Close()

	var configs []*core.TunnelConfig
	for rows.Next() {
		config, err := scanConfig(rows)
		if err != nil {
			return nil, &core.StorageError{Op: "list configs", Err: err}
		}
		configs = append(configs, config)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.StorageError{Op: "list configs", Err: err}
	}
	return configs, nil
}

func (b *SQLiteBackend) SaveState(state *core.TunnelState) error {
	_, err := b.db.Exec(`
		INSERT INTO tunnel_states (
			tunnel_id, status, created_at, started_at, stopped_at, last_activity,
			public_url, error_message, active_connections, total_connections, bytes_transferred
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tunnel_id) DO UPDATE SET
			status = excluded.status,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at,
			last_activity = excluded.last_activity,
			public_url = excluded.public_url,
			error_message = excluded.error_message,
			active_connections = excluded.active_connections,
			total_connections = excluded.total_connections,
			bytes_transferred = excluded.bytes_transferred
	`, state.Config.TunnelID, string(state.Status), state.CreatedAt,
		nullableTime(state.StartedAt), nullableTime(state.StoppedAt), nullableTime(state.LastActivity),
		state.PublicURL, state.ErrorMessage,
		state.ActiveConnections, state.TotalConnections, state.BytesTransferred)
	if err != nil {
		return &core.StorageError{Op: "save state", Err: err}
	}
	return nil
}

func (b *SQLiteBackend) LoadState(tunnelID string) (*core.TunnelState, error) {
	// The state record nests its config; join it back in from the
	// configs table.
	config, err := b.LoadConfig(tunnelID)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return nil, nil
	}

	var (
		state                            core.TunnelState
		status                           string
		startedAt, stoppedAt, lastActive sql.NullTime
		publicURL, errorMessage          sql.NullString
	)
	err = b.db.QueryRow(`
		SELECT status, created_at, started_at, stopped_at, last_activity,
			public_url, error_message, active_connections, total_connections, bytes_transferred
		FROM tunnel_states WHERE tunnel_id = ?
	`, tunnelID).Scan(
		&status, &state.CreatedAt, &startedAt, &stoppedAt, &lastActive,
		&publicURL, &errorMessage,
		&state.ActiveConnections, &state.TotalConnections, &state.BytesTransferred,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &core.StorageError{Op: "load state", Err: err}
	}

	state.Config = *config
	state.Status = core.TunnelStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		state.StartedAt = &t
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time
		state.StoppedAt = &t
	}
	if lastActive.Valid {
		t := lastActive.Time
		state.LastActivity = &t
	}
	if publicURL.Valid {
		state.PublicURL = publicURL.String
	}
	if errorMessage.Valid {
		state.ErrorMessage = errorMessage.String
	}
	return &state, nil
}

func (b *SQLiteBackend) Delete(tunnelID string) error {
	for _, stmt := range []string{
		`DELETE FROM tunnel_states WHERE tunnel_id = ?`,
		`DELETE FROM tunnel_configs WHERE tunnel_id = ?`,
	} {
		if _, err := b.db.Exec(stmt, tunnelID); err != nil {
			return &core.StorageError{Op: "delete", Err: err}
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*core.TunnelConfig, error) {
	var (
		config                                   core.TunnelConfig
		name, subdomain, certPath, keyPath, tags sql.NullString
		protocol                                 string
	)
	err := row.Scan(
		&config.TunnelID, &name, &config.LocalHost, &config.LocalPort,
		&config.RemoteHost, &config.RemotePort, &protocol, &subdomain,
		&certPath, &keyPath, &config.ConnectionTimeout,
		&config.MaxConnections, &config.BufferSize, &config.CreatedAt, &tags,
	)
	if err != nil {
		return nil, err
	}
	config.Protocol = core.TunnelProtocol(protocol)
	if name.Valid {
		config.Name = name.String
	}
	if subdomain.Valid {
		config.Subdomain = subdomain.String
	}
	if certPath.Valid {
		config.SSLCertPath = certPath.String
	}
	if keyPath.Valid {
		config.SSLKeyPath = keyPath.String
	}
	if tags.Valid && tags.String != "" {
		config.Tags = strings.Split(tags.String, ",")
	}
	return &config, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
