// Loco - lightning-fast localhost tunneling.
//
// Loco exposes a local service (HTTP, HTTPS, TCP, or WebSocket)
// through a locally bound public listener, tracking per-tunnel
// lifecycle, connections, and byte transfer.
//
// Usage:
//
//	loco create -port 8000 -protocol http
//	loco list
//	loco start <tunnel-id>
//	loco stop <tunnel-id>
//	loco status [tunnel-id]
//	loco stats <tunnel-id>
//	loco remove <tunnel-id>
//	loco cleanup
//	loco stop-all
//
// Tunnel IDs may be abbreviated to a unique prefix, or matched by a
// case-insensitive name fragment.
//
// Configuration:
//
//	Storage backend and tunnel defaults are read from a YAML file
//	(default: ~/.loco/loco.yaml, override with -config).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/Daniel-Brai/Loco/internal/config"
	"github.com/Daniel-Brai/Loco/internal/core"
	"github.com/Daniel-Brai/Loco/internal/storage"
	"github.com/Daniel-Brai/Loco/internal/tunnel"
)

var version = "dev" // set during build

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "create":
		err = cmdCreate(args)
	case "list":
		err = cmdList(args)
	case "start":
		err = cmdStart(args)
	case "stop":
		err = cmdStop(args)
	case "stop-all":
		err = cmdStopAll(args)
	case "status":
		err = cmdStatus(args)
	case "stats":
		err = cmdStats(args)
	case "remove":
		err = cmdRemove(args)
	case "cleanup":
		err = cmdCleanup(args)
	case "version", "-version", "--version":
		fmt.Printf("loco %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Loco - lightning-fast localhost tunneling

Commands:
  create      Create a new tunnel
  list        List all tunnels
  start       Start a stopped tunnel (runs in the foreground)
  stop        Stop a tunnel
  stop-all    Stop all active tunnels
  status      Show tunnel status
  stats       Show tunnel statistics
  remove      Remove a tunnel
  cleanup     Remove all stopped and errored tunnels
  version     Show version

Use 'loco <command> -h' for command-specific flags.`)
}

func defaultConfigPath() string {
	return filepath.Join(storage.DefaultBaseDir(), "loco.yaml")
}

// newManager loads configuration, opens the storage backend, and
// reconciles persisted tunnels into memory.
func newManager(configPath string) (*tunnel.Manager, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	backend, err := cfg.NewBackend()
	if err != nil {
		return nil, nil, err
	}
	mgr := tunnel.NewManager(backend)
	if err := mgr.LoadFromStorage(); err != nil {
		return nil, nil, err
	}
	return mgr, cfg, nil
}

func cmdCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file")
	port := fs.Int("port", 0, "Local port to tunnel (required)")
	name := fs.String("name", "", "Tunnel name")
	protocol := fs.String("protocol", "http", "Protocol (http/https/tcp/websocket)")
	subdomain := fs.String("subdomain", "", "Custom subdomain (reserved)")
	remotePort := fs.Int("remote-port", 0, "Remote port (default: 8080 + tunnel count)")
	host := fs.String("host", "", "Local host")
	certPath := fs.String("cert", "", "TLS certificate path (https)")
	keyPath := fs.String("key", "", "TLS key path (https)")
	tags := fs.String("tags", "", "Comma-separated tags")
	start := fs.Bool("start", true, "Start tunnel immediately")
	fs.Parse(args)

	if *port == 0 {
		return fmt.Errorf("-port is required")
	}

	proto, err := core.ParseProtocol(strings.ToLower(*protocol))
	if err != nil {
		return err
	}

	mgr, cfg, err := newManager(*configPath)
	if err != nil {
		return err
	}

	if *remotePort == 0 {
		*remotePort = 8080 + len(mgr.List())
	}

	tc := &core.TunnelConfig{
		TunnelID:    uuid.New().String(),
		Name:        *name,
		LocalHost:   *host,
		LocalPort:   *port,
		RemotePort:  *remotePort,
		Protocol:    proto,
		Subdomain:   *subdomain,
		SSLCertPath: *certPath,
		SSLKeyPath:  *keyPath,
	}
	if *tags != "" {
		tc.Tags = strings.Split(*tags, ",")
	}
	cfg.ApplyDefaults(tc)

	id, err := mgr.Create(tc)
	if err != nil {
		return err
	}
	fmt.Printf("Created tunnel %s\n", shortID(id))

	if !*start {
		return nil
	}
	return runForeground(mgr, id)
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file")
	fs.Parse(args)

	mgr, _, err := newManager(*configPath)
	if err != nil {
		return err
	}

	states := mgr.List()
	if len(states) == 0 {
		fmt.Println("No tunnels found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tLOCAL\tPUBLIC URL\tPROTOCOL")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(s.Config.TunnelID),
			orDash(s.Config.Name),
			s.Status,
			s.Config.LocalAddr(),
			orDash(s.PublicURL),
			strings.ToUpper(string(s.Config.Protocol)),
		)
	}
	return w.Flush()
}

func cmdStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: loco start <tunnel-id>")
	}

	mgr, _, err := newManager(*configPath)
	if err != nil {
		return err
	}
	return runForeground(mgr, fs.Arg(0))
}

// runForeground starts a tunnel, prints its request log, and keeps it
// serving until SIGINT/SIGTERM, then stops it and persists the final
// state.
func runForeground(mgr *tunnel.Manager, id string) error {
	t, err := mgr.Resolve(id)
	if err != nil {
		return err
	}
	t.AddLogListener(func(entry core.RequestLog) {
		fmt.Printf("%s  %s %s -> %d (%.1fms) from %s\n",
			entry.Timestamp.Format("15:04:05"), entry.Method, entry.Path,
			entry.Status, entry.DurationMs, entry.RemoteIP)
	})

	if err := mgr.Start(id); err != nil {
		return err
	}

	state := t.State()
	fmt.Printf("Tunnel %s started\n", shortID(state.Config.TunnelID))
	fmt.Printf("  Local:      %s\n", state.Config.LocalAddr())
	fmt.Printf("  Public URL: %s\n", state.PublicURL)
	fmt.Println("\nPress Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	return mgr.Stop(state.Config.TunnelID)
}

func cmdStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: loco stop <tunnel-id>")
	}

	mgr, _, err := newManager(*configPath)
	if err != nil {
		return err
	}
	if err := mgr.Stop(fs.Arg(0)); err != nil {
		return err
	}
	fmt.Println("Tunnel stopped")
	return nil
}

func cmdStopAll(args []string) error {
	fs := flag.NewFlagSet("stop-all", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file")
	fs.Parse(args)

	mgr, _, err := newManager(*configPath)
	if err != nil {
		return err
	}
	mgr.StopAll()
	fmt.Println("All active tunnels stopped")
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file")
	fs.Parse(args)

	mgr, _, err := newManager(*configPath)
	if err != nil {
		return err
	}

	if fs.NArg() > 0 {
		status, err := mgr.Status(fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	}

	for _, s := range mgr.List() {
		fmt.Printf("%s  %s\n", shortID(s.Config.TunnelID), s.Status)
	}
	return nil
}

func cmdStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: loco stats <tunnel-id>")
	}

	mgr, _, err := newManager(*configPath)
	if err != nil {
		return err
	}
	stats, err := mgr.Stats(fs.Arg(0))
	if err != nil {
		return err
	}

	for _, key := range []string{
		"tunnel_id", "status", "public_url", "local_service", "uptime_seconds",
		"active_connections", "total_connections", "bytes_transferred",
		"created_at", "started_at", "last_activity", "error_message",
	} {
		if value, ok := stats[key]; ok && value != "" {
			fmt.Printf("%-20s %v\n", key, value)
		}
	}
	return nil
}

func cmdRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: loco remove <tunnel-id>")
	}

	mgr, _, err := newManager(*configPath)
	if err != nil {
		return err
	}
	if err := mgr.Remove(fs.Arg(0)); err != nil {
		return err
	}
	fmt.Println("Tunnel removed")
	return nil
}

func cmdCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file")
	fs.Parse(args)

	mgr, _, err := newManager(*configPath)
	if err != nil {
		return err
	}
	removed, err := mgr.CleanupStopped()
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d tunnel(s)\n", removed)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
