package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/souffleur/host/internal/config"
	"github.com/souffleur/host/internal/dispatch"
	"github.com/souffleur/host/internal/ipc"
	"github.com/souffleur/host/internal/keys"
	"github.com/souffleur/host/internal/mdns"
	"github.com/souffleur/host/internal/netinfo"
	"github.com/souffleur/host/internal/pairing"
	"github.com/souffleur/host/internal/server"
	"github.com/souffleur/host/internal/state"
	"github.com/souffleur/host/internal/storage"
)

// StartConfig holds the configuration for the start command after flags
// and the config file are merged.
type StartConfig struct {
	Config        string
	Port          int
	BindHost      string
	Name          string
	Database      string
	ControlSocket string
	LogFile       string
	MdnsEnabled   bool
	NoListen      bool
	Verbose       bool
}

// Function-variable seams for testability.
var (
	// shutdownSignals returns the channel the daemon waits on and a
	// function releasing it.
	shutdownSignals = notifyShutdown

	// discoverIdentity finds the local device name and address.
	discoverIdentity = netinfo.Discover
)

// notifyShutdown subscribes to the signals that end a foreground command.
func notifyShutdown() (<-chan os.Signal, func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	return sigCh, func() { signal.Stop(sigCh) }
}

// loadStartConfig parses args, creates the default config file on first
// run and merges the file with the flags. Explicit flags win. It returns
// flag.ErrHelp for --help.
func loadStartConfig(args []string, stdout, stderr io.Writer) (*StartConfig, *config.Config, error) {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &StartConfig{}
	fs.StringVar(&cfg.Config, "config", "", "Path to config file (default: ~/.souffleur/config.toml)")
	fs.IntVar(&cfg.Port, "port", 0, "Command port (default: last used port, then 8087)")
	fs.StringVar(&cfg.BindHost, "bind", "", "Interface address to listen on (default: 0.0.0.0)")
	fs.StringVar(&cfg.Name, "name", "", "Host name advertised over mDNS (default: hostname)")
	fs.StringVar(&cfg.Database, "db", "", "Path to settings database (default: ~/.souffleur/souffleur.db)")
	fs.StringVar(&cfg.ControlSocket, "socket", "", "Path to control socket (default: ~/.souffleur/control.sock)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Write logs to this file instead of stderr")
	fs.BoolVar(&cfg.MdnsEnabled, "mdns", false, "Advertise the command port over mDNS (LAN-visible)")
	fs.BoolVar(&cfg.NoListen, "no-listen", false, "Start with the command server stopped")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "Log every received command")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: souffleur start [options]

Run the host in the foreground. The command server listens for the paired
phone, the control socket serves 'souffleur status', 'pair' and 'watch',
and configured key actions run for each navigation command.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	// Track which flags were explicitly set on the command line.
	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	if cfg.Config == "" {
		configPath, err := config.DefaultConfigPath()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to determine config path: %w", err)
		}
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.WriteDefault(configPath, config.DefaultPort); err != nil {
				return nil, nil, fmt.Errorf("failed to create config file: %w", err)
			}
			fmt.Fprintf(stdout, "Created config: %s\n", configPath)
		}
	}

	fileCfg, err := config.Load(cfg.Config)
	if err != nil {
		return nil, nil, err
	}

	// Apply file values only where the flag was left empty.
	if !explicitFlags["port"] {
		cfg.Port = fileCfg.Port
	}
	if cfg.BindHost == "" {
		cfg.BindHost = fileCfg.BindHost
	}
	if cfg.Name == "" {
		cfg.Name = fileCfg.Name
	}
	if cfg.Database == "" {
		cfg.Database = fileCfg.Database
	}
	if cfg.ControlSocket == "" {
		cfg.ControlSocket = fileCfg.ControlSocket
	}
	if cfg.LogFile == "" {
		cfg.LogFile = fileCfg.LogFile
	}
	if !explicitFlags["mdns"] {
		cfg.MdnsEnabled = fileCfg.MdnsEnabled
	}

	// Validate the merged view so a bad flag is reported like a bad file value.
	merged := *fileCfg
	merged.Port = cfg.Port
	merged.BindHost = cfg.BindHost
	if err := merged.Validate(); err != nil {
		return nil, nil, err
	}

	if cfg.BindHost == "" {
		cfg.BindHost = config.DefaultBindHost
	}
	if cfg.Database == "" {
		if cfg.Database, err = resolveDatabasePath("", nil); err != nil {
			return nil, nil, err
		}
	}
	if cfg.ControlSocket == "" {
		if cfg.ControlSocket, err = resolveSocketPath("", nil); err != nil {
			return nil, nil, err
		}
	}

	return cfg, fileCfg, nil
}

// resolvePort picks the command port: explicit or configured, then the
// port stored by the last run, then the default.
func resolvePort(configured int, db *storage.SQLiteStore) (int, error) {
	if configured > 0 {
		return configured, nil
	}
	stored, err := db.Port()
	if err != nil {
		return 0, err
	}
	if stored > 0 {
		return stored, nil
	}
	return config.DefaultPort, nil
}

// historyRecorder stores finished connections in the session history.
type historyRecorder struct {
	db *storage.SQLiteStore
}

// RecordSession implements server.SessionRecorder.
func (h historyRecorder) RecordSession(rec server.SessionRecord) error {
	return h.db.SaveHistoryEntry(&storage.HistoryEntry{
		ID:         rec.ID,
		RemoteAddr: rec.RemoteAddr,
		Outcome:    string(rec.Outcome),
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
		Commands:   rec.Commands,
		ErrorCode:  rec.ErrorCode,
	})
}

func runStart(args []string, stdout, stderr io.Writer) int {
	cfg, fileCfg, err := loadStartConfig(args, stdout, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logOut := stderr
	var logFile *os.File
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			fmt.Fprintf(stderr, "Error: failed to create log directory: %v\n", err)
			return 1
		}
		logFile, err = os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to open log file: %v\n", err)
			return 1
		}
		defer logFile.Close()
		logOut = logFile
	}
	logger := log.New(logOut, "", log.LstdFlags)

	// The storage package logs through the standard logger.
	prevLogOut := log.Writer()
	log.SetOutput(logOut)
	defer log.SetOutput(prevLogOut)

	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0700); err != nil {
		fmt.Fprintf(stderr, "Error: failed to create database directory: %v\n", err)
		return 1
	}
	db, err := storage.NewSQLiteStore(cfg.Database)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer db.Close()

	secret, created, err := db.LoadOrCreateSecret(pairing.NewSecret)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to load secret: %v\n", err)
		return 1
	}
	if created {
		logger.Printf("start: generated a new pairing secret")
	}

	port, err := resolvePort(cfg.Port, db)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	identity, err := discoverIdentity()
	if err != nil {
		fmt.Fprintf(stderr, "Warning: %v; the pairing payload will use the loopback address\n", err)
		identity = netinfo.Identity{Device: "loopback", Address: "127.0.0.1"}
	}

	store := state.New(pairing.Build)
	store.SetIdentity(identity.Device, identity.Address)
	store.SetSecret(secret)
	store.SetPort(port)

	dispatcher := dispatch.New(store, logger, cfg.Verbose)
	controller := server.NewController(store, dispatcher, server.Options{
		BindHost:          cfg.BindHost,
		HandshakeTimeout:  fileCfg.HandshakeTimeout(),
		IdleTimeout:       fileCfg.IdleTimeout(),
		CommandsPerSecond: fileCfg.CommandsPerSecond,
		Recorder:          historyRecorder{db: db},
		Logger:            logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := keys.NewRunner(fileCfg.KeyBindings(), keys.Options{
		Timeout: fileCfg.KeyTimeout(),
		Logger:  logger,
	})
	if !runner.Empty() {
		go runner.Run(ctx, store.Subscribe(state.PropertyLastCommand))
	}

	var mdnsDone chan struct{}
	if cfg.MdnsEnabled {
		advertiser := mdns.NewAdvertiser(mdns.Config{Name: cfg.Name, Logger: logger})
		mdnsDone = make(chan struct{})
		go func() {
			defer close(mdnsDone)
			advertiser.Follow(store.Subscribe(state.PropertyRunning, state.PropertyPort))
		}()
	}

	handler := ipc.NewControlHandler(store, controller, ipc.HandlerOptions{
		OnStarted: func(port int) {
			if err := db.SetPort(port); err != nil {
				logger.Printf("start: failed to persist port %d: %v", port, err)
			}
		},
		Logger: logger,
	})
	socketServer := ipc.NewSocketServer(cfg.ControlSocket, handler, logger)
	socketReady := true
	if err := socketServer.Start(); err != nil {
		socketReady = false
		fmt.Fprintf(stderr, "Warning: control socket unavailable: %v\n", err)
	}

	listening := false
	if !cfg.NoListen {
		if err := controller.Start(port); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			if !socketReady {
				handler.Close()
				store.Close()
				return 1
			}
			fmt.Fprintln(stderr, "The host keeps running; use 'souffleur server start --port <port>' to retry.")
		} else {
			listening = true
			if err := db.SetPort(port); err != nil {
				logger.Printf("start: failed to persist port %d: %v", port, err)
			}
		}
	}

	writeStartBanner(stdout, store.Snapshot(), cfg, socketReady, listening, len(fileCfg.KeyBindings()))

	sigCh, release := shutdownSignals()
	defer release()
	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)

	// Cleanup in reverse order of creation
	handler.Close()
	if socketReady {
		if err := socketServer.Stop(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to stop control socket: %v\n", err)
		}
	}
	controller.Stop()
	cancel()
	store.Close()
	if mdnsDone != nil {
		<-mdnsDone
	}

	stats := runner.Stats()
	if stats.Ran > 0 {
		fmt.Fprintf(stdout, "Ran %d key actions (%d failed).\n", stats.Ran, stats.Failed)
	}
	return 0
}

// writeStartBanner prints the connection summary.
func writeStartBanner(w io.Writer, st state.ServerState, cfg *StartConfig, socketReady, listening bool, keyBindings int) {
	status := "stopped"
	if listening {
		status = "listening"
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "  Souffleur Host")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintf(w, "  Device:   %s (%s)\n", st.Device, st.Address)
	fmt.Fprintf(w, "  Port:     %d on %s (%s)\n", st.Port, cfg.BindHost, status)
	if socketReady {
		fmt.Fprintf(w, "  Control:  %s\n", cfg.ControlSocket)
	} else {
		fmt.Fprintf(w, "  Control:  disabled (socket unavailable)\n")
	}
	if cfg.MdnsEnabled {
		fmt.Fprintf(w, "  mDNS:     %s\n", mdns.ServiceType)
	}
	if keyBindings > 0 {
		fmt.Fprintf(w, "  Keys:     %d commands bound\n", keyBindings)
	}
	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintln(w, "  Pairing payload:")
	fmt.Fprintf(w, "  %s\n", st.PairingPayload)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "Press Ctrl+C to stop.")
}
