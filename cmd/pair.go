package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/souffleur/host/internal/config"
	"github.com/souffleur/host/internal/ipc"
	"github.com/souffleur/host/internal/netinfo"
	"github.com/souffleur/host/internal/pairing"
	"github.com/souffleur/host/internal/storage"
)

// PairConfig holds configuration for the pair command.
type PairConfig struct {
	clientPaths
	JSON bool
}

func runPair(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &PairConfig{}
	registerClientFlags(fs, &cfg.clientPaths)
	fs.StringVar(&cfg.Database, "db", "", "Path to settings database, used when the host is not running")
	fs.BoolVar(&cfg.JSON, "json", false, "Emit machine-readable JSON to stdout")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: souffleur pair [options]\n\nPrint the pairing payload for the mobile app.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nThe payload carries the shared secret. Anyone holding it can send commands.\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	resp, source, err := requestPairing(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	DisplayPairing(stdout, resp, source)
	return 0
}

// requestPairing asks the running host for its payload. When no host is
// running it builds the payload the next start would advertise from the
// settings database and the network.
func requestPairing(cfg *PairConfig) (ipc.PairingResponse, string, error) {
	fileCfg, err := config.Load(cfg.Config)
	if err != nil {
		return ipc.PairingResponse{}, "", err
	}
	socketPath, err := resolveSocketPath(cfg.Socket, fileCfg)
	if err != nil {
		return ipc.PairingResponse{}, "", err
	}

	ctx, cancel := requestContext()
	defer cancel()

	resp, err := ipc.NewClient(socketPath).Pairing(ctx)
	if err == nil {
		return resp, "running host", nil
	}
	if !hostUnavailable(err) {
		return ipc.PairingResponse{}, "", err
	}

	resp, err = offlinePairing(cfg.Database, fileCfg)
	if err != nil {
		return ipc.PairingResponse{}, "", err
	}
	return resp, "settings (host not running)", nil
}

func offlinePairing(dbFlag string, fileCfg *config.Config) (ipc.PairingResponse, error) {
	dbPath, err := resolveDatabasePath(dbFlag, fileCfg)
	if err != nil {
		return ipc.PairingResponse{}, err
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return ipc.PairingResponse{}, fmt.Errorf("no pairing secret yet; run 'souffleur start' once to create one")
	}

	db, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		return ipc.PairingResponse{}, fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	secret, err := db.GetSetting(storage.SettingSecret)
	if errors.Is(err, storage.ErrSettingNotFound) {
		return ipc.PairingResponse{}, fmt.Errorf("no pairing secret yet; run 'souffleur start' once to create one")
	}
	if err != nil {
		return ipc.PairingResponse{}, err
	}

	port := fileCfg.Port
	if port == 0 {
		if port, err = resolvePort(0, db); err != nil {
			return ipc.PairingResponse{}, err
		}
	}

	identity, err := discoverIdentity()
	if err != nil {
		identity = netinfo.Identity{Device: "loopback", Address: "127.0.0.1"}
	}

	info := pairing.Info{Address: identity.Address, Port: port, Secret: secret}
	return ipc.PairingResponse{
		Info:    info,
		Device:  identity.Device,
		Payload: info.String(),
	}, nil
}

// DisplayPairing shows the pairing payload to the user.
func DisplayPairing(w io.Writer, resp ipc.PairingResponse, source string) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         PAIRING")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "  %s\n", resp.Payload)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "  Device:  %s\n", resp.Device)
	fmt.Fprintf(w, "  Address: %s\n", resp.Address)
	fmt.Fprintf(w, "  Port:    %d\n", resp.Port)
	fmt.Fprintf(w, "  Source:  %s\n", source)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  Enter or scan this payload in the mobile app.")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}
