package main

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/souffleur/host/internal/config"
	"github.com/souffleur/host/internal/ipc"
)

// requestTimeout bounds one control socket request from the CLI.
const requestTimeout = 5 * time.Second

// clientPaths holds the --config/--socket/--db flags shared by the client
// subcommands.
type clientPaths struct {
	Config   string
	Socket   string
	Database string
}

// resolveSocketPath picks the control socket: explicit flag, then the
// config file, then ~/.souffleur/control.sock.
func resolveSocketPath(explicit string, cfg *config.Config) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if cfg != nil && cfg.ControlSocket != "" {
		return cfg.ControlSocket, nil
	}
	path, err := config.DefaultControlSocketPath()
	if err != nil {
		return "", fmt.Errorf("failed to determine control socket path: %w", err)
	}
	return path, nil
}

// resolveDatabasePath picks the settings database the same way.
func resolveDatabasePath(explicit string, cfg *config.Config) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if cfg != nil && cfg.Database != "" {
		return cfg.Database, nil
	}
	path, err := config.DefaultDatabasePath()
	if err != nil {
		return "", fmt.Errorf("failed to determine database path: %w", err)
	}
	return path, nil
}

// controlClient loads the config file and returns a client for the
// resolved control socket.
func controlClient(paths clientPaths) (*ipc.Client, string, error) {
	fileCfg, err := config.Load(paths.Config)
	if err != nil {
		return nil, "", err
	}
	socketPath, err := resolveSocketPath(paths.Socket, fileCfg)
	if err != nil {
		return nil, "", err
	}
	return ipc.NewClient(socketPath), socketPath, nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// hostUnavailable reports whether err means no host is serving the control
// socket (missing file or stale socket).
func hostUnavailable(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}

// describeClientError turns a control socket failure into a CLI message.
func describeClientError(err error, socketPath string) string {
	if hostUnavailable(err) {
		return fmt.Sprintf("host is not running (no control socket at %s); run 'souffleur start' first", socketPath)
	}
	return err.Error()
}

// formatDuration formats an age in a human-readable way.
// Examples: "just now", "5m ago", "2h ago", "3d ago"
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
