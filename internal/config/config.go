// Package config provides TOML configuration file loading for the host.
// The configuration file lives at ~/.souffleur/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	apperrors "github.com/souffleur/host/internal/errors"
	"github.com/souffleur/host/internal/protocol"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags. Zero values mean "use the default".
type Config struct {
	// Port is the TCP port the command server listens on.
	// Default: 8087 (or the port stored by the last run)
	Port int `toml:"port"`

	// BindHost is the interface address to listen on.
	// Default: 0.0.0.0
	BindHost string `toml:"bind_host"`

	// Name is the human-readable host name advertised over mDNS.
	// Default: the machine hostname
	Name string `toml:"name"`

	// HandshakeTimeoutMs bounds the wait for the secret line.
	// Default: 5000
	HandshakeTimeoutMs int `toml:"handshake_timeout_ms"`

	// IdleTimeoutMs closes a session that sends nothing for this long.
	// Default: 0 (disabled)
	IdleTimeoutMs int `toml:"idle_timeout_ms"`

	// CommandsPerSecond paces commands within one session.
	// Default: 20. Negative disables pacing.
	CommandsPerSecond float64 `toml:"commands_per_second"`

	// Database is the path to the SQLite settings and history store.
	// Default: ~/.souffleur/souffleur.db
	Database string `toml:"database"`

	// ControlSocket is the Unix socket the CLI uses to reach a running host.
	// Default: ~/.souffleur/control.sock
	ControlSocket string `toml:"control_socket"`

	// MdnsEnabled advertises the command port on the local network.
	// Discovery only reveals presence; the secret is still required.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// LogFile redirects log output to a file.
	// Default: stderr
	LogFile string `toml:"log_file"`

	// Keys maps a navigation command (HOME, PREVIOUS, NEXT, END) to the
	// program and arguments run when it arrives, e.g.
	//
	//	[keys]
	//	NEXT = ["xdotool", "key", "Right"]
	Keys map[string][]string `toml:"keys"`

	// KeyTimeoutMs bounds each key action.
	// Default: 2000
	KeyTimeoutMs int `toml:"key_timeout_ms"`
}

// HandshakeTimeout returns the handshake timeout, or 0 for the default.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// IdleTimeout returns the idle timeout, or 0 when disabled.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// KeyTimeout returns the key action timeout, falling back to DefaultKeyTimeout.
func (c *Config) KeyTimeout() time.Duration {
	if c.KeyTimeoutMs <= 0 {
		return DefaultKeyTimeout
	}
	return time.Duration(c.KeyTimeoutMs) * time.Millisecond
}

// KeyBindings returns the [keys] table keyed by command. Call Validate first;
// entries that do not name a navigation command are skipped.
func (c *Config) KeyBindings() map[protocol.Command][]string {
	bindings := make(map[protocol.Command][]string, len(c.Keys))
	for name, argv := range c.Keys {
		cmd, err := protocol.ParseCommand(name)
		if err != nil || !cmd.IsNavigation() || len(argv) == 0 {
			continue
		}
		bindings[cmd] = append([]string(nil), argv...)
	}
	return bindings
}

// Validate checks value ranges. It returns a config.invalid error naming
// the first offending key.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return apperrors.ConfigInvalid(fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port))
	}
	if c.BindHost != "" && net.ParseIP(c.BindHost) == nil && c.BindHost != "localhost" {
		return apperrors.ConfigInvalid(fmt.Sprintf("bind_host must be an IP address, got %q", c.BindHost))
	}
	if c.HandshakeTimeoutMs < 0 {
		return apperrors.ConfigInvalid(fmt.Sprintf("handshake_timeout_ms must be positive, got %d", c.HandshakeTimeoutMs))
	}
	if c.IdleTimeoutMs < 0 {
		return apperrors.ConfigInvalid(fmt.Sprintf("idle_timeout_ms must not be negative, got %d", c.IdleTimeoutMs))
	}
	if c.KeyTimeoutMs < 0 {
		return apperrors.ConfigInvalid(fmt.Sprintf("key_timeout_ms must not be negative, got %d", c.KeyTimeoutMs))
	}

	// Sorted so the reported key is stable.
	names := make([]string, 0, len(c.Keys))
	for name := range c.Keys {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd, err := protocol.ParseCommand(name)
		if err != nil || !cmd.IsNavigation() {
			return apperrors.ConfigInvalid(fmt.Sprintf("keys.%s: not a navigation command (want HOME, PREVIOUS, NEXT or END)", name))
		}
		if len(c.Keys[name]) == 0 || c.Keys[name][0] == "" {
			return apperrors.ConfigInvalid(fmt.Sprintf("keys.%s: program must not be empty", name))
		}
	}
	return nil
}

// Dir returns the per-user state directory: ~/.souffleur.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".souffleur"), nil
}

// DefaultConfigPath returns the default config file location: ~/.souffleur/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultDatabasePath returns ~/.souffleur/souffleur.db.
func DefaultDatabasePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "souffleur.db"), nil
}

// DefaultControlSocketPath returns ~/.souffleur/control.sock.
func DefaultControlSocketPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "control.sock"), nil
}

// WriteDefault creates a commented config file at path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string, port int) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# Souffleur host configuration
# Created by 'souffleur start'

# Command port the presenter app connects to
port = %d

# Listen on all interfaces so phones on the LAN can reach the host
bind_host = %q

# Advertise the host over mDNS (the secret is still required)
mdns_enabled = false

# Programs run per navigation command, e.g.
# [keys]
# NEXT = ["xdotool", "key", "Right"]
# PREVIOUS = ["xdotool", "key", "Left"]
`, port, DefaultBindHost)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.souffleur/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}
