package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/souffleur/host/internal/errors"
	"github.com/souffleur/host/internal/protocol"
)

// TestLoad_AllFields verifies that all config fields are parsed correctly from TOML.
func TestLoad_AllFields(t *testing.T) {
	content := `
port = 9000
bind_host = "192.168.1.10"
name = "lectern"
handshake_timeout_ms = 3000
idle_timeout_ms = 60000
commands_per_second = 12.5
database = "/path/to/souffleur.db"
control_socket = "/tmp/souffleur.sock"
mdns_enabled = true
log_file = "/var/log/souffleur.log"
key_timeout_ms = 500

[keys]
NEXT = ["xdotool", "key", "Right"]
PREVIOUS = ["xdotool", "key", "Left"]
`
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(tmpFile, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.BindHost != "192.168.1.10" {
		t.Errorf("BindHost = %q", cfg.BindHost)
	}
	if cfg.Name != "lectern" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.HandshakeTimeout() != 3*time.Second {
		t.Errorf("HandshakeTimeout() = %v, want 3s", cfg.HandshakeTimeout())
	}
	if cfg.IdleTimeout() != time.Minute {
		t.Errorf("IdleTimeout() = %v, want 1m", cfg.IdleTimeout())
	}
	if cfg.CommandsPerSecond != 12.5 {
		t.Errorf("CommandsPerSecond = %v, want 12.5", cfg.CommandsPerSecond)
	}
	if cfg.Database != "/path/to/souffleur.db" {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.ControlSocket != "/tmp/souffleur.sock" {
		t.Errorf("ControlSocket = %q", cfg.ControlSocket)
	}
	if !cfg.MdnsEnabled {
		t.Error("MdnsEnabled = false, want true")
	}
	if cfg.LogFile != "/var/log/souffleur.log" {
		t.Errorf("LogFile = %q", cfg.LogFile)
	}
	if cfg.KeyTimeout() != 500*time.Millisecond {
		t.Errorf("KeyTimeout() = %v, want 500ms", cfg.KeyTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}

	bindings := cfg.KeyBindings()
	if len(bindings) != 2 {
		t.Fatalf("KeyBindings() has %d entries, want 2", len(bindings))
	}
	if got := strings.Join(bindings[protocol.CommandNext], " "); got != "xdotool key Right" {
		t.Errorf("NEXT binding = %q", got)
	}
}

// TestLoad_PartialConfig verifies that unset fields stay at their zero values.
func TestLoad_PartialConfig(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(tmpFile, []byte("port = 8100\n"), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 8100 {
		t.Errorf("Port = %d, want 8100", cfg.Port)
	}
	if cfg.BindHost != "" || cfg.MdnsEnabled || cfg.IdleTimeout() != 0 {
		t.Errorf("unset fields not zero: %+v", cfg)
	}
	if cfg.KeyTimeout() != DefaultKeyTimeout {
		t.Errorf("KeyTimeout() = %v, want default", cfg.KeyTimeout())
	}
}

func TestLoad_ExplicitPath_NotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

// TestLoad_EmptyPath_NoDefaultFile verifies that an empty path returns
// an empty Config without error when no default file exists.
func TestLoad_EmptyPath_NoDefaultFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Port != 0 {
		t.Errorf("Port = %d, want 0", cfg.Port)
	}
}

// TestLoad_EmptyPath_DefaultFileExists verifies that an empty path loads
// from the default location when the file exists.
func TestLoad_EmptyPath_DefaultFileExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".souffleur")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(`port = 7777`), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Port != 7777 {
		t.Errorf("Port = %d, want 7777", cfg.Port)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(tmpFile, []byte("bind_host = \"missing quote\n"), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	if _, err := Load(tmpFile); err == nil {
		t.Error("Load() expected error for invalid TOML, got nil")
	}
}

func TestDefaultPaths(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (string, error)
		file string
	}{
		{"config", DefaultConfigPath, "config.toml"},
		{"database", DefaultDatabasePath, "souffleur.db"},
		{"control_socket", DefaultControlSocketPath, "control.sock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := tt.fn()
			if err != nil {
				t.Fatalf("error: %v", err)
			}
			if filepath.Base(path) != tt.file {
				t.Errorf("path = %q, want filename %s", path, tt.file)
			}
			if filepath.Base(filepath.Dir(path)) != ".souffleur" {
				t.Errorf("path = %q, want parent dir .souffleur", path)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := WriteDefault(path, 8087); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written default error: %v", err)
	}
	if cfg.Port != 8087 || cfg.BindHost != DefaultBindHost {
		t.Errorf("written defaults = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written defaults fail validation: %v", err)
	}
}

func TestWriteDefault_NoOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	original := "port = 9999\n"
	if err := os.WriteFile(path, []byte(original), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if err := WriteDefault(path, 8087); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(data) != original {
		t.Errorf("existing config overwritten: %q", data)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"empty", Config{}, ""},
		{"valid_port", Config{Port: 8087}, ""},
		{"port_negative", Config{Port: -1}, "port"},
		{"port_too_large", Config{Port: 70000}, "70000"},
		{"bind_host_ipv6", Config{BindHost: "::1"}, ""},
		{"bind_host_localhost", Config{BindHost: "localhost"}, ""},
		{"bind_host_garbage", Config{BindHost: "not an ip"}, "bind_host"},
		{"handshake_negative", Config{HandshakeTimeoutMs: -5}, "handshake_timeout_ms"},
		{"idle_negative", Config{IdleTimeoutMs: -1}, "idle_timeout_ms"},
		{"key_timeout_negative", Config{KeyTimeoutMs: -1}, "key_timeout_ms"},
		{"keys_valid", Config{Keys: map[string][]string{"HOME": {"true"}}}, ""},
		{"keys_hello", Config{Keys: map[string][]string{"HELLO": {"true"}}}, "keys.HELLO"},
		{"keys_lowercase", Config{Keys: map[string][]string{"next": {"true"}}}, "keys.next"},
		{"keys_empty_argv", Config{Keys: map[string][]string{"END": {}}}, "keys.END"},
		{"keys_empty_program", Config{Keys: map[string][]string{"END": {""}}}, "keys.END"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error mentioning %q", tt.wantErr)
			}
			if !apperrors.IsCode(err, apperrors.CodeConfigInvalid) {
				t.Errorf("error code = %s, want %s", apperrors.GetCode(err), apperrors.CodeConfigInvalid)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestKeyBindingsSkipsInvalidEntries(t *testing.T) {
	cfg := &Config{Keys: map[string][]string{
		"HOME":  {"open", "first"},
		"HELLO": {"true"},
		"jump":  {"true"},
		"END":   {},
	}}

	bindings := cfg.KeyBindings()
	if len(bindings) != 1 {
		t.Fatalf("KeyBindings() = %v, want only HOME", bindings)
	}

	// The returned argv is a copy.
	bindings[protocol.CommandHome][0] = "changed"
	if cfg.Keys["HOME"][0] != "open" {
		t.Error("KeyBindings() should not alias the config slice")
	}
}
