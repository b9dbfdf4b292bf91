package ipc

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSocketServer_StartStop(t *testing.T) {
	path := tempSocketPath(t)
	server := NewSocketServer(path, okHandler(), nil)

	if err := server.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("socket permissions = %o, want 0600", info.Mode().Perm())
	}
	dirInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Stat(dir) error: %v", err)
	}
	if dirInfo.Mode().Perm() != 0700 {
		t.Errorf("directory permissions = %o, want 0700", dirInfo.Mode().Perm())
	}

	if err := server.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket path should be removed, stat error: %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Errorf("second Stop() error: %v", err)
	}
}

func TestSocketServer_StaleSocketCleanup(t *testing.T) {
	path := tempSocketPath(t)

	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	// Keep the file on close to simulate a crashed host.
	listener.(*net.UnixListener).SetUnlinkOnClose(false)
	if err := listener.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected stale socket file, got stat error: %v", err)
	}

	server := NewSocketServer(path, okHandler(), nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer server.Stop()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Fatalf("socket path is not a socket")
	}
}

func TestSocketServer_AlreadyRunning(t *testing.T) {
	path := tempSocketPath(t)

	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer listener.Close()

	server := NewSocketServer(path, okHandler(), nil)
	if err := server.Start(); err == nil {
		_ = server.Stop()
		t.Fatal("Start() expected error for already running socket")
	} else if !strings.Contains(err.Error(), "already in use") {
		t.Fatalf("Start() error = %v, want already in use", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("socket should remain, stat error: %v", err)
	}
}

func TestSocketServer_NotASocket(t *testing.T) {
	path := tempSocketPath(t)
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	server := NewSocketServer(path, okHandler(), nil)
	if err := server.Start(); err == nil || !strings.Contains(err.Error(), "not a socket") {
		t.Fatalf("Start() error = %v, want not a socket", err)
	}
}

func TestSocketServer_PathTooLong(t *testing.T) {
	path := "/tmp/" + strings.Repeat("a", socketPathLimit) + ".sock"
	server := NewSocketServer(path, okHandler(), nil)
	if err := server.Start(); err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("Start() error = %v, want path limit error", err)
	}
}

func TestSocketServer_RequestFlow(t *testing.T) {
	path := tempSocketPath(t)
	server := NewSocketServer(path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "pong")
	}), nil)

	if err := server.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer server.Stop()

	client := &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var dialer net.Dialer
				return dialer.DialContext(ctx, "unix", path)
			},
		},
	}

	resp, err := client.Get("http://unix/ping")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "pong" {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, string(body))
	}
}

func tempSocketPath(t *testing.T) string {
	t.Helper()
	// Short base dir: sun_path is ~104 bytes on darwin.
	baseDir, err := os.MkdirTemp("/tmp", "souffleur-ipc-")
	if err != nil {
		baseDir = t.TempDir()
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(baseDir)
	})
	return filepath.Join(baseDir, "control.sock")
}
