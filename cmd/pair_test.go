package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/souffleur/host/internal/config"
	"github.com/souffleur/host/internal/ipc"
	"github.com/souffleur/host/internal/netinfo"
	"github.com/souffleur/host/internal/pairing"
	"github.com/souffleur/host/internal/storage"
)

func withIdentity(t *testing.T, identity netinfo.Identity, err error) {
	t.Helper()
	prev := discoverIdentity
	discoverIdentity = func() (netinfo.Identity, error) { return identity, err }
	t.Cleanup(func() { discoverIdentity = prev })
}

func TestPairOfflineFromSettings(t *testing.T) {
	isolateHome(t)
	withIdentity(t, netinfo.Identity{Device: "wlan0", Address: "192.168.1.10"}, nil)

	dbPath := filepath.Join(t.TempDir(), "souffleur.db")
	db, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	secret, _, err := db.LoadOrCreateSecret(pairing.NewSecret)
	if err != nil {
		t.Fatalf("LoadOrCreateSecret failed: %v", err)
	}
	if err := db.SetPort(9100); err != nil {
		t.Fatalf("SetPort failed: %v", err)
	}
	db.Close()

	socketPath := filepath.Join(shortTempDir(t), "control.sock")
	code, out, errOut := runWithArgs([]string{"souffleur", "pair", "--socket", socketPath, "--db", dbPath, "--json"})
	if code != 0 {
		t.Fatalf("pair failed (%d): %s", code, errOut)
	}

	var resp ipc.PairingResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("pair JSON: %v", err)
	}
	want := pairing.Build("192.168.1.10", 9100, secret)
	if resp.Payload != want {
		t.Errorf("payload = %q, want %q", resp.Payload, want)
	}
	if resp.Device != "wlan0" || resp.Secret != secret {
		t.Errorf("response = %+v", resp)
	}

	info, err := pairing.Parse(resp.Payload)
	if err != nil || info != resp.Info {
		t.Errorf("Parse(payload) = %+v, %v; want %+v", info, err, resp.Info)
	}
}

func TestPairOfflineWithoutSecret(t *testing.T) {
	isolateHome(t)
	socketPath := filepath.Join(shortTempDir(t), "control.sock")

	code, _, errOut := runWithArgs([]string{"souffleur", "pair", "--socket", socketPath, "--db", filepath.Join(t.TempDir(), "none.db")})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut, "no pairing secret") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestPairOfflineFallsBackToLoopback(t *testing.T) {
	withIdentity(t, netinfo.Identity{}, netinfo.ErrNoAddress)

	dbPath := filepath.Join(t.TempDir(), "souffleur.db")
	seedDatabase(t, dbPath)

	resp, err := offlinePairing(dbPath, &config.Config{})
	if err != nil {
		t.Fatalf("offlinePairing() error: %v", err)
	}
	if resp.Address != "127.0.0.1" || resp.Port != 8087 {
		t.Errorf("response = %+v", resp)
	}
}

func TestDisplayPairing(t *testing.T) {
	info := pairing.Info{Address: "192.168.1.10", Port: 8087, Secret: "s"}
	var buf bytes.Buffer
	DisplayPairing(&buf, ipc.PairingResponse{Info: info, Device: "en0", Payload: info.String()}, "running host")

	out := buf.String()
	for _, want := range []string{"PAIRING", info.String(), "en0", "8087", "running host"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestHostUnavailable(t *testing.T) {
	if hostUnavailable(errors.New("boom")) {
		t.Error("generic error should not look like a missing host")
	}
	_, err := hostNotRunning("")
	if !hostUnavailable(err) {
		t.Error("ENOENT should look like a missing host")
	}
}
