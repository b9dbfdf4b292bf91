// Package main provides the souffleur command-line interface.
// This file implements the `souffleur doctor` diagnostic command.
//
// The doctor command runs a sequence of preflight checks against the local
// host environment and reports actionable remediation guidance for any issues.
// It supports both human-readable (default) and machine-readable (--json) output.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/souffleur/host/internal/config"
	"github.com/souffleur/host/internal/ipc"
	"github.com/souffleur/host/internal/netinfo"
	"github.com/souffleur/host/internal/state"
	"github.com/souffleur/host/internal/storage"
)

// DoctorResult is the top-level JSON output for `souffleur doctor --json`.
type DoctorResult struct {
	// Version is the doctor output schema version. Always "1".
	Version string `json:"version"`

	// Checks is the ordered list of diagnostic checks that were evaluated.
	Checks []DoctorCheck `json:"checks"`

	// Summary contains aggregate pass/warn/fail counts derived from Checks.
	Summary DoctorSummary `json:"summary"`
}

// DoctorCheck is one diagnostic check in the doctor output.
type DoctorCheck struct {
	// ID is a stable, machine-readable identifier for the check (e.g., "config.file").
	ID string `json:"id"`

	// Status is the check result: "pass", "warn", or "fail".
	Status string `json:"status"`

	// Message is a human-readable summary of what was found.
	Message string `json:"message"`

	// NextAction is a concrete remediation step the operator should take.
	NextAction string `json:"next_action"`
}

// DoctorSummary holds aggregate counts of check outcomes.
type DoctorSummary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Stable check IDs used by the doctor command.
// These are part of the public CLI contract and must not change.
const (
	checkIDConfig  = "config.file"
	checkIDStorage = "storage.secret"
	checkIDNetwork = "network.address"
	checkIDControl = "control.socket"
	checkIDPort    = "server.port"
)

// Stable status values for doctor checks.
const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

// Function-variable seams for testability.
// Tests override these to inject deterministic behavior without network access.
var (
	// doctorDiscoverIdentity finds the LAN address the pairing payload uses.
	doctorDiscoverIdentity = netinfo.Discover

	// doctorQueryState asks a running host for its state.
	doctorQueryState = defaultQueryState

	// doctorProbePort reports whether host:port can be bound right now.
	doctorProbePort = defaultProbePort
)

func defaultQueryState(socketPath string) (state.ServerState, error) {
	ctx, cancel := requestContext()
	defer cancel()
	return ipc.NewClient(socketPath).State(ctx)
}

func defaultProbePort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}

// runDoctor implements the `souffleur doctor` CLI command.
// Returns 0 when no checks fail, 1 when any check fails or an internal error occurs.
func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var jsonMode bool
	var paths clientPaths
	registerClientFlags(fs, &paths)
	fs.StringVar(&paths.Database, "db", "", "Path to settings database (default: ~/.souffleur/souffleur.db)")
	fs.BoolVar(&jsonMode, "json", false, "Emit machine-readable JSON to stdout")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: souffleur doctor [options]\n\nDiagnose configuration, storage and network readiness.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// The config check decides which paths the later checks use; a broken
	// file falls back to defaults so the remaining checks still run.
	configCheck, fileCfg := evalConfig(paths.Config)
	if fileCfg == nil {
		fileCfg = &config.Config{}
	}

	dbPath, err := resolveDatabasePath(paths.Database, fileCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	socketPath, err := resolveSocketPath(paths.Socket, fileCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	storageCheck, storedPort := evalStorage(dbPath)
	controlCheck, running := evalControlSocket(socketPath)

	port := fileCfg.Port
	if port == 0 {
		port = storedPort
	}
	if port == 0 {
		port = config.DefaultPort
	}
	bindHost := fileCfg.BindHost
	if bindHost == "" {
		bindHost = config.DefaultBindHost
	}

	// Evaluate checks in deterministic order.
	checks := []DoctorCheck{
		configCheck,
		storageCheck,
		evalNetwork(),
		controlCheck,
		evalPort(bindHost, port, running),
	}

	summary := DoctorSummary{}
	for _, c := range checks {
		switch c.Status {
		case statusPass:
			summary.Pass++
		case statusWarn:
			summary.Warn++
		case statusFail:
			summary.Fail++
		}
	}

	result := DoctorResult{
		Version: "1",
		Checks:  checks,
		Summary: summary,
	}

	if jsonMode {
		if err := renderDoctorJSON(stdout, result); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		renderDoctorHuman(stdout, result)
	}

	if summary.Fail > 0 {
		return 1
	}
	return 0
}

// evalConfig evaluates the config.file check.
// Decision table:
//   - no explicit path and no default file -> warn (defaults apply)
//   - file fails to load or validate -> fail
//   - otherwise -> pass
func evalConfig(path string) (DoctorCheck, *config.Config) {
	check := DoctorCheck{ID: checkIDConfig}

	if path == "" {
		defaultPath, err := config.DefaultConfigPath()
		if err == nil {
			if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
				check.Status = statusWarn
				check.Message = fmt.Sprintf("No config file at %s; defaults apply.", defaultPath)
				check.NextAction = "Run `souffleur start` once to create a commented config file."
				return check, &config.Config{}
			}
			path = defaultPath
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Config error: %v", err)
		check.NextAction = "Fix the TOML syntax or pass a valid file with `--config`."
		return check, nil
	}
	if err := cfg.Validate(); err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Config error: %v", err)
		check.NextAction = "Correct the named key in the config file."
		return check, cfg
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Config loaded from %s.", path)
	check.NextAction = "No action required."
	return check, cfg
}

// evalStorage evaluates the storage.secret check and returns the stored port.
// Decision table:
//   - database missing or secret not yet generated -> warn
//   - database fails to open or read -> fail
//   - secret present -> pass
func evalStorage(dbPath string) (DoctorCheck, int) {
	check := DoctorCheck{ID: checkIDStorage}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("No settings database at %s.", dbPath)
		check.NextAction = "Run `souffleur start` once to generate the pairing secret."
		return check, 0
	}

	db, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Settings database error: %v", err)
		check.NextAction = "Check file permissions, or move the database aside to start fresh (this re-pairs the phone)."
		return check, 0
	}
	defer db.Close()

	port, err := db.Port()
	if err != nil {
		port = 0
	}

	if _, err := db.GetSetting(storage.SettingSecret); err != nil {
		if errors.Is(err, storage.ErrSettingNotFound) {
			check.Status = statusWarn
			check.Message = "No pairing secret stored yet."
			check.NextAction = "Run `souffleur start` once to generate the pairing secret."
			return check, port
		}
		check.Status = statusFail
		check.Message = fmt.Sprintf("Failed to read pairing secret: %v", err)
		check.NextAction = "Check the settings database at " + dbPath + "."
		return check, port
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Pairing secret stored in %s.", dbPath)
	check.NextAction = "No action required."
	return check, port
}

// evalNetwork evaluates the network.address check.
// Decision table:
//   - no usable IPv4 address -> fail
//   - loopback address -> warn
//   - otherwise -> pass
func evalNetwork() DoctorCheck {
	check := DoctorCheck{ID: checkIDNetwork}

	identity, err := doctorDiscoverIdentity()
	if err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("No LAN address: %v", err)
		check.NextAction = "Connect this machine to the same network as the phone."
		return check
	}

	if ip := net.ParseIP(identity.Address); ip != nil && ip.IsLoopback() {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Only a loopback address is available (%s).", identity.Address)
		check.NextAction = "Connect this machine to the same network as the phone."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Phones will connect to %s on %s.", identity.Address, identity.Device)
	check.NextAction = "No action required."
	return check
}

// evalControlSocket evaluates the control.socket check and reports whether
// the host's command server is listening.
// Decision table:
//   - host answers -> pass
//   - no socket or stale socket -> warn (host not running)
//   - any other error -> fail
func evalControlSocket(socketPath string) (DoctorCheck, bool) {
	check := DoctorCheck{ID: checkIDControl}

	st, err := doctorQueryState(socketPath)
	if err == nil {
		check.Status = statusPass
		check.Message = fmt.Sprintf("Host is running; control socket at %s.", socketPath)
		check.NextAction = "No action required."
		return check, st.Running
	}

	if hostUnavailable(err) {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Host is not running (no control socket at %s).", socketPath)
		check.NextAction = "Start the host with `souffleur start`."
		return check, false
	}

	check.Status = statusFail
	check.Message = fmt.Sprintf("Control socket error: %v", err)
	check.NextAction = "Run host and CLI as the same user; remove a stale socket and restart the host."
	return check, false
}

// evalPort evaluates the server.port check.
// Decision table:
//   - host is already listening -> pass
//   - port can be bound -> pass
//   - port cannot be bound -> fail
func evalPort(bindHost string, port int, running bool) DoctorCheck {
	check := DoctorCheck{ID: checkIDPort}

	if running {
		check.Status = statusPass
		check.Message = "Command server is listening."
		check.NextAction = "No action required."
		return check
	}

	if err := doctorProbePort(bindHost, port); err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Port %d is not available on %s: %v", port, bindHost, err)
		check.NextAction = "Stop the program using the port or pick another with `souffleur start --port`."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Port %d is free on %s.", port, bindHost)
	check.NextAction = "No action required."
	return check
}

// renderDoctorJSON writes the doctor result as JSON to stdout.
// Only valid JSON is written to stdout; no extra lines.
func renderDoctorJSON(w io.Writer, result DoctorResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// renderDoctorHuman writes the doctor result in human-readable format.
func renderDoctorHuman(w io.Writer, result DoctorResult) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Souffleur Doctor")
	fmt.Fprintln(w, "================")
	fmt.Fprintln(w, "")

	for _, c := range result.Checks {
		icon := statusIcon(c.Status)
		fmt.Fprintf(w, "  %s %s: %s\n", icon, c.ID, c.Message)
		if c.Status != statusPass {
			fmt.Fprintf(w, "    -> %s\n", c.NextAction)
		}
	}

	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Summary: %d passed, %d warnings, %d failures\n",
		result.Summary.Pass, result.Summary.Warn, result.Summary.Fail)
	fmt.Fprintln(w, "")
}

// statusIcon returns a text marker for the check status.
func statusIcon(status string) string {
	switch status {
	case statusPass:
		return "[PASS]"
	case statusWarn:
		return "[WARN]"
	case statusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}
