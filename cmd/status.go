package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/souffleur/host/internal/ipc"
	"github.com/souffleur/host/internal/state"
)

// statusOutput is the --json form of 'souffleur status'.
type statusOutput struct {
	State   state.ServerState   `json:"state"`
	Session ipc.SessionResponse `json:"session"`
}

func registerClientFlags(fs *flag.FlagSet, paths *clientPaths) {
	fs.StringVar(&paths.Config, "config", "", "Path to config file (default: ~/.souffleur/config.toml)")
	fs.StringVar(&paths.Socket, "socket", "", "Path to control socket (default: ~/.souffleur/control.sock)")
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var paths clientPaths
	registerClientFlags(fs, &paths)
	jsonMode := fs.Bool("json", false, "Emit machine-readable JSON to stdout")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: souffleur status [options]\n\nShow the running host's state and active session.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	client, socketPath, err := controlClient(paths)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := requestContext()
	defer cancel()

	st, err := client.State(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describeClientError(err, socketPath))
		return 1
	}
	session, err := client.Session(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describeClientError(err, socketPath))
		return 1
	}

	if *jsonMode {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(statusOutput{State: st, Session: session}); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	writeStatusOutput(stdout, st, session, time.Now())
	return 0
}

// writeStatusOutput renders human-readable host status.
func writeStatusOutput(w io.Writer, st state.ServerState, session ipc.SessionResponse, now time.Time) {
	fmt.Fprintf(w, "Host Status\n")
	fmt.Fprintf(w, "===========\n")
	fmt.Fprintf(w, "Server:       %s\n", st.Phase)
	if st.Port > 0 {
		fmt.Fprintf(w, "Port:         %d\n", st.Port)
	} else {
		fmt.Fprintf(w, "Port:         not set\n")
	}
	fmt.Fprintf(w, "Device:       %s (%s)\n", st.Device, st.Address)
	if st.HasLastCommand() {
		fmt.Fprintf(w, "Last command: %s\n", st.LastCommand)
	} else {
		fmt.Fprintf(w, "Last command: none\n")
	}
	if st.ConnectedDevice != "" {
		fmt.Fprintf(w, "Connected:    %s\n", st.ConnectedDevice)
	} else {
		fmt.Fprintf(w, "Connected:    none\n")
	}

	if session.Active && session.Session != nil {
		s := session.Session
		fmt.Fprintf(w, "\nSession\n")
		fmt.Fprintf(w, "-------\n")
		fmt.Fprintf(w, "ID:           %s\n", s.ID)
		fmt.Fprintf(w, "Remote:       %s\n", s.RemoteAddr)
		fmt.Fprintf(w, "Auth:         %s\n", s.Auth)
		fmt.Fprintf(w, "Commands:     %d\n", s.Commands)
		fmt.Fprintf(w, "Started:      %s\n", formatDuration(now.Sub(s.StartedAt)))
	}
}
