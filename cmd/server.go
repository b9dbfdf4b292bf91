package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	apperrors "github.com/souffleur/host/internal/errors"
	"github.com/souffleur/host/internal/state"
)

func runServerStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("server start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var paths clientPaths
	registerClientFlags(fs, &paths)
	port := fs.Int("port", 0, "Command port (default: the host's current port)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: souffleur server start [options]\n\nAsk a running host to start listening for the phone.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if *port < 0 || *port > 65535 {
		fmt.Fprintf(stderr, "Error: port must be between 1 and 65535, got %d\n", *port)
		return 1
	}

	client, socketPath, err := controlClient(paths)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := requestContext()
	defer cancel()

	st, err := client.Start(ctx, *port)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeAlreadyRunning) {
			fmt.Fprintf(stdout, "Server already listening.\n")
			return 0
		}
		fmt.Fprintf(stderr, "Error: %s\n", describeClientError(err, socketPath))
		return 1
	}
	writeServerPhase(stdout, st)
	return 0
}

func runServerStop(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("server stop", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var paths clientPaths
	registerClientFlags(fs, &paths)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: souffleur server stop [options]\n\nAsk a running host to stop listening. The active session is closed.\n\nOptions:\n")
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

	st, err := client.Stop(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describeClientError(err, socketPath))
		return 1
	}
	writeServerPhase(stdout, st)
	return 0
}

func writeServerPhase(w io.Writer, st state.ServerState) {
	if st.Running {
		fmt.Fprintf(w, "Server listening on port %d.\n", st.Port)
		return
	}
	fmt.Fprintf(w, "Server stopped.\n")
}
