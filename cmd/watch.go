package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/souffleur/host/internal/ipc"
	"github.com/souffleur/host/internal/state"
)

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var paths clientPaths
	registerClientFlags(fs, &paths)
	props := fs.String("property", "", "Comma-separated properties to watch (default: all)")
	jsonMode := fs.Bool("json", false, "Print one JSON update per line")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: souffleur watch [options]\n\nStream state changes from a running host until interrupted.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nProperties: %s\n", strings.Join(propertyNames(), ", "))
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	var names []string
	if *props != "" {
		names = []string{*props}
	}
	wanted, err := ipc.ParseProperties(names)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	client, socketPath, err := controlClient(paths)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	dialCtx, cancel := requestContext()
	stream, err := client.Events(dialCtx, wanted...)
	cancel()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describeClientError(err, socketPath))
		return 1
	}

	sigCh, release := notifyShutdown()
	defer release()
	go func() {
		if _, ok := <-sigCh; ok {
			stream.Close()
		}
	}()

	return watchStream(context.Background(), stream, stdout, stderr, *jsonMode)
}

// updateSource is the read side of an event stream.
type updateSource interface {
	Next() (state.Update, error)
}

// watchStream prints updates until the stream ends. A normal close by the
// host (shutdown) or by the user is a clean exit.
func watchStream(ctx context.Context, stream updateSource, stdout, stderr io.Writer, jsonMode bool) int {
	enc := json.NewEncoder(stdout)
	for ctx.Err() == nil {
		u, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return 0
			}
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if jsonMode {
			if err := enc.Encode(u); err != nil {
				fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
				return 1
			}
			continue
		}
		fmt.Fprintln(stdout, formatUpdate(u, time.Now()))
	}
	return 0
}

// formatUpdate renders one update as "15:04:05 property=value".
func formatUpdate(u state.Update, now time.Time) string {
	prefix := now.Format("15:04:05")
	if u.Initial {
		prefix += " (current)"
	}
	return fmt.Sprintf("%s %s=%s", prefix, u.Property, propertyValue(u.Property, u.State))
}

func propertyValue(p state.Property, st state.ServerState) string {
	switch p {
	case state.PropertyPhase:
		return string(st.Phase)
	case state.PropertyRunning:
		return fmt.Sprintf("%v", st.Running)
	case state.PropertyPort:
		if st.Port == 0 {
			return "-"
		}
		return fmt.Sprintf("%d", st.Port)
	case state.PropertySecret:
		if st.Secret == "" {
			return "-"
		}
		return "(set)"
	case state.PropertyDevice:
		return st.Device
	case state.PropertyAddress:
		return st.Address
	case state.PropertyLastCommand:
		if !st.HasLastCommand() {
			return "-"
		}
		return st.LastCommand.String()
	case state.PropertyConnectedDevice:
		if st.ConnectedDevice == "" {
			return "-"
		}
		return st.ConnectedDevice
	case state.PropertyPairingPayload:
		if st.PairingPayload == "" {
			return "-"
		}
		return st.PairingPayload
	default:
		return "?"
	}
}

func propertyNames() []string {
	props := state.AllProperties()
	names := make([]string, len(props))
	for i, p := range props {
		names[i] = string(p)
	}
	return names
}
