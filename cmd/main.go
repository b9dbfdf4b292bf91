package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `souffleur - remote slideshow control from a paired phone

Usage:
  souffleur <command> [options]

Commands:
  start           Run the host: command server, control socket, key actions
  server start    Ask a running host to start listening
  server stop     Ask a running host to stop listening
  status          Show the running host's state and active session
  pair            Print the pairing payload for the mobile app
  watch           Stream state changes from a running host
  send <cmd>...   Connect as a client and send HOME, PREVIOUS, NEXT, END or HELLO
  history         List recent connections
  discover        Browse the LAN for advertised hosts
  doctor          Diagnose configuration, storage and network readiness
Run 'souffleur <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "start":
		return runStart(args[2:], stdout, stderr)
	case "server":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: souffleur server <start|stop>")
			return 1
		}
		switch args[2] {
		case "start":
			return runServerStart(args[3:], stdout, stderr)
		case "stop":
			return runServerStop(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown server command: %s\n", args[2])
			return 1
		}
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "pair":
		return runPair(args[2:], stdout, stderr)
	case "watch":
		return runWatch(args[2:], stdout, stderr)
	case "send":
		return runSend(args[2:], stdout, stderr)
	case "history":
		return runHistory(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "souffleur %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
