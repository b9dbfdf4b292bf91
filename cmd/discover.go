package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/souffleur/host/internal/mdns"
)

// browseHosts is swapped out in tests so no multicast is needed.
var browseHosts = mdns.Discover

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)

	timeout := fs.Duration("timeout", 3*time.Second, "How long to browse")
	jsonMode := fs.Bool("json", false, "Emit machine-readable JSON to stdout")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: souffleur discover [options]\n\nBrowse the local network for hosts started with --mdns.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	hosts, err := browseHosts(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonMode {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if hosts == nil {
			hosts = []mdns.DiscoveredHost{}
		}
		if err := enc.Encode(hosts); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	if len(hosts) == 0 {
		fmt.Fprintln(stdout, "No hosts found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tPORT\tVERSION")
	fmt.Fprintln(w, "----\t-------\t----\t-------")
	for _, h := range hosts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", h.Name, h.Host, h.Port, h.Version)
	}
	w.Flush()
	return 0
}
