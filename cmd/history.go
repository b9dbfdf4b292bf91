package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/souffleur/host/internal/config"
	"github.com/souffleur/host/internal/storage"
)

// historyJSON is one row of 'souffleur history --json'.
type historyJSON struct {
	ID         string    `json:"id,omitempty"`
	RemoteAddr string    `json:"remote_addr"`
	Outcome    string    `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Commands   int       `json:"commands"`
	ErrorCode  string    `json:"error_code,omitempty"`
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: ~/.souffleur/config.toml)")
	dbFlag := fs.String("db", "", "Path to settings database (default: ~/.souffleur/souffleur.db)")
	limit := fs.Int("limit", 20, "Maximum number of connections to list (0 for all)")
	jsonMode := fs.Bool("json", false, "Emit machine-readable JSON to stdout")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: souffleur history [options]\n\nList recent connections, newest first.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if *limit < 0 {
		fmt.Fprintf(stderr, "Error: --limit must not be negative\n")
		return 1
	}

	fileCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	dbPath, err := resolveDatabasePath(*dbFlag, fileCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Check if the database file exists
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintln(stdout, "No connections recorded.")
		return 0
	}

	db, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer db.Close()

	entries, err := db.ListHistory(*limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list history: %v\n", err)
		return 1
	}

	if *jsonMode {
		rows := make([]historyJSON, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, historyJSON{
				ID:         e.ID,
				RemoteAddr: e.RemoteAddr,
				Outcome:    e.Outcome,
				StartedAt:  e.StartedAt,
				EndedAt:    e.EndedAt,
				Commands:   e.Commands,
				ErrorCode:  e.ErrorCode,
			})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No connections recorded.")
		return 0
	}

	writeHistoryTable(stdout, entries, time.Now())
	return 0
}

// writeHistoryTable prints entries in a table format.
func writeHistoryTable(w io.Writer, entries []*storage.HistoryEntry, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REMOTE\tOUTCOME\tCOMMANDS\tDURATION\tENDED")
	fmt.Fprintln(tw, "------\t-------\t--------\t--------\t-----")
	for _, e := range entries {
		outcome := e.Outcome
		if e.ErrorCode != "" {
			outcome += " (" + e.ErrorCode + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			e.RemoteAddr,
			outcome,
			e.Commands,
			e.Duration().Round(time.Millisecond),
			formatDuration(now.Sub(e.EndedAt)),
		)
	}
	tw.Flush()
}
