// Package keys turns received navigation commands into local actions by
// running a configured program per command, e.g. a key-injection tool that
// presses the arrow key in the foreground slideshow.
package keys

import (
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/souffleur/host/internal/protocol"
	"github.com/souffleur/host/internal/state"
)

// DefaultTimeout bounds one action.
const DefaultTimeout = 2 * time.Second

// ExecFunc runs argv. The default implementation uses os/exec.
type ExecFunc func(ctx context.Context, argv []string) error

// Options configures a Runner.
type Options struct {
	// Timeout bounds each action. Default: DefaultTimeout.
	Timeout time.Duration

	// Exec runs an action. Default: os/exec.
	Exec ExecFunc

	// Logger receives action failures. If nil, logs are discarded.
	Logger *log.Logger
}

// Stats counts actions since the runner was created.
type Stats struct {
	Ran    int
	Failed int
}

// Runner executes bindings for navigation commands in arrival order.
type Runner struct {
	bindings map[protocol.Command][]string
	timeout  time.Duration
	exec     ExecFunc
	logger   *log.Logger

	mu    sync.Mutex
	stats Stats
}

// NewRunner creates a runner for bindings. Bindings for HELLO are ignored.
func NewRunner(bindings map[protocol.Command][]string, opts Options) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Exec == nil {
		opts.Exec = execCommand
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	owned := make(map[protocol.Command][]string, len(bindings))
	for cmd, argv := range bindings {
		if cmd.IsNavigation() && len(argv) > 0 {
			owned[cmd] = append([]string(nil), argv...)
		}
	}

	return &Runner{
		bindings: owned,
		timeout:  opts.Timeout,
		exec:     opts.Exec,
		logger:   logger,
	}
}

// Empty reports whether no command has a binding.
func (r *Runner) Empty() bool {
	return len(r.bindings) == 0
}

// Stats returns a copy of the counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Handle runs the binding for cmd, if any. It returns nil for commands
// without a binding.
func (r *Runner) Handle(ctx context.Context, cmd protocol.Command) error {
	argv, ok := r.bindings[cmd]
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.exec(ctx, argv)

	r.mu.Lock()
	r.stats.Ran++
	if err != nil {
		r.stats.Failed++
	}
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("keys: %s action %q: %w", cmd, argv[0], err)
	}
	return nil
}

// Run consumes last-command updates from sub until it is closed or ctx is
// done. The replayed value on subscribe is skipped so a restart does not
// repeat the previous command.
func (r *Runner) Run(ctx context.Context, sub *state.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			if u.Initial || u.Property != state.PropertyLastCommand {
				continue
			}
			if err := r.Handle(ctx, u.State.LastCommand); err != nil {
				r.logger.Printf("%v", err)
			}
		}
	}
}

func execCommand(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil && len(out) > 0 {
		return fmt.Errorf("%w: %s", err, truncate(out, 200))
	}
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
