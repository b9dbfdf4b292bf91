// Package dispatch turns decoded commands into state changes.
package dispatch

import (
	"log"
	"sync"

	"github.com/souffleur/host/internal/protocol"
)

// StateWriter is the part of the state store the dispatcher writes to.
// Implemented by state.Store.
type StateWriter interface {
	SetLastCommand(cmd protocol.Command)
}

// Dispatcher records each command as the last command. It keeps no state
// beyond a counter and is safe for concurrent use, although only one
// session feeds it at a time.
type Dispatcher struct {
	state   StateWriter
	logger  *log.Logger
	verbose bool

	mu    sync.Mutex
	count uint64
}

// New creates a dispatcher writing to st. If logger is nil, nothing is logged.
func New(st StateWriter, logger *log.Logger, verbose bool) *Dispatcher {
	return &Dispatcher{state: st, logger: logger, verbose: verbose}
}

// Dispatch applies cmd synchronously. Invalid commands are ignored; the
// codec never produces them.
func (d *Dispatcher) Dispatch(cmd protocol.Command) {
	if !cmd.Valid() {
		return
	}

	d.mu.Lock()
	d.count++
	n := d.count
	d.state.SetLastCommand(cmd)
	d.mu.Unlock()

	if d.verbose && d.logger != nil {
		d.logger.Printf("dispatch: #%d %s", n, cmd)
	}
}

// Count returns how many commands have been dispatched.
func (d *Dispatcher) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}
