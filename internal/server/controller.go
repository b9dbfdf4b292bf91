// Package server implements the command server: the TCP listener, the
// single-session policy and the per-connection session handler.
//
// The controller owns the listening socket. Each accepted connection gets a
// Session running in its own goroutine; while one session holds the slot,
// further connections are answered with BUSY and closed. Stop closes the
// listener and the active connection so blocked Accept and Read calls
// return immediately.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/souffleur/host/internal/dispatch"
	apperrors "github.com/souffleur/host/internal/errors"
	"github.com/souffleur/host/internal/protocol"
	"github.com/souffleur/host/internal/state"
)

// Defaults applied by NewController for zero Options fields.
const (
	DefaultBindHost          = "0.0.0.0"
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultCommandsPerSecond = 20
	DefaultCommandBurst      = 10
)

// Options configures a Controller.
type Options struct {
	// BindHost is the interface address to listen on.
	// Default: 0.0.0.0
	BindHost string

	// HandshakeTimeout bounds the wait for the secret line.
	// Default: 5s
	HandshakeTimeout time.Duration

	// IdleTimeout closes a session that sends nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// CommandsPerSecond paces commands within a session. Negative
	// disables pacing. Default: 20
	CommandsPerSecond float64

	// CommandBurst is the pacing bucket size. Default: 10
	CommandBurst int

	// Recorder receives one record per finished connection. Optional.
	Recorder SessionRecorder

	// Logger receives lifecycle logs. If nil, logs are discarded.
	Logger *log.Logger

	// TimeNow returns the current time. Default: time.Now.
	TimeNow func() time.Time
}

// listenerRun groups everything belonging to one Start..Stop cycle so a
// restart never shares goroutine accounting with the previous listener.
type listenerRun struct {
	ln     net.Listener
	port   int
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Controller owns the listener lifecycle and the session slot.
type Controller struct {
	store      *state.Store
	dispatcher *dispatch.Dispatcher
	opts       Options
	logger     *log.Logger

	// mu guards run and active, and serialises every state write the
	// controller makes so that start, stop and session release interleave
	// cleanly.
	mu     sync.Mutex
	run    *listenerRun
	active *Session
}

// NewController creates a stopped controller publishing to store and
// forwarding commands to dispatcher.
func NewController(store *state.Store, dispatcher *dispatch.Dispatcher, opts Options) *Controller {
	if opts.BindHost == "" {
		opts.BindHost = DefaultBindHost
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.CommandsPerSecond == 0 {
		opts.CommandsPerSecond = DefaultCommandsPerSecond
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = DefaultCommandBurst
	}
	if opts.TimeNow == nil {
		opts.TimeNow = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Controller{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
}

// Start binds port and begins accepting connections. Port 0 and values
// outside 1-65535 fail like a bind error; the server stays stopped.
func (c *Controller) Start(port int) error {
	if port < 1 || port > 65535 {
		return apperrors.BindError(port, fmt.Errorf("port must be between 1 and 65535"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run != nil {
		return apperrors.AlreadyRunning(c.run.port)
	}

	c.store.SetStarting()

	addr := net.JoinHostPort(c.opts.BindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		c.store.SetStopped()
		c.logger.Printf("server: failed to listen on %s: %v", addr, err)
		return apperrors.BindError(port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &listenerRun{
		ln:     ln,
		port:   port,
		ctx:    ctx,
		cancel: cancel,
	}
	c.run = run
	c.store.SetListening(port)

	run.wg.Add(1)
	go c.acceptLoop(run)

	c.logger.Printf("server: listening on %s", addr)
	return nil
}

// Stop closes the listener and any active session, then waits for their
// goroutines to exit. Stopping a stopped server is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	run := c.run
	if run == nil {
		c.mu.Unlock()
		return
	}
	sess := c.active
	c.run = nil
	c.active = nil

	run.cancel()
	_ = run.ln.Close()
	if sess != nil {
		sess.close()
	}
	c.store.SetStopped()
	c.mu.Unlock()

	run.wg.Wait()
	c.logger.Printf("server: stopped listening on port %d", run.port)
}

// Running reports whether the listener is open.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

// Addr returns the listener address, or nil when stopped.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.run.ln.Addr()
}

// ActiveSession returns the session holding the slot, if any.
func (c *Controller) ActiveSession() (SessionInfo, bool) {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess == nil {
		return SessionInfo{}, false
	}
	return sess.Info(), true
}

func (c *Controller) acceptLoop(run *listenerRun) {
	defer run.wg.Done()

	var tempDelay time.Duration
	for {
		conn, err := run.ln.Accept()
		if err != nil {
			if run.ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				c.logger.Printf("server: listener closed unexpectedly: %v", err)
				c.abandon(run)
				return
			}

			// Transient accept failure (e.g. too many open files):
			// back off and keep serving.
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			c.logger.Printf("server: accept error: %v; retrying in %v", err, tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-run.ctx.Done():
				return
			}
			continue
		}
		tempDelay = 0
		c.handleConn(run, conn)
	}
}

// abandon tears down a run whose listener failed on its own.
func (c *Controller) abandon(run *listenerRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != run {
		return
	}
	sess := c.active
	c.run = nil
	c.active = nil
	run.cancel()
	if sess != nil {
		sess.close()
	}
	c.store.SetStopped()
}

func (c *Controller) handleConn(run *listenerRun, conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	c.mu.Lock()
	if c.run != run {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	if c.active != nil {
		run.wg.Add(1)
		c.mu.Unlock()
		go func() {
			defer run.wg.Done()
			c.rejectBusy(conn)
		}()
		return
	}

	sess := newSession(conn, c.opts, c.opts.TimeNow())
	c.active = sess
	run.wg.Add(1)
	c.mu.Unlock()

	c.logger.Printf("server: session %s opened from %s", sess.ID(), sess.RemoteAddr())

	go func() {
		defer run.wg.Done()
		err := sess.serve(run.ctx, c)
		c.release(sess, err)
	}()
}

// rejectBusy answers BUSY and closes conn without touching the active session.
func (c *Controller) rejectBusy(conn net.Conn) {
	started := c.opts.TimeNow()
	remote := conn.RemoteAddr().String()
	err := apperrors.SessionBusy(remote)

	_ = conn.SetWriteDeadline(time.Now().Add(replyWriteTimeout))
	_ = protocol.WriteReply(conn, protocol.ReplyBusy)
	_ = conn.Close()

	c.logger.Printf("server: %v", err)
	c.record(SessionRecord{
		RemoteAddr: remote,
		Outcome:    OutcomeBusy,
		StartedAt:  started,
		EndedAt:    c.opts.TimeNow(),
		ErrorCode:  apperrors.CodeSessionBusy,
	})
}

// secret implements sessionHost.
func (c *Controller) secret() string {
	return c.store.Snapshot().Secret
}

// deliver implements sessionHost. Holding mu while dispatching ensures a
// session that lost the slot (for example during Stop) cannot write
// lastCommand afterwards.
func (c *Controller) deliver(s *Session, cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != s {
		return errDetached
	}
	if s.countCommand() == 1 {
		c.store.SetConnectedDevice(s.RemoteAddr())
	}
	c.dispatcher.Dispatch(cmd)
	return nil
}

// release frees the slot after a session ends and records the outcome.
func (c *Controller) release(s *Session, err error) {
	c.mu.Lock()
	wasActive := c.active == s
	if wasActive {
		c.active = nil
		c.store.ClearConnectedDevice()
	}
	c.mu.Unlock()

	outcome := classifyOutcome(err)
	if !wasActive && outcome == OutcomeCompleted {
		outcome = OutcomeStopped
	}

	info := s.Info()
	if err != nil {
		c.logger.Printf("server: session %s from %s ended: %v", info.ID, info.RemoteAddr, err)
	} else {
		c.logger.Printf("server: session %s from %s closed (%s, %d commands)", info.ID, info.RemoteAddr, outcome, info.Commands)
	}

	c.record(SessionRecord{
		ID:         info.ID,
		RemoteAddr: info.RemoteAddr,
		Outcome:    outcome,
		StartedAt:  info.StartedAt,
		EndedAt:    c.opts.TimeNow(),
		Commands:   info.Commands,
		ErrorCode:  apperrors.GetCode(err),
	})
}

func (c *Controller) record(rec SessionRecord) {
	if c.opts.Recorder == nil {
		return
	}
	if err := c.opts.Recorder.RecordSession(rec); err != nil {
		c.logger.Printf("server: failed to record session: %v", err)
	}
}
