package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	apperrors "github.com/souffleur/host/internal/errors"
	"github.com/souffleur/host/internal/protocol"
)

// AuthStatus is the handshake state of a session.
type AuthStatus string

// Handshake states.
const (
	AuthPending       AuthStatus = "pending"
	AuthAuthenticated AuthStatus = "authenticated"
	AuthRejected      AuthStatus = "rejected"
)

// Lifecycle is the connection state of a session.
type Lifecycle string

// Connection states.
const (
	LifecycleOpen    Lifecycle = "open"
	LifecycleClosing Lifecycle = "closing"
	LifecycleClosed  Lifecycle = "closed"
)

// replyWriteTimeout bounds handshake replies so a stalled peer cannot hold
// the session goroutine.
const replyWriteTimeout = 2 * time.Second

// SessionInfo is a point-in-time copy of a session's bookkeeping.
type SessionInfo struct {
	ID         string     `json:"id"`
	RemoteAddr string     `json:"remote_addr"`
	Auth       AuthStatus `json:"auth"`
	Lifecycle  Lifecycle  `json:"lifecycle"`
	Commands   int        `json:"commands"`
	StartedAt  time.Time  `json:"started_at"`
}

// sessionHost is what a session needs from its controller.
type sessionHost interface {
	// secret returns the configured shared secret.
	secret() string

	// deliver hands one decoded command to the dispatcher. It fails once
	// the session no longer holds the slot.
	deliver(s *Session, cmd protocol.Command) error
}

var errDetached = errors.New("session no longer active")

// Session owns one accepted connection from authentication to close.
type Session struct {
	id         string
	remoteAddr string
	startedAt  time.Time
	conn       net.Conn
	limiter    *rate.Limiter

	handshakeTimeout time.Duration
	idleTimeout      time.Duration

	mu        sync.Mutex
	auth      AuthStatus
	lifecycle Lifecycle
	commands  int

	closeOnce sync.Once
}

func newSession(conn net.Conn, opts Options, now time.Time) *Session {
	limit := rate.Inf
	if opts.CommandsPerSecond > 0 {
		limit = rate.Limit(opts.CommandsPerSecond)
	}
	return &Session{
		id:               uuid.New().String(),
		remoteAddr:       conn.RemoteAddr().String(),
		startedAt:        now,
		conn:             conn,
		limiter:          rate.NewLimiter(limit, opts.CommandBurst),
		handshakeTimeout: opts.HandshakeTimeout,
		idleTimeout:      opts.IdleTimeout,
		auth:             AuthPending,
		lifecycle:        LifecycleOpen,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer's ip:port.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Info returns a copy of the session's current bookkeeping.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:         s.id,
		RemoteAddr: s.remoteAddr,
		Auth:       s.auth,
		Lifecycle:  s.lifecycle,
		Commands:   s.commands,
		StartedAt:  s.startedAt,
	}
}

// countCommand increments the command counter and returns the new value.
func (s *Session) countCommand() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands++
	return s.commands
}

func (s *Session) setAuth(status AuthStatus) {
	s.mu.Lock()
	s.auth = status
	s.mu.Unlock()
}

// close shuts the connection, unblocking any pending read. Safe to call
// from any goroutine, any number of times.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.lifecycle == LifecycleOpen {
			s.lifecycle = LifecycleClosing
		}
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.lifecycle = LifecycleClosed
	s.mu.Unlock()
}

// serve authenticates the peer and then forwards commands until the peer
// disconnects, a protocol error occurs or ctx is cancelled. A nil return
// means a clean end: peer disconnect or server shutdown.
func (s *Session) serve(ctx context.Context, host sessionHost) error {
	defer func() {
		s.close()
		s.markClosed()
	}()

	reader := protocol.NewReader(s.conn)

	if err := s.authenticate(reader, host.secret()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		if s.idleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		cmd, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		// Pacing waits instead of dropping so no command is lost.
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		if err := host.deliver(s, cmd); err != nil {
			return nil
		}
	}
}

// authenticate runs the handshake under the handshake deadline.
func (s *Session) authenticate(reader *protocol.Reader, secret string) error {
	if s.handshakeTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	}

	token, err := reader.ReadToken()
	if err != nil {
		s.setAuth(AuthRejected)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return apperrors.AuthTimeout(s.remoteAddr, err)
		}
		if errors.Is(err, io.EOF) {
			return apperrors.AuthRejected(s.remoteAddr)
		}
		return err
	}

	if !protocol.TokenMatches(token, secret) {
		s.setAuth(AuthRejected)
		s.writeReply(protocol.ReplyRejected)
		return apperrors.AuthRejected(s.remoteAddr)
	}

	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return apperrors.Transport("clear deadline", err)
	}
	if err := s.writeReply(protocol.ReplyOK); err != nil {
		return err
	}
	s.setAuth(AuthAuthenticated)
	return nil
}

func (s *Session) writeReply(reply protocol.Reply) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(replyWriteTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return protocol.WriteReply(s.conn, reply)
}
