package ipc

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/souffleur/host/internal/errors"
	"github.com/souffleur/host/internal/pairing"
	"github.com/souffleur/host/internal/server"
	"github.com/souffleur/host/internal/state"
)

// Controller is the part of the command server the control socket drives.
type Controller interface {
	Start(port int) error
	Stop()
	Running() bool
	ActiveSession() (server.SessionInfo, bool)
}

// StartRequest is the optional body of POST /start.
type StartRequest struct {
	// Port overrides the stored port. Zero keeps it.
	Port int `json:"port,omitempty"`
}

// PairingResponse is returned by GET /pairing.
type PairingResponse struct {
	pairing.Info
	Device  string `json:"device"`
	Payload string `json:"payload"`
}

// SessionResponse is returned by GET /session.
type SessionResponse struct {
	Active  bool                `json:"active"`
	Session *server.SessionInfo `json:"session,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HandlerOptions configures a ControlHandler.
type HandlerOptions struct {
	// OnStarted runs after a successful POST /start, e.g. to persist the
	// port. Optional.
	OnStarted func(port int)

	// Logger receives request logs. If nil, logs are discarded.
	Logger *log.Logger
}

// Event stream timing.
const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = 30 * time.Second
)

// ControlHandler serves the control API:
//
//	GET  /state    current ServerState
//	GET  /pairing  pairing payload and its parts
//	GET  /session  the session holding the slot, if any
//	GET  /events   WebSocket stream of state.Update (?property=name, repeatable)
//	POST /start    start listening (body: StartRequest)
//	POST /stop     stop listening
type ControlHandler struct {
	store      *state.Store
	controller Controller
	opts       HandlerOptions
	logger     *log.Logger
	mux        *http.ServeMux
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	streams map[*websocket.Conn]struct{}
	closed  bool
}

// NewControlHandler creates the control API over store and controller.
func NewControlHandler(store *state.Store, controller Controller, opts HandlerOptions) *ControlHandler {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	h := &ControlHandler{
		store:      store,
		controller: controller,
		opts:       opts,
		logger:     logger,
		mux:        http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// Only the socket owner can connect; there is no browser origin.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		streams: make(map[*websocket.Conn]struct{}),
	}

	h.mux.HandleFunc("/state", h.handleState)
	h.mux.HandleFunc("/pairing", h.handlePairing)
	h.mux.HandleFunc("/session", h.handleSession)
	h.mux.HandleFunc("/events", h.handleEvents)
	h.mux.HandleFunc("/start", h.handleStart)
	h.mux.HandleFunc("/stop", h.handleStop)
	return h
}

// ServeHTTP implements http.Handler.
func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Close ends every open event stream and refuses new ones.
func (h *ControlHandler) Close() {
	h.mu.Lock()
	h.closed = true
	streams := h.streams
	h.streams = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for conn := range streams {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "host shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (h *ControlHandler) handleState(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.store.Snapshot())
}

func (h *ControlHandler) handlePairing(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	snap := h.store.Snapshot()
	if snap.PairingPayload == "" {
		writeError(w, http.StatusConflict, apperrors.New(apperrors.CodeNotRunning,
			"pairing payload unavailable: address, port or secret not set"))
		return
	}
	writeJSON(w, http.StatusOK, PairingResponse{
		Info:    pairing.Info{Address: snap.Address, Port: snap.Port, Secret: snap.Secret},
		Device:  snap.Device,
		Payload: snap.PairingPayload,
	})
}

func (h *ControlHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	info, ok := h.controller.ActiveSession()
	if !ok {
		writeJSON(w, http.StatusOK, SessionResponse{})
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Active: true, Session: &info})
}

func (h *ControlHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req StartRequest
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
		if err != nil {
			writeError(w, http.StatusBadRequest, apperrors.Wrap(apperrors.CodeConfigInvalid, "read request body", err))
			return
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, http.StatusBadRequest, apperrors.Wrap(apperrors.CodeConfigInvalid, "invalid request body", err))
				return
			}
		}
	}

	port := req.Port
	if port == 0 {
		port = h.store.Snapshot().Port
	}

	if err := h.controller.Start(port); err != nil {
		h.logger.Printf("ipc: start on port %d failed: %v", port, err)
		writeError(w, errorStatus(err), err)
		return
	}
	h.logger.Printf("ipc: started on port %d", port)
	if h.opts.OnStarted != nil {
		h.opts.OnStarted(port)
	}
	writeJSON(w, http.StatusOK, h.store.Snapshot())
}

func (h *ControlHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	h.controller.Stop()
	h.logger.Printf("ipc: stopped")
	writeJSON(w, http.StatusOK, h.store.Snapshot())
}

// ParseProperties validates property names. An empty list means all.
func ParseProperties(names []string) ([]state.Property, error) {
	known := make(map[state.Property]bool)
	for _, p := range state.AllProperties() {
		known[p] = true
	}

	var props []state.Property
	for _, raw := range names {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			p := state.Property(name)
			if !known[p] {
				return nil, apperrors.New(apperrors.CodeConfigInvalid, "unknown property "+name)
			}
			props = append(props, p)
		}
	}
	return props, nil
}

func (h *ControlHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	props, err := ParseProperties(r.URL.Query()["property"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("ipc: event stream upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.streams[conn] = struct{}{}
	h.mu.Unlock()

	sub := h.store.Subscribe(props...)
	h.logger.Printf("ipc: event stream opened (%d properties)", len(props))

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, sub, done)

	sub.Close()
	h.mu.Lock()
	delete(h.streams, conn)
	h.mu.Unlock()
	_ = conn.Close()
	h.logger.Printf("ipc: event stream closed")
}

// readPump discards client frames and signals done when the peer goes away.
func (h *ControlHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Printf("ipc: event stream read error: %v", err)
			}
			return
		}
	}
}

// writePump forwards updates in order until the subscription ends or the
// peer disconnects.
func (h *ControlHandler) writePump(conn *websocket.Conn, sub *state.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case u, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(u); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					h.logger.Printf("ipc: event stream write error: %v", err)
				}
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, apperrors.New(apperrors.CodeInternal, "method not allowed"))
	return false
}

// errorStatus maps a coded error to an HTTP status.
func errorStatus(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.CodeAlreadyRunning, apperrors.CodeBindFailed, apperrors.CodeNotRunning:
		return http.StatusConflict
	case apperrors.CodeConfigInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
