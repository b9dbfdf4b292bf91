package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/souffleur/host/internal/errors"
	"github.com/souffleur/host/internal/state"
)

// Client talks to a running host over its control socket.
type Client struct {
	path   string
	http   *http.Client
	dialer *websocket.Dialer
}

// NewClient creates a client for the socket at path.
func NewClient(path string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
	return &Client{
		path: path,
		http: &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{DialContext: dial},
		},
		dialer: &websocket.Dialer{
			NetDialContext:   dial,
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// State returns the host's current state.
func (c *Client) State(ctx context.Context) (state.ServerState, error) {
	var st state.ServerState
	err := c.do(ctx, http.MethodGet, "/state", nil, &st)
	return st, err
}

// Pairing returns the pairing payload.
func (c *Client) Pairing(ctx context.Context) (PairingResponse, error) {
	var resp PairingResponse
	err := c.do(ctx, http.MethodGet, "/pairing", nil, &resp)
	return resp, err
}

// Session returns the session holding the slot, if any.
func (c *Client) Session(ctx context.Context) (SessionResponse, error) {
	var resp SessionResponse
	err := c.do(ctx, http.MethodGet, "/session", nil, &resp)
	return resp, err
}

// Start asks the host to listen on port (0 keeps the stored port).
func (c *Client) Start(ctx context.Context, port int) (state.ServerState, error) {
	var st state.ServerState
	err := c.do(ctx, http.MethodPost, "/start", StartRequest{Port: port}, &st)
	return st, err
}

// Stop asks the host to stop listening.
func (c *Client) Stop(ctx context.Context) (state.ServerState, error) {
	var st state.ServerState
	err := c.do(ctx, http.MethodPost, "/stop", nil, &st)
	return st, err
}

// Events opens a stream of state updates for props (all when empty).
func (c *Client) Events(ctx context.Context, props ...state.Property) (*EventStream, error) {
	q := url.Values{}
	for _, p := range props {
		q.Add("property", string(p))
	}
	u := url.URL{Scheme: "ws", Host: "unix", Path: "/events", RawQuery: q.Encode()}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if apiErr := decodeError(resp); apiErr != nil {
				return nil, apiErr
			}
		}
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	return &EventStream{conn: conn}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control socket %s: %w", c.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		if apiErr := decodeError(resp); apiErr != nil {
			return apiErr
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// decodeError turns an ErrorResponse body back into a coded error.
func decodeError(resp *http.Response) error {
	var body ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil || body.Code == "" {
		return nil
	}
	return apperrors.New(body.Code, body.Message)
}

// EventStream is an open /events subscription.
type EventStream struct {
	conn *websocket.Conn
}

// Next blocks for the next update. It returns io.EOF once the host closes
// the stream normally.
func (s *EventStream) Next() (state.Update, error) {
	var u state.Update
	if err := s.conn.ReadJSON(&u); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return state.Update{}, io.EOF
		}
		return state.Update{}, err
	}
	return u, nil
}

// Close sends a close frame and releases the connection.
func (s *EventStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
