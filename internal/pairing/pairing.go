// Package pairing builds and parses the pairing payload the presenter app
// scans to find and authenticate against the host, and generates the
// shared secret.
package pairing

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Scheme and host of every pairing payload.
const (
	Scheme = "souffleur"
	Action = "pair"
)

// ErrInvalidPayload is returned by Parse for strings that are not pairing
// payloads.
var ErrInvalidPayload = errors.New("invalid pairing payload")

// Info is the content of a pairing payload.
type Info struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Secret  string `json:"secret"`
}

// String returns the payload for info.
func (i Info) String() string {
	return Build(i.Address, i.Port, i.Secret)
}

// Build returns souffleur://pair?address=..&port=..&secret=.. with each
// value query-escaped. Parameters always appear in this order so equal
// inputs give byte-identical payloads.
func Build(address string, port int, secret string) string {
	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteString("://")
	b.WriteString(Action)
	b.WriteString("?address=")
	b.WriteString(url.QueryEscape(address))
	b.WriteString("&port=")
	b.WriteString(strconv.Itoa(port))
	b.WriteString("&secret=")
	b.WriteString(url.QueryEscape(secret))
	return b.String()
}

// Parse inverts Build.
func Parse(payload string) (Info, error) {
	u, err := url.Parse(payload)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if u.Scheme != Scheme || u.Host != Action {
		return Info{}, fmt.Errorf("%w: want %s://%s, got %s://%s", ErrInvalidPayload, Scheme, Action, u.Scheme, u.Host)
	}

	q := u.Query()
	info := Info{
		Address: q.Get("address"),
		Secret:  q.Get("secret"),
	}
	if info.Address == "" {
		return Info{}, fmt.Errorf("%w: missing address", ErrInvalidPayload)
	}
	if info.Secret == "" {
		return Info{}, fmt.Errorf("%w: missing secret", ErrInvalidPayload)
	}

	port, err := strconv.Atoi(q.Get("port"))
	if err != nil || port < 1 || port > 65535 {
		return Info{}, fmt.Errorf("%w: bad port %q", ErrInvalidPayload, q.Get("port"))
	}
	info.Port = port
	return info, nil
}

// NewSecret returns a fresh random shared secret.
func NewSecret() string {
	return uuid.New().String()
}
