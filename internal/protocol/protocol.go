// Package protocol defines the wire format spoken between the paired mobile
// client and the command server.
//
// Every message is one line of ASCII text terminated by '\n' (a preceding
// '\r' is tolerated). The first line a client sends is the shared secret.
// The server answers the handshake with a single reply line, after which
// each client line carries one command tag:
//
//	client: 0b1c9a4e-...\n
//	server: OK\n
//	client: HELLO\n
//	client: NEXT\n
//
// Unknown tags are decode failures; the caller never sees an invalid Command.
package protocol

import (
	"crypto/subtle"
	"strconv"
	"strings"

	apperrors "github.com/souffleur/host/internal/errors"
)

// MaxLineLength bounds a single wire message, excluding the terminator.
const MaxLineLength = 512

// Command is one navigation instruction or the HELLO probe.
type Command uint8

// The closed set of commands. The zero value is not a valid command.
const (
	CommandHome Command = iota + 1
	CommandPrevious
	CommandNext
	CommandEnd
	CommandHello
)

var commandTags = map[Command]string{
	CommandHome:     "HOME",
	CommandPrevious: "PREVIOUS",
	CommandNext:     "NEXT",
	CommandEnd:      "END",
	CommandHello:    "HELLO",
}

var tagCommands = func() map[string]Command {
	m := make(map[string]Command, len(commandTags))
	for cmd, tag := range commandTags {
		m[tag] = cmd
	}
	return m
}()

// Commands returns every valid command in wire order.
func Commands() []Command {
	return []Command{CommandHome, CommandPrevious, CommandNext, CommandEnd, CommandHello}
}

// String returns the wire tag, or "INVALID(n)" for values outside the set.
func (c Command) String() string {
	if tag, ok := commandTags[c]; ok {
		return tag
	}
	return "INVALID(" + strconv.Itoa(int(c)) + ")"
}

// Valid reports whether c is one of the defined commands.
func (c Command) Valid() bool {
	_, ok := commandTags[c]
	return ok
}

// IsNavigation is true for every command except HELLO.
func (c Command) IsNavigation() bool {
	return c.Valid() && c != CommandHello
}

// ParseCommand maps a wire tag to its Command.
// Tags are case-sensitive so that decode and encode round-trip exactly.
func ParseCommand(tag string) (Command, error) {
	if cmd, ok := tagCommands[tag]; ok {
		return cmd, nil
	}
	return 0, apperrors.UnknownCommand(tag)
}

// MarshalText implements encoding.TextMarshaler so commands serialize as tags.
func (c Command) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, apperrors.UnknownCommand(c.String())
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Command) UnmarshalText(b []byte) error {
	cmd, err := ParseCommand(string(b))
	if err != nil {
		return err
	}
	*c = cmd
	return nil
}

// Encode returns the exact wire bytes for cmd.
func Encode(cmd Command) ([]byte, error) {
	if !cmd.Valid() {
		return nil, apperrors.UnknownCommand(cmd.String())
	}
	return []byte(cmd.String() + "\n"), nil
}

// Decode parses exactly one complete message. The input must contain a
// single line including its terminator.
func Decode(b []byte) (Command, error) {
	line, err := splitLine(b)
	if err != nil {
		return 0, err
	}
	return ParseCommand(line)
}

func splitLine(b []byte) (string, error) {
	s := string(b)
	if !strings.HasSuffix(s, "\n") {
		return "", apperrors.Malformed("message is not terminated", nil)
	}
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	if strings.ContainsAny(s, "\r\n") {
		return "", apperrors.Malformed("more than one message", nil)
	}
	if len(s) > MaxLineLength {
		return "", apperrors.Malformed("message too large", nil)
	}
	return s, nil
}

// TokenMatches compares a presented secret with the configured one in
// constant time. An empty configured secret never matches.
func TokenMatches(got, want string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
