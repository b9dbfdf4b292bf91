package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"

	apperrors "github.com/souffleur/host/internal/errors"
)

// Reply is the server's single-line answer to a handshake.
type Reply string

// Handshake replies. REJECTED carries no reason on purpose.
const (
	ReplyOK       Reply = "OK"
	ReplyRejected Reply = "REJECTED"
	ReplyBusy     Reply = "BUSY"
)

// Reader decodes messages from one connection. It is not safe for
// concurrent use; each session owns its own Reader.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r. The buffer is sized so a maximal message fits in one read.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 2*MaxLineLength)}
}

// ReadToken reads the handshake line. An empty line yields an empty token,
// which never authenticates.
func (r *Reader) ReadToken() (string, error) {
	return r.readLine()
}

// Next decodes the next command. It returns io.EOF when the peer closed the
// stream on a message boundary. A protocol.malformed error for an over-long
// line leaves the reader positioned at the following message.
func (r *Reader) Next() (Command, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}
	return ParseCommand(line)
}

// ReadReply reads the server's handshake answer (client side).
func (r *Reader) ReadReply() (Reply, error) {
	line, err := r.readLine()
	if err != nil {
		return "", err
	}
	switch reply := Reply(line); reply {
	case ReplyOK, ReplyRejected, ReplyBusy:
		return reply, nil
	default:
		return "", apperrors.Malformed("unexpected handshake reply", nil)
	}
}

func (r *Reader) readLine() (string, error) {
	var (
		line     []byte
		tooLarge bool
	)
	for {
		frag, err := r.br.ReadSlice('\n')
		if !tooLarge {
			line = append(line, frag...)
			// message + "\r\n"
			if len(line) > MaxLineLength+2 {
				tooLarge = true
				line = nil
			}
		}

		switch {
		case err == nil:
			if tooLarge {
				return "", apperrors.Malformed("message too large", nil)
			}
			s := strings.TrimSuffix(string(line), "\n")
			s = strings.TrimSuffix(s, "\r")
			if len(s) > MaxLineLength {
				return "", apperrors.Malformed("message too large", nil)
			}
			return s, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if !tooLarge && len(line) == 0 {
				return "", io.EOF
			}
			return "", apperrors.Malformed("truncated message", io.ErrUnexpectedEOF)
		default:
			return "", apperrors.Transport("read", err)
		}
	}
}

// WriteToken sends the handshake line (client side).
func WriteToken(w io.Writer, secret string) error {
	if secret == "" || strings.ContainsAny(secret, "\r\n") || len(secret) > MaxLineLength {
		return apperrors.Malformed("secret cannot be sent as a single line", nil)
	}
	if _, err := io.WriteString(w, secret+"\n"); err != nil {
		return apperrors.Transport("write", err)
	}
	return nil
}

// WriteCommand sends one command (client side).
func WriteCommand(w io.Writer, cmd Command) error {
	b, err := Encode(cmd)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return apperrors.Transport("write", err)
	}
	return nil
}

// WriteReply answers a handshake (server side).
func WriteReply(w io.Writer, reply Reply) error {
	if _, err := io.WriteString(w, string(reply)+"\n"); err != nil {
		return apperrors.Transport("write", err)
	}
	return nil
}
