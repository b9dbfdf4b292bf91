package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	apperrors "github.com/souffleur/host/internal/errors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, cmd := range Commands() {
		t.Run(cmd.String(), func(t *testing.T) {
			b, err := Encode(cmd)
			if err != nil {
				t.Fatalf("Encode(%v) error: %v", cmd, err)
			}
			if want := cmd.String() + "\n"; string(b) != want {
				t.Errorf("Encode(%v) = %q, want %q", cmd, b, want)
			}

			got, err := Decode(b)
			if err != nil {
				t.Fatalf("Decode(%q) error: %v", b, err)
			}
			if got != cmd {
				t.Errorf("Decode(Encode(%v)) = %v", cmd, got)
			}

			again, err := Encode(got)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			if !bytes.Equal(again, b) {
				t.Errorf("Encode(Decode(%q)) = %q", b, again)
			}
		})
	}
}

func TestDecodeUnknownCommand(t *testing.T) {
	inputs := []string{
		"JUMP\n",
		"next\n",
		"\n",
		"NEXT \n",
		"\x00\xff\n",
	}
	for _, in := range inputs {
		_, err := Decode([]byte(in))
		if !apperrors.IsCode(err, apperrors.CodeUnknownCommand) {
			t.Errorf("Decode(%q) error = %v, want %s", in, err, apperrors.CodeUnknownCommand)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		"NEXT",
		"",
		"NEXT\nHOME\n",
		strings.Repeat("A", MaxLineLength+1) + "\n",
	}
	for _, in := range inputs {
		_, err := Decode([]byte(in))
		if !apperrors.IsCode(err, apperrors.CodeMalformed) {
			t.Errorf("Decode(%.20q) error = %v, want %s", in, err, apperrors.CodeMalformed)
		}
	}
}

func TestDecodeToleratesCRLF(t *testing.T) {
	got, err := Decode([]byte("END\r\n"))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got != CommandEnd {
		t.Errorf("Decode() = %v, want END", got)
	}
}

func TestEncodeInvalidCommand(t *testing.T) {
	if _, err := Encode(Command(0)); !apperrors.IsCode(err, apperrors.CodeUnknownCommand) {
		t.Errorf("Encode(0) error = %v", err)
	}
	if _, err := Encode(Command(42)); err == nil {
		t.Error("Encode(42) should fail")
	}
	if got := Command(42).String(); got != "INVALID(42)" {
		t.Errorf("String() = %q", got)
	}
}

func TestIsNavigation(t *testing.T) {
	for _, cmd := range Commands() {
		want := cmd != CommandHello
		if cmd.IsNavigation() != want {
			t.Errorf("%v.IsNavigation() = %v, want %v", cmd, cmd.IsNavigation(), want)
		}
	}
	if Command(0).IsNavigation() {
		t.Error("zero command should not be navigation")
	}
}

func TestCommandText(t *testing.T) {
	var c Command
	if err := c.UnmarshalText([]byte("PREVIOUS")); err != nil {
		t.Fatalf("UnmarshalText() error: %v", err)
	}
	if c != CommandPrevious {
		t.Errorf("UnmarshalText() = %v", c)
	}
	if err := c.UnmarshalText([]byte("BACK")); err == nil {
		t.Error("UnmarshalText(BACK) should fail")
	}
	if c != CommandPrevious {
		t.Error("failed UnmarshalText should not modify the value")
	}
}

func TestReaderSequence(t *testing.T) {
	stream := "s3cret\nHELLO\nNEXT\r\nNEXT\nPREVIOUS\n"
	r := NewReader(strings.NewReader(stream))

	token, err := r.ReadToken()
	if err != nil {
		t.Fatalf("ReadToken() error: %v", err)
	}
	if token != "s3cret" {
		t.Errorf("ReadToken() = %q", token)
	}

	want := []Command{CommandHello, CommandNext, CommandNext, CommandPrevious}
	for i, w := range want {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next() #%d error: %v", i, err)
		}
		if got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next() at end = %v, want io.EOF", err)
	}
}

func TestReaderUnknownDoesNotConsumeFollowing(t *testing.T) {
	r := NewReader(strings.NewReader("BOGUS\nEND\n"))

	if _, err := r.Next(); !apperrors.IsCode(err, apperrors.CodeUnknownCommand) {
		t.Fatalf("Next() error = %v, want unknown command", err)
	}
	got, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if got != CommandEnd {
		t.Errorf("Next() = %v, want END", got)
	}
}

func TestReaderResyncsAfterOversizedLine(t *testing.T) {
	huge := strings.Repeat("X", 5*MaxLineLength)
	r := NewReader(strings.NewReader(huge + "\nHOME\n"))

	if _, err := r.Next(); !apperrors.IsCode(err, apperrors.CodeMalformed) {
		t.Fatalf("Next() error = %v, want malformed", err)
	}
	got, err := r.Next()
	if err != nil {
		t.Fatalf("Next() after resync error: %v", err)
	}
	if got != CommandHome {
		t.Errorf("Next() = %v, want HOME", got)
	}
}

func TestReaderTruncatedMessage(t *testing.T) {
	r := NewReader(strings.NewReader("NEXT\nNE"))

	if _, err := r.Next(); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	_, err := r.Next()
	if !apperrors.IsCode(err, apperrors.CodeMalformed) {
		t.Fatalf("Next() error = %v, want malformed", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated message should wrap io.ErrUnexpectedEOF")
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestReaderTransportError(t *testing.T) {
	cause := errors.New("connection reset by peer")
	r := NewReader(failingReader{err: cause})

	_, err := r.Next()
	if !apperrors.IsCode(err, apperrors.CodeTransport) {
		t.Fatalf("Next() error = %v, want transport error", err)
	}
	if !errors.Is(err, cause) {
		t.Error("transport error should wrap the cause")
	}
}

func TestHandshakeReplies(t *testing.T) {
	var buf bytes.Buffer
	for _, reply := range []Reply{ReplyOK, ReplyRejected, ReplyBusy} {
		if err := WriteReply(&buf, reply); err != nil {
			t.Fatalf("WriteReply() error: %v", err)
		}
	}
	buf.WriteString("MAYBE\n")

	r := NewReader(&buf)
	for _, want := range []Reply{ReplyOK, ReplyRejected, ReplyBusy} {
		got, err := r.ReadReply()
		if err != nil {
			t.Fatalf("ReadReply() error: %v", err)
		}
		if got != want {
			t.Errorf("ReadReply() = %q, want %q", got, want)
		}
	}
	if _, err := r.ReadReply(); !apperrors.IsCode(err, apperrors.CodeMalformed) {
		t.Errorf("ReadReply(MAYBE) error = %v", err)
	}
}

func TestWriteToken(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteToken(&buf, "abc"); err != nil {
		t.Fatalf("WriteToken() error: %v", err)
	}
	if buf.String() != "abc\n" {
		t.Errorf("WriteToken() wrote %q", buf.String())
	}

	for _, bad := range []string{"", "a\nb", strings.Repeat("s", MaxLineLength+1)} {
		if err := WriteToken(io.Discard, bad); err == nil {
			t.Errorf("WriteToken(%.10q) should fail", bad)
		}
	}
}

func TestTokenMatches(t *testing.T) {
	tests := []struct {
		got, want string
		match     bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"ab", "abc", false},
		{"", "", false},
		{"abc", "", false},
		{"", "abc", false},
		{"ABC", "abc", false},
	}
	for _, tt := range tests {
		if got := TokenMatches(tt.got, tt.want); got != tt.match {
			t.Errorf("TokenMatches(%q, %q) = %v, want %v", tt.got, tt.want, got, tt.match)
		}
	}
}
