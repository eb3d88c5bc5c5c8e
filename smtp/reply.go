package smtp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// maxReplyLines caps how many continuation lines we'll accept for one reply.
const maxReplyLines = 512

// Reply codes used by the session.
const (
	codeReady        = 220
	codeAuthOK       = 235
	codeOK           = 250
	codeAuthContinue = 334
	codeStartData    = 354
)

type EnhancedCode [3]int

// Reply is a server reply. Lines holds the text after the code of every line,
// in order.
type Reply struct {
	Code  int
	Lines []string
}

// Text returns all lines joined with newlines.
func (r *Reply) Text() string { return strings.Join(r.Lines, "\n") }

// Positive reports if this is a 2xx or 3xx reply.
func (r *Reply) Positive() bool { return r.Code/100 == 2 || r.Code/100 == 3 }

// EnhancedCode returns the RFC 2034 enhanced status code from the first line,
// if any.
func (r *Reply) EnhancedCode() (EnhancedCode, bool) {
	if len(r.Lines) == 0 {
		return EnhancedCode{}, false
	}
	parts := strings.SplitN(r.Lines[0], " ", 2)
	c, err := parseEnhancedCode(parts[0])
	return c, err == nil
}

func parseEnhancedCode(s string) (EnhancedCode, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return EnhancedCode{}, fmt.Errorf("wrong amount of enhanced code parts")
	}

	code := EnhancedCode{}
	for i, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil {
			return code, err
		}
		code[i] = num
	}
	return code, nil
}

// parseLine splits a reply line in the code, the separator, and the text.
func parseLine(line string) (int, byte, string, error) {
	if len(line) < 3 {
		return 0, 0, "", fmt.Errorf("short reply line %q", line)
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, 0, "", fmt.Errorf("no status code in reply line %q", line)
		}
	}
	code, _ := strconv.Atoi(line[:3])
	if len(line) == 3 {
		return code, ' ', "", nil
	}
	sep := line[3]
	if sep != ' ' && sep != '-' {
		return 0, 0, "", fmt.Errorf("bad separator in reply line %q", line)
	}
	return code, sep, line[4:], nil
}

// readReply reads one reply, draining continuation lines ("250-…") until the
// final line ("250 …").
//
// Only the first line's code decides the outcome, but a continuation with a
// different code is malformed.
func readReply(t Transport) (*Reply, error) {
	var r *Reply
	for {
		line, err := t.ReadLine()
		if err != nil {
			return nil, ioError("read reply", err)
		}

		code, sep, text, err := parseLine(line)
		if err != nil {
			return nil, newError(ProtocolError, "read reply", nil, err)
		}
		if r == nil {
			r = &Reply{Code: code}
		} else if code != r.Code {
			return nil, newError(ProtocolError, "read reply", r,
				fmt.Errorf("continuation code %d differs from %d", code, r.Code))
		}
		r.Lines = append(r.Lines, text)

		if sep == ' ' {
			return r, nil
		}
		if len(r.Lines) >= maxReplyLines {
			return nil, newError(ProtocolError, "read reply", r, errors.New("too many reply lines"))
		}
	}
}
