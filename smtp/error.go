package smtp

import (
	"errors"
	"fmt"
	"net"
)

// Kind classifies why a session failed.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	ConnectionFailed
	ProtocolError
	TLSNegotiationRefused
	TLSHandshakeFailed
	AuthNotSupported
	AuthRejectedUsername
	Timeout

	// AuthFailed is only used when sending: the relay credentials were
	// rejected. A rejected password in Session.CheckAuth isn't an error.
	AuthFailed
)

func (k Kind) String() string {
	switch k {
	case ConnectionFailed:
		return "connection failed"
	case ProtocolError:
		return "protocol error"
	case TLSNegotiationRefused:
		return "STARTTLS refused"
	case TLSHandshakeFailed:
		return "TLS handshake failed"
	case AuthNotSupported:
		return "AUTH LOGIN not supported"
	case AuthRejectedUsername:
		return "username rejected"
	case Timeout:
		return "timeout"
	case AuthFailed:
		return "credentials rejected"
	default:
		return "unknown"
	}
}

// Error is returned for every failed session step.
//
// Reply is the server reply that caused the failure, if there was one.
type Error struct {
	Kind  Kind
	Op    string
	Reply *Reply
	Err   error
}

func (e *Error) Error() string {
	msg := "smtp: " + e.Op + ": " + e.Kind.String()
	if e.Reply != nil {
		msg += fmt.Sprintf(" (%d %s)", e.Reply.Code, e.Reply.Text())
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the Kind of err, or KindUnknown if err isn't an *Error.
func KindOf(err error) Kind {
	var smtpErr *Error
	if errors.As(err, &smtpErr) {
		return smtpErr.Kind
	}
	return KindUnknown
}

func newError(k Kind, op string, r *Reply, err error) *Error {
	return &Error{Kind: k, Op: op, Reply: r, Err: err}
}

// ioError classifies a read/write error; timeouts get their own kind, anything
// else on an established stream is a protocol failure.
func ioError(op string, err error) error {
	var smtpErr *Error
	if errors.As(err, &smtpErr) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(Timeout, op, nil, err)
	}
	return newError(ProtocolError, op, nil, err)
}
