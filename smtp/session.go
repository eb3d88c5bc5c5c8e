package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults for a Session.
const (
	DefaultPort    = "587"
	DefaultTimeout = 30 * time.Second
)

// DialFunc opens a Transport to addr.
type DialFunc func(ctx context.Context, addr string, timeout time.Duration) (Transport, error)

type (
	Opt     func(*options)
	options struct {
		port       string
		timeout    time.Duration
		localName  string
		requireTLS bool
		tls        *tls.Config
		log        *zap.Logger
		debug      io.Writer
		dial       DialFunc
	}
)

// WithPort sets the port to use for hosts without one; default is 587.
func WithPort(v string) Opt { return func(o *options) { o.port = v } }

// WithTimeout sets the dial and per-read/write timeout; default is 30s.
func WithTimeout(v time.Duration) Opt { return func(o *options) { o.timeout = v } }

// WithLocalName sets the EHLO name; default is the hostname.
func WithLocalName(v string) Opt { return func(o *options) { o.localName = v } }

// WithRequireTLS sets whether to upgrade with STARTTLS before anything else.
func WithRequireTLS(v bool) Opt { return func(o *options) { o.requireTLS = v } }

// WithTLS sets the tls config used for STARTTLS.
func WithTLS(v *tls.Config) Opt { return func(o *options) { o.tls = v } }

// WithLogger sets the logger.
func WithLogger(v *zap.Logger) Opt { return func(o *options) { o.log = v } }

// WithDebug writes the full transcript to w. Credentials are redacted.
func WithDebug(w io.Writer) Opt { return func(o *options) { o.debug = w } }

// WithDialer sets the function to open transports with.
func WithDialer(v DialFunc) Opt { return func(o *options) { o.dial = v } }

var (
	hostname     sync.Once
	hostnameName = "localhost"
)

func newOptions(opts []Opt) options {
	o := options{
		port:    DefaultPort,
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
		dial:    dialConn,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.localName == "" {
		hostname.Do(func() {
			if h, err := os.Hostname(); err == nil && h != "" {
				hostnameName = h
			}
		})
		o.localName = hostnameName
	}
	return o
}

func dialConn(ctx context.Context, addr string, timeout time.Duration) (Transport, error) {
	c, err := Open(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Credentials to log in to a relay with.
type Credentials struct {
	Username, Password string
}

// Session runs one-shot SMTP sessions; every call opens its own connection
// and closes it before returning.
type Session struct {
	opts []Opt
	o    options
}

// NewSession creates a new Session.
func NewSession(opts ...Opt) *Session {
	return &Session{opts: opts, o: newOptions(opts)}
}

// Authenticate reports if username and password are accepted by the server at
// host.
//
// Every failure is logged and reported as false; use CheckAuth to get the
// error.
func (s *Session) Authenticate(ctx context.Context, host, username, password string) bool {
	ok, err := s.CheckAuth(ctx, host, username, password)
	if err != nil {
		s.o.log.Warn("smtp auth failed",
			zap.String("host", host),
			zap.Stringer("kind", KindOf(err)),
			zap.Error(err))
	}
	return ok
}

// CheckAuth is like Authenticate, but also returns the error.
//
// A rejected password returns false and a nil error.
func (s *Session) CheckAuth(ctx context.Context, host, username, password string) (bool, error) {
	var ok bool
	err := s.run(ctx, host, "auth", func(c *Client) error {
		var err error
		ok, err = c.Auth(username, password)
		return err
	})
	return ok, err
}

// Deliver sends env through host, logging in first if cred.Username is set.
//
// Every failure is logged and reported as false; use Send to get the error.
func (s *Session) Deliver(ctx context.Context, host string, cred Credentials, env Envelope) bool {
	err := s.Send(ctx, host, cred, env)
	if err != nil {
		s.o.log.Warn("smtp delivery failed",
			zap.String("host", host),
			zap.String("to", env.To),
			zap.Stringer("kind", KindOf(err)),
			zap.Error(err))
	}
	return err == nil
}

// Send is like Deliver, but returns the error.
//
// The MAIL and RCPT replies are read but not checked; it's the DATA reply
// that decides if the message is sent, and the reply to the final "." that
// decides if it was accepted.
func (s *Session) Send(ctx context.Context, host string, cred Credentials, env Envelope) error {
	return s.run(ctx, host, "deliver", func(c *Client) error {
		if cred.Username != "" {
			ok, err := c.Auth(cred.Username, cred.Password)
			if err != nil {
				return err
			}
			if !ok {
				return newError(AuthFailed, "AUTH", nil, nil)
			}
		}

		if r, err := c.Mail(env.From); err != nil {
			return err
		} else if !r.Positive() {
			c.log.Debug("MAIL not accepted", zap.Int("code", r.Code), zap.String("reply", r.Text()))
		}
		if r, err := c.Rcpt(env.To); err != nil {
			return err
		} else if !r.Positive() {
			c.log.Debug("RCPT not accepted", zap.Int("code", r.Code), zap.String("reply", r.Text()))
		}

		r, err := c.Data(env.Data)
		if err != nil {
			return err
		}
		if r.Code/100 != 2 {
			return newError(ProtocolError, "DATA", r, errors.New("message rejected"))
		}
		return nil
	})
}

// run connects to host, says EHLO, upgrades to TLS if required, and runs fn.
// The connection is always closed when it returns.
func (s *Session) run(ctx context.Context, host, what string, fn func(*Client) error) (err error) {
	addr := host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		addr = net.JoinHostPort(host, s.o.port)
	}
	serverName, _, _ := net.SplitHostPort(addr)

	log := s.o.log.With(
		zap.String("session", uuid.NewString()),
		zap.String("addr", addr),
		zap.String("op", what))

	t, err := s.o.dial(ctx, addr, s.o.timeout)
	if err != nil {
		var smtpErr *Error
		if !errors.As(err, &smtpErr) {
			err = newError(ConnectionFailed, "dial "+addr, nil, err)
		}
		return err
	}

	// Closing the transport unblocks any read or write in progress.
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer func() {
		stop()
		if err != nil && ctx.Err() != nil {
			err = newError(Timeout, what, nil, fmt.Errorf("%w (%s)", ctx.Err(), err))
		}
	}()

	opts := append(append(make([]Opt, 0, len(s.opts)+1), s.opts...), WithLogger(log))
	c, err := NewClient(t, serverName, opts...)
	if err != nil {
		return err
	}
	defer c.Quit()

	if err := c.Hello(); err != nil {
		return err
	}
	if s.o.requireTLS {
		if err := c.StartTLS(s.o.tls); err != nil {
			return err
		}
	}

	err = fn(c)
	log.Debug("session done", zap.Stringer("state", c.State()), zap.Bool("tls", c.TLS()))
	return err
}
