package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is a line-oriented connection to a SMTP server.
type Transport interface {
	// ReadLine reads one line without the trailing CRLF.
	ReadLine() (string, error)

	// WriteLine writes line followed by CRLF.
	WriteLine(line string) error

	// UpgradeTLS runs a TLS client handshake on the connection. It may be
	// called only once; after a failure the Transport is unusable.
	UpgradeTLS(config *tls.Config) error

	// Close closes the connection; it's safe to call more than once.
	Close() error
}

var (
	errUnusable    = errors.New("transport unusable after failed TLS handshake")
	errClosed      = errors.New("transport closed")
	errUpgradeOnce = errors.New("TLS upgrade already attempted")
)

// Conn is the Transport for a net.Conn.
type Conn struct {
	mu       sync.Mutex
	raw      net.Conn
	conn     net.Conn // Either raw or the TLS connection on top of it.
	text     *textproto.Conn
	timeout  time.Duration
	upgraded bool // UpgradeTLS was called.
	broken   bool // Handshake failed.

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

var _ Transport = (*Conn)(nil)

// Open connects to addr ("host:port").
//
// The timeout applies to the dial and to every following read and write.
func Open(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, newError(Timeout, "dial "+addr, nil, err)
		}
		return nil, newError(ConnectionFailed, "dial "+addr, nil, err)
	}
	return NewConn(nc, timeout), nil
}

// NewConn uses an existing connection.
func NewConn(nc net.Conn, timeout time.Duration) *Conn {
	return &Conn{raw: nc, conn: nc, text: textproto.NewConn(nc), timeout: timeout}
}

// TLS reports if the connection has been upgraded.
func (c *Conn) TLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conn.(*tls.Conn)
	return ok
}

func (c *Conn) usable() error {
	if c.closed.Load() {
		return errClosed
	}
	if c.broken {
		return errUnusable
	}
	return nil
}

func (c *Conn) deadline() {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

func (c *Conn) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return "", newError(ProtocolError, "read", nil, err)
	}

	c.deadline()
	line, err := c.text.ReadLine()
	if err != nil {
		return "", ioError("read", err)
	}
	return line, nil
}

func (c *Conn) WriteLine(line string) error {
	if err := validateLine(line); err != nil {
		return newError(ProtocolError, "write", nil, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return newError(ProtocolError, "write", nil, err)
	}

	c.deadline()
	if err := c.text.PrintfLine("%s", line); err != nil {
		return ioError("write", err)
	}
	return nil
}

func (c *Conn) UpgradeTLS(config *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return newError(TLSHandshakeFailed, "starttls", nil, err)
	}
	if c.upgraded {
		return newError(TLSHandshakeFailed, "starttls", nil, errUpgradeOnce)
	}
	c.upgraded = true

	if config == nil {
		config = &tls.Config{}
	}
	tc := tls.Client(c.conn, config)
	c.deadline()
	if err := tc.Handshake(); err != nil {
		c.broken = true
		return newError(TLSHandshakeFailed, "starttls", nil, err)
	}

	// Anything the server sent before the handshake and that's still buffered
	// in the old reader is dropped here.
	c.conn = tc
	c.text = textproto.NewConn(tc)
	return nil
}

// Close closes the connection. It doesn't take the lock, so it can be used to
// abort a blocked read from another goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// validateLine checks to see if a line has CR or LF as per RFC 5321.
func validateLine(line string) error {
	if strings.ContainsAny(line, "\n\r") {
		return errors.New("smtp: A line must not contain CR or LF")
	}
	return nil
}
