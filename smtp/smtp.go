// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package smtp implements the client side of a short SMTP session as defined
// in RFC 5321: greeting, EHLO, STARTTLS (RFC 3207), AUTH LOGIN, and a single
// mail transaction.
//
// A Client is used for exactly one session and is never reused after Quit or
// Close.
package smtp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// State of a session.
type State int

// Session states.
const (
	Disconnected State = iota
	Connected
	Greeted
	PlainReady
	SecureReady
	Authenticating
	AuthOK
	AuthRejected
	Sending
	Sent
	Closed
)

func (s State) String() string {
	return [...]string{"disconnected", "connected", "greeted", "plain-ready",
		"secure-ready", "authenticating", "auth-ok", "auth-failed", "sending",
		"sent", "closed"}[s]
}

// A Client represents a client connection to an SMTP server.
type Client struct {
	t          *tracer
	serverName string            // TLS servername.
	localName  string            // The name to use in EHLO.
	tls        bool              // TLS enabled?
	ext        map[string]string // Map of supported extensions.
	state      State
	noQuit     bool // Don't write anything any more; just close.
	log        *zap.Logger
}

// NewClient reads the greeting from t and returns a Client.
//
// If the greeting isn't 220 the transport is closed and nothing is written;
// the error will be a ProtocolError.
func NewClient(t Transport, serverName string, opts ...Opt) (*Client, error) {
	o := newOptions(opts)
	c := &Client{
		t:          &tracer{Transport: t, w: o.debug},
		serverName: serverName,
		localName:  o.localName,
		state:      Connected,
		log:        o.log,
	}

	r, err := c.readReply()
	if err != nil {
		c.Close()
		return nil, err
	}
	if r.Code != codeReady {
		c.Close()
		return nil, newError(ProtocolError, "greeting", r, nil)
	}
	c.state = Greeted
	return c, nil
}

// State returns the current session state.
func (c *Client) State() State { return c.state }

// TLS reports if STARTTLS succeeded.
func (c *Client) TLS() bool { return c.tls }

// Hello sends EHLO.
//
// The reply is read in full but not checked; the extensions are recorded if
// it's a 250.
func (c *Client) Hello() error {
	if c.state != Greeted && c.state != PlainReady && c.state != SecureReady {
		return c.badState("EHLO")
	}

	r, err := c.cmd("EHLO %s", c.localName)
	if err != nil {
		return err
	}

	c.ext = nil
	if r.Code == codeOK && len(r.Lines) > 1 {
		c.ext = make(map[string]string)
		for _, line := range r.Lines[1:] {
			args := strings.SplitN(line, " ", 2)
			if len(args) > 1 {
				c.ext[strings.ToUpper(args[0])] = args[1]
			} else {
				c.ext[strings.ToUpper(args[0])] = ""
			}
		}
	}

	c.state = PlainReady
	if c.tls {
		c.state = SecureReady
	}
	return nil
}

// Extension reports whether an extension is support by the server.
//
// The extension name is case-insensitive. If the extension is supported,
// Extension also returns a string that contains any parameters the server
// specifies for the extension.
func (c *Client) Extension(ext string) (bool, string) {
	if c.ext == nil {
		return false, ""
	}
	param, ok := c.ext[strings.ToUpper(ext)]
	return ok, param
}

// StartTLS sends the STARTTLS command, upgrades the connection, and sends EHLO
// again.
//
// A failed handshake is fatal: the client won't write anything after it, and
// the only thing left to do is Close.
func (c *Client) StartTLS(config *tls.Config) error {
	if c.state != PlainReady {
		return c.badState("STARTTLS")
	}

	r, err := c.cmd("STARTTLS")
	if err != nil {
		return err
	}
	if r.Code != codeReady {
		return newError(TLSNegotiationRefused, "STARTTLS", r, nil)
	}

	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config = config.Clone() // Copy to avoid modifying the argument.
		config.ServerName = c.serverName
	}
	if testHookStartTLS != nil {
		testHookStartTLS(config)
	}

	if err := c.t.UpgradeTLS(config); err != nil {
		c.noQuit = true
		var smtpErr *Error
		if errors.As(err, &smtpErr) && smtpErr.Kind == TLSHandshakeFailed {
			return err
		}
		return newError(TLSHandshakeFailed, "STARTTLS", nil, err)
	}
	c.tls = true
	c.t.trace("-- TLS established")
	return c.Hello()
}

// Quit sends QUIT and closes the connection.
//
// Errors from QUIT are ignored; the connection is always closed. It's a no-op
// on a client that's already closed.
func (c *Client) Quit() {
	if c.state == Closed {
		return
	}
	if !c.noQuit && c.state >= Greeted {
		_, _ = c.cmd("QUIT")
	}
	c.Close()
}

// Close closes the connection without sending QUIT.
func (c *Client) Close() error {
	if c.state == Closed {
		return nil
	}
	c.state = Closed
	return c.t.Close()
}

func (c *Client) badState(cmd string) error {
	return newError(ProtocolError, cmd, nil, fmt.Errorf("not allowed in state %s", c.state))
}

// cmd sends a command and reads the reply.
func (c *Client) cmd(format string, args ...interface{}) (*Reply, error) {
	if c.noQuit || c.state == Closed {
		return nil, newError(ProtocolError, "write", nil, errClosed)
	}
	if err := c.t.WriteLine(fmt.Sprintf(format, args...)); err != nil {
		return nil, err
	}
	return c.readReply()
}

// secret is like cmd, but the line is redacted from the transcript.
func (c *Client) secret(line string) (*Reply, error) {
	c.t.redact = true
	defer func() { c.t.redact = false }()
	return c.cmd("%s", line)
}

func (c *Client) readReply() (*Reply, error) {
	return readReply(c.t)
}

var testHookStartTLS func(*tls.Config) // nil, except for tests

// tracer writes a transcript of the session if w is set.
type tracer struct {
	Transport
	w      io.Writer
	redact bool
}

func (t *tracer) trace(line string) {
	if t.w != nil {
		fmt.Fprintln(t.w, line)
	}
}

func (t *tracer) ReadLine() (string, error) {
	l, err := t.Transport.ReadLine()
	if err == nil {
		t.trace("SERVER  " + l)
	}
	return l, err
}

func (t *tracer) WriteLine(l string) error {
	if t.redact {
		t.trace("CLIENT  [redacted]")
	} else {
		t.trace("CLIENT  " + l)
	}
	return t.Transport.WriteLine(l)
}
