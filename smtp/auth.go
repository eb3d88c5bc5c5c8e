package smtp

import (
	"encoding/base64"

	"github.com/emersion/go-sasl"
)

// Auth runs AUTH LOGIN with username and password.
//
// A rejected password is not an error: it returns false and a nil error. Only
// an exact 235 counts as success. Errors are returned for everything else that
// goes wrong: AuthNotSupported if AUTH LOGIN isn't answered with 334,
// AuthRejectedUsername if the username isn't, and ProtocolError or Timeout for
// broken replies.
func (c *Client) Auth(username, password string) (bool, error) {
	if c.state != PlainReady && c.state != SecureReady {
		return false, c.badState("AUTH")
	}
	c.state = Authenticating

	ok, err := c.auth(sasl.NewLoginClient(username, password))
	if ok {
		c.state = AuthOK
	} else {
		c.state = AuthRejected
	}
	return ok, err
}

func (c *Client) auth(a sasl.Client) (bool, error) {
	encoding := base64.StdEncoding

	mech, ir, err := a.Start()
	if err != nil {
		return false, newError(ProtocolError, "AUTH", nil, err)
	}

	// Some servers don't accept the initial response on the AUTH line, so
	// always wait for the username challenge.
	r, err := c.cmd("AUTH %s", mech)
	if err != nil {
		return false, err
	}
	if r.Code != codeAuthContinue {
		return false, newError(AuthNotSupported, "AUTH "+mech, r, nil)
	}

	r, err = c.secret(encoding.EncodeToString(ir))
	if err != nil {
		return false, err
	}
	if r.Code != codeAuthContinue {
		return false, newError(AuthRejectedUsername, "AUTH "+mech, r, nil)
	}

	var challenge []byte
	if len(r.Lines) > 0 {
		challenge, err = encoding.DecodeString(r.Lines[0])
		if err != nil {
			c.abortAuth()
			return false, newError(ProtocolError, "AUTH "+mech, r, err)
		}
	}
	resp, err := a.Next(challenge)
	if err != nil {
		// Password prompt other than "Password:".
		c.abortAuth()
		return false, newError(ProtocolError, "AUTH "+mech, r, err)
	}

	r, err = c.secret(encoding.EncodeToString(resp))
	if err != nil {
		return false, err
	}
	return r.Code == codeAuthOK, nil
}

// abortAuth cancels the exchange with "*" (RFC 4954 section 4).
func (c *Client) abortAuth() { _, _ = c.cmd("*") }
