package smtp

import (
	"bytes"
	"errors"
)

// Envelope is the sender, the recipient, and the message to transmit.
//
// Data should be an RFC 5322 message; line endings may be LF or CRLF.
type Envelope struct {
	From string
	To   string
	Data []byte
}

// Mail sends MAIL FROM.
//
// The reply is returned as-is; it doesn't gate the transaction.
func (c *Client) Mail(from string) (*Reply, error) {
	if c.state != PlainReady && c.state != SecureReady && c.state != AuthOK {
		return nil, c.badState("MAIL")
	}
	c.state = Sending
	return c.cmd("MAIL FROM:<%s>", from)
}

// Rcpt sends RCPT TO.
func (c *Client) Rcpt(to string) (*Reply, error) {
	if c.state != Sending {
		return nil, c.badState("RCPT")
	}
	return c.cmd("RCPT TO:<%s>", to)
}

// Data sends DATA and, only if the server replies with 354, the message
// followed by a line with a single ".".
//
// It returns the reply to the final ".", or the DATA reply if it wasn't 354.
func (c *Client) Data(msg []byte) (*Reply, error) {
	if c.state != Sending {
		return nil, c.badState("DATA")
	}

	r, err := c.cmd("DATA")
	if err != nil {
		return nil, err
	}
	if r.Code != codeStartData {
		return r, newError(ProtocolError, "DATA", r, errors.New("message not accepted"))
	}

	for _, line := range dotLines(msg) {
		if err := c.t.WriteLine(line); err != nil {
			return nil, err
		}
	}
	r, err = c.cmd(".")
	if err != nil {
		return nil, err
	}
	c.state = Sent
	return r, nil
}

// dotLines splits msg in lines and escapes lines starting with a "." (RFC
// 5321 section 4.5.2).
func dotLines(msg []byte) []string {
	msg = bytes.ReplaceAll(msg, []byte("\r\n"), []byte("\n"))
	msg = bytes.ReplaceAll(msg, []byte("\r"), []byte("\n"))
	msg = bytes.TrimSuffix(msg, []byte("\n"))
	if len(msg) == 0 {
		return nil
	}

	split := bytes.Split(msg, []byte("\n"))
	lines := make([]string, len(split))
	for i, l := range split {
		if len(l) > 0 && l[0] == '.' {
			lines[i] = "." + string(l)
		} else {
			lines[i] = string(l)
		}
	}
	return lines
}
