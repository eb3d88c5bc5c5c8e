package mailauth

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message creates a plain-text RFC 5322 message.
//
// Lines end with CRLF; the body is encoded as quoted-printable.
func Message(from, to, subject, body string, t time.Time) ([]byte, error) {
	f, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("mailauth.Message: from: %w", err)
	}
	r, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("mailauth.Message: to: %w", err)
	}

	domain := "localhost"
	if i := strings.LastIndexByte(f.Address, '@'); i > -1 {
		domain = f.Address[i+1:]
	}

	msg := new(bytes.Buffer)
	fmt.Fprintf(msg, "From: %s\r\n", f)
	fmt.Fprintf(msg, "To: %s\r\n", r)
	fmt.Fprintf(msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(msg, "Date: %s\r\n", t.Format(time.RFC1123Z))
	fmt.Fprintf(msg, "Message-Id: <mailauth-%s@%s>\r\n", uuid.NewString(), domain)
	msg.WriteString("Mime-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	msg.WriteString("\r\n")

	body = strings.ReplaceAll(body, "\r\n", "\n")
	w := quotedprintable.NewWriter(msg)
	w.Write([]byte(strings.ReplaceAll(body, "\n", "\r\n")))
	w.Close()
	return msg.Bytes(), nil
}
