// Package smtptest contains helpers for SMTP tests.
package smtptest

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"
)

// Server answers one SMTP session.
type Server struct {
	// Addr to connect to.
	Addr string

	// Done is closed when the session is over.
	Done <-chan struct{}

	// Data gets every message, with lines joined by "\n". Dots aren't
	// unescaped.
	Data <-chan string
}

// Options for a Server.
type Options struct {
	// Offer STARTTLS with this config if set.
	TLS *tls.Config

	// Reject the password if set.
	RejectAuth bool

	// Reply after the final "."; default "250 2.0.0 Ok: queued".
	DataReply string
}

// NewServer starts a server on the loopback interface.
func NewServer(t *testing.T, opt Options) *Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		if l, err = net.Listen("tcp6", "[::1]:0"); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() { l.Close() })

	if opt.DataReply == "" {
		opt.DataReply = "250 2.0.0 Ok: queued"
	}

	var (
		done = make(chan struct{})
		data = make(chan string, 4)
	)
	go func() {
		defer close(done)
		var c net.Conn
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		fmt.Fprint(c, "220 localhost ESMTP ready\r\n")
		var (
			s        = bufio.NewScanner(c)
			secure   bool
			authStep int
			inData   bool
			msg      strings.Builder
		)
		for s.Scan() {
			line := s.Text()
			switch {
			case inData:
				if line == "." {
					inData = false
					data <- msg.String()
					msg.Reset()
					fmt.Fprint(c, opt.DataReply+"\r\n")
					continue
				}
				msg.WriteString(line + "\n")
			case authStep == 1:
				authStep = 2
				fmt.Fprint(c, "334 UGFzc3dvcmQ6\r\n")
			case authStep == 2:
				authStep = 0
				if opt.RejectAuth {
					fmt.Fprint(c, "535 5.7.8 Authentication credentials invalid\r\n")
				} else {
					fmt.Fprint(c, "235 2.7.0 Authentication successful\r\n")
				}
			case strings.HasPrefix(line, "EHLO "):
				fmt.Fprint(c, "250-localhost\r\n")
				if opt.TLS != nil && !secure {
					fmt.Fprint(c, "250-STARTTLS\r\n")
				}
				fmt.Fprint(c, "250 AUTH LOGIN\r\n")
			case line == "STARTTLS" && opt.TLS != nil:
				fmt.Fprint(c, "220 2.0.0 Ready to start TLS\r\n")
				tc := tls.Server(c, opt.TLS)
				if err := tc.Handshake(); err != nil {
					return
				}
				c, s, secure = tc, bufio.NewScanner(tc), true
			case line == "AUTH LOGIN":
				authStep = 1
				fmt.Fprint(c, "334 VXNlcm5hbWU6\r\n")
			case strings.HasPrefix(line, "MAIL FROM:"), strings.HasPrefix(line, "RCPT TO:"):
				fmt.Fprint(c, "250 2.1.0 Ok\r\n")
			case line == "DATA":
				inData = true
				fmt.Fprint(c, "354 End data with <CR><LF>.<CR><LF>\r\n")
			case line == "QUIT":
				fmt.Fprint(c, "221 2.0.0 Bye\r\n")
				return
			default:
				fmt.Fprint(c, "502 5.5.2 Error: command not recognized\r\n")
			}
		}
	}()

	return &Server{Addr: l.Addr().String(), Done: done, Data: data}
}

// Cert creates a self-signed certificate for 127.0.0.1, ::1, and example.com,
// and a pool that trusts it.
func Cert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "example.com"},
		DNSNames:              []string{"example.com"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, pool
}

// Normalize removes leading newlines and all tabs, for writing transcripts
// as indented raw strings.
func Normalize(s string) string {
	return strings.ReplaceAll(strings.TrimLeft(s, "\n"), "\t", "")
}
