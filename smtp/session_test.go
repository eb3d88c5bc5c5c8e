package smtp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"zgo.at/ztest"
)

const (
	user64 = "dXNlckBleGFtcGxlLmNvbQ==" // user@example.com
	pass64 = "aHVudGVyMg=="             // hunter2
)

func newTestSession(f *fakeTransport, opts ...Opt) *Session {
	return NewSession(append([]Opt{WithDialer(f.dial), WithLocalName("client.example")}, opts...)...)
}

func TestCheckAuth(t *testing.T) {
	tests := []struct {
		final  string
		wantOK bool
	}{
		{"235 2.7.0 Authentication successful", true},
		{"235", true},
		{"535 5.7.8 Authentication credentials invalid", false},
		{"454 4.7.0 Temporary authentication failure", false},
		{"250 OK", false},
		{"334 UGFzc3dvcmQ6", false},
	}

	for _, tt := range tests {
		t.Run(tt.final, func(t *testing.T) {
			f := newFake(
				"220 mx.example.com ESMTP",
				"250-mx.example.com",
				"250 AUTH LOGIN PLAIN",
				"334 VXNlcm5hbWU6",
				"334 UGFzc3dvcmQ6",
				tt.final,
				"221 Bye")

			ok, err := newTestSession(f).CheckAuth(context.Background(), "mx.example.com", "user@example.com", "hunter2")
			if err != nil {
				t.Fatal(err)
			}
			if ok != tt.wantOK {
				t.Errorf("ok = %t; want %t", ok, tt.wantOK)
			}

			want := []string{"EHLO client.example", "AUTH LOGIN", user64, pass64, "QUIT"}
			if d := ztest.Diff(strings.Join(f.written, "\n"), strings.Join(want, "\n")); d != "" {
				t.Error(d)
			}
			if f.closes != 1 {
				t.Errorf("closes = %d; want 1", f.closes)
			}
		})
	}
}

func TestAuthenticateGreeting(t *testing.T) {
	tests := []struct {
		name    string
		replies []string
	}{
		{"rejected", []string{"554 5.3.2 Go away"}},
		{"not smtp", []string{"SSH-2.0-OpenSSH_9.6"}},
		{"no greeting", nil},
		{"busy", []string{"421-too busy", "421 try later"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFake(tt.replies...)
			s := newTestSession(f)

			if s.Authenticate(context.Background(), "mx.example.com", "u", "p") {
				t.Fatal("Authenticate returned true")
			}
			if f.closes != 1 {
				t.Errorf("closes = %d; want 1", f.closes)
			}
			if len(f.written) != 0 {
				t.Errorf("wrote %q after bad greeting", f.written)
			}

			f = newFake(tt.replies...)
			_, err := newTestSession(f).CheckAuth(context.Background(), "mx.example.com", "u", "p")
			if k := KindOf(err); k != ProtocolError {
				t.Errorf("kind = %s; want %s (%v)", k, ProtocolError, err)
			}
		})
	}
}

func TestCheckAuthErrors(t *testing.T) {
	tests := []struct {
		name     string
		replies  []string
		wantKind Kind
		wantErr  string
		written  string
	}{
		{
			"no auth login",
			[]string{"220 hi", "250 mx.example.com", "504 5.5.4 Unrecognized authentication type", "221 Bye"},
			AuthNotSupported, "504",
			"EHLO client.example\nAUTH LOGIN\nQUIT",
		},
		{
			"username rejected",
			[]string{"220 hi", "250 mx.example.com", "334 VXNlcm5hbWU6", "535 5.7.8 No such user", "221 Bye"},
			AuthRejectedUsername, "No such user",
			"EHLO client.example\nAUTH LOGIN\n" + user64 + "\nQUIT",
		},
		{
			"unknown password prompt",
			[]string{"220 hi", "250 mx.example.com", "334 VXNlcm5hbWU6", "334 U2VjcmV0Og==", "501 cancelled", "221 Bye"},
			ProtocolError, "unexpected server challenge",
			"EHLO client.example\nAUTH LOGIN\n" + user64 + "\n*\nQUIT",
		},
		{
			"connection dropped",
			[]string{"220 hi", "250 mx.example.com", "334 VXNlcm5hbWU6"},
			ProtocolError, "EOF",
			"EHLO client.example\nAUTH LOGIN\n" + user64 + "\nQUIT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFake(tt.replies...)
			ok, err := newTestSession(f).CheckAuth(context.Background(), "mx.example.com", "user@example.com", "hunter2")
			if ok {
				t.Error("ok is true")
			}
			if k := KindOf(err); k != tt.wantKind {
				t.Errorf("kind = %s; want %s (%v)", k, tt.wantKind, err)
			}
			if !ztest.ErrorContains(err, tt.wantErr) {
				t.Errorf("wrong error\nhave: %v\nwant: %s", err, tt.wantErr)
			}
			if d := ztest.Diff(strings.Join(f.written, "\n"), tt.written); d != "" {
				t.Error(d)
			}
			if f.closes != 1 {
				t.Errorf("closes = %d; want 1", f.closes)
			}
		})
	}
}

func TestStartTLS(t *testing.T) {
	t.Run("refused", func(t *testing.T) {
		f := newFake(
			"220 hi",
			"250 mx.example.com",
			"454 4.7.0 TLS not available",
			"221 Bye")

		ok, err := newTestSession(f, WithRequireTLS(true)).CheckAuth(context.Background(), "mx.example.com", "u", "p")
		if ok {
			t.Error("ok is true")
		}
		if k := KindOf(err); k != TLSNegotiationRefused {
			t.Errorf("kind = %s; want %s (%v)", k, TLSNegotiationRefused, err)
		}
		if f.upgrades != 0 {
			t.Errorf("upgrades = %d; want 0", f.upgrades)
		}
		if f.count("AUTH") != 0 {
			t.Errorf("sent AUTH after refused STARTTLS: %q", f.written)
		}
	})

	t.Run("one EHLO after upgrade", func(t *testing.T) {
		f := newFake(
			"220 hi",
			"250-mx.example.com",
			"250 STARTTLS",
			"220 2.0.0 Ready to start TLS",
			"250-mx.example.com",
			"250 AUTH LOGIN",
			"334 VXNlcm5hbWU6",
			"334 UGFzc3dvcmQ6",
			"235 ok",
			"221 Bye")

		ok, err := newTestSession(f, WithRequireTLS(true)).CheckAuth(context.Background(), "mx.example.com", "user@example.com", "hunter2")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("ok is false")
		}
		if f.upgrades != 1 {
			t.Errorf("upgrades = %d; want 1", f.upgrades)
		}

		var before, after int
		for i, l := range f.written {
			if !strings.HasPrefix(l, "EHLO ") {
				continue
			}
			if f.writtenTLS[i] {
				after++
			} else {
				before++
			}
		}
		if before != 1 || after != 1 {
			t.Errorf("EHLO before TLS = %d, after = %d; want 1 and 1\n%q", before, after, f.written)
		}
		for i, l := range f.written {
			if (strings.HasPrefix(l, "AUTH") || l == user64 || l == pass64) && !f.writtenTLS[i] {
				t.Errorf("%q sent in plain text", l)
			}
		}
	})

	t.Run("handshake failure", func(t *testing.T) {
		f := newFake(
			"220 hi",
			"250 mx.example.com",
			"220 go ahead",
			"250 mx.example.com",
			"221 Bye")
		f.upgradeErr = errors.New("remote error: tls: handshake failure")

		ok, err := newTestSession(f, WithRequireTLS(true)).CheckAuth(context.Background(), "mx.example.com", "u", "p")
		if ok {
			t.Error("ok is true")
		}
		if k := KindOf(err); k != TLSHandshakeFailed {
			t.Errorf("kind = %s; want %s (%v)", k, TLSHandshakeFailed, err)
		}
		if d := ztest.Diff(strings.Join(f.written, "\n"), "EHLO client.example\nSTARTTLS"); d != "" {
			t.Error(d)
		}
		if f.closes != 1 {
			t.Errorf("closes = %d; want 1", f.closes)
		}
	})

	t.Run("not required", func(t *testing.T) {
		f := newFake(
			"220 hi",
			"250-mx.example.com",
			"250 STARTTLS",
			"334 VXNlcm5hbWU6",
			"334 UGFzc3dvcmQ6",
			"235 ok",
			"221 Bye")

		ok, err := newTestSession(f).CheckAuth(context.Background(), "mx.example.com", "user@example.com", "hunter2")
		if err != nil || !ok {
			t.Fatalf("ok=%t err=%v", ok, err)
		}
		if f.count("STARTTLS") != 0 {
			t.Errorf("sent STARTTLS: %q", f.written)
		}
	})
}

// Multi-line replies are drained in full; reading only the first line would
// answer AUTH LOGIN with the rest of the EHLO reply.
func TestMultilineDrain(t *testing.T) {
	f := newFake(
		"220-mx.example.com ESMTP",
		"220-no UCE",
		"220 welcome",
		"250-mx.example.com",
		"250-PIPELINING",
		"250-SIZE 35882577",
		"250-8BITMIME",
		"250-STARTTLS",
		"250-AUTH LOGIN PLAIN XOAUTH2",
		"250 SMTPUTF8",
		"220 ready",
		"250-mx.example.com",
		"250-SIZE 35882577",
		"250 AUTH LOGIN",
		"334 VXNlcm5hbWU6",
		"334 UGFzc3dvcmQ6",
		"235 ok",
		"221-closing",
		"221 bye")

	ok, err := newTestSession(f, WithRequireTLS(true)).CheckAuth(context.Background(), "mx.example.com", "user@example.com", "hunter2")
	if err != nil || !ok {
		t.Fatalf("ok=%t err=%v", ok, err)
	}

	want := []string{"EHLO client.example", "STARTTLS", "EHLO client.example", "AUTH LOGIN", user64, pass64, "QUIT"}
	if d := ztest.Diff(strings.Join(f.written, "\n"), strings.Join(want, "\n")); d != "" {
		t.Error(d)
	}
	if len(f.replies) != 0 {
		t.Errorf("unread replies: %q", f.replies)
	}
}

func TestDeliver(t *testing.T) {
	env := Envelope{
		From: "gate@example.com",
		To:   "admin@example.com",
		Data: []byte("Subject: hello\r\n\r\nline one\r\n.hidden\r\n..two\r\nlast\r\n"),
	}

	tests := []struct {
		name     string
		cred     Credentials
		replies  []string
		wantOK   bool
		wantKind Kind
		written  []string
	}{
		{
			"accepted",
			Credentials{"user@example.com", "hunter2"},
			[]string{"220 hi", "250 AUTH LOGIN", "334 VXNlcm5hbWU6", "334 UGFzc3dvcmQ6", "235 ok",
				"250 sender ok", "250 rcpt ok", "354 go ahead", "250 2.0.0 queued as 1234", "221 Bye"},
			true, KindUnknown,
			[]string{"EHLO client.example", "AUTH LOGIN", user64, pass64,
				"MAIL FROM:<gate@example.com>", "RCPT TO:<admin@example.com>", "DATA",
				"Subject: hello", "", "line one", "..hidden", "...two", "last", ".", "QUIT"},
		},
		{
			"no auth",
			Credentials{},
			[]string{"220 hi", "250 ok", "250 sender ok", "250 rcpt ok", "354 go ahead", "250 queued", "221 Bye"},
			true, KindUnknown,
			[]string{"EHLO client.example", "MAIL FROM:<gate@example.com>", "RCPT TO:<admin@example.com>", "DATA",
				"Subject: hello", "", "line one", "..hidden", "...two", "last", ".", "QUIT"},
		},
		{
			"DATA refused",
			Credentials{},
			[]string{"220 hi", "250 ok", "250 sender ok", "550 no such user", "554 no valid recipients", "221 Bye"},
			false, ProtocolError,
			[]string{"EHLO client.example", "MAIL FROM:<gate@example.com>", "RCPT TO:<admin@example.com>", "DATA", "QUIT"},
		},
		{
			"message rejected",
			Credentials{},
			[]string{"220 hi", "250 ok", "250 sender ok", "250 rcpt ok", "354 go ahead", "552 too big", "221 Bye"},
			false, ProtocolError,
			[]string{"EHLO client.example", "MAIL FROM:<gate@example.com>", "RCPT TO:<admin@example.com>", "DATA",
				"Subject: hello", "", "line one", "..hidden", "...two", "last", ".", "QUIT"},
		},
		{
			"relay credentials rejected",
			Credentials{"user@example.com", "wrong"},
			[]string{"220 hi", "250 AUTH LOGIN", "334 VXNlcm5hbWU6", "334 UGFzc3dvcmQ6", "535 nope", "221 Bye"},
			false, AuthFailed,
			[]string{"EHLO client.example", "AUTH LOGIN", user64, "d3Jvbmc=", "QUIT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFake(tt.replies...)
			s := newTestSession(f)

			err := s.Send(context.Background(), "mx.example.com", tt.cred, env)
			if (err == nil) != tt.wantOK {
				t.Fatalf("err = %v; want ok=%t", err, tt.wantOK)
			}
			if k := KindOf(err); k != tt.wantKind {
				t.Errorf("kind = %s; want %s (%v)", k, tt.wantKind, err)
			}
			if d := ztest.Diff(strings.Join(f.written, "\n"), strings.Join(tt.written, "\n")); d != "" {
				t.Error(d)
			}
			if f.closes != 1 {
				t.Errorf("closes = %d; want 1", f.closes)
			}

			f = newFake(tt.replies...)
			if have := newTestSession(f).Deliver(context.Background(), "mx.example.com", tt.cred, env); have != tt.wantOK {
				t.Errorf("Deliver = %t; want %t", have, tt.wantOK)
			}
		})
	}
}

func TestSessionAddr(t *testing.T) {
	tests := []struct {
		host string
		opts []Opt
		want string
	}{
		{"mx.example.com", nil, "mx.example.com:587"},
		{"mx.example.com:25", nil, "mx.example.com:25"},
		{"mx.example.com", []Opt{WithPort("2525")}, "mx.example.com:2525"},
		{"::1", nil, "[::1]:587"},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			var have string
			dial := func(_ context.Context, addr string, _ time.Duration) (Transport, error) {
				have = addr
				return nil, fmt.Errorf("refused")
			}
			_, err := NewSession(append(tt.opts, WithDialer(dial))...).CheckAuth(context.Background(), tt.host, "u", "p")
			if k := KindOf(err); k != ConnectionFailed {
				t.Errorf("kind = %s; want %s (%v)", k, ConnectionFailed, err)
			}
			if have != tt.want {
				t.Errorf("\nhave: %q\nwant: %q", have, tt.want)
			}
		})
	}
}

func TestDotLines(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"\r\n", nil},
		{"a", []string{"a"}},
		{"a\nb\n", []string{"a", "b"}},
		{"a\r\nb\rc", []string{"a", "b", "c"}},
		{".\n..\nx.y", []string{"..", "...", "x.y"}},
		{"a\n\nb", []string{"a", "", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			have := dotLines([]byte(tt.in))
			if d := ztest.Diff(strings.Join(have, "|"), strings.Join(tt.want, "|")); d != "" || len(have) != len(tt.want) {
				t.Errorf("%q\n%s", have, d)
			}
		})
	}
}
