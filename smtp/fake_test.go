package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport replays canned server lines and records what the client
// writes.
type fakeTransport struct {
	mu         sync.Mutex
	replies    []string
	written    []string
	writtenTLS []bool
	closes     int
	upgrades   int
	upgradeErr error
	secure     bool
	broken     bool
}

func newFake(replies ...string) *fakeTransport { return &fakeTransport{replies: replies} }

func (f *fakeTransport) ReadLine() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken || f.closes > 0 {
		return "", errors.New("read on unusable transport")
	}
	if len(f.replies) == 0 {
		return "", io.EOF
	}
	l := f.replies[0]
	f.replies = f.replies[1:]
	return l, nil
}

func (f *fakeTransport) WriteLine(l string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken || f.closes > 0 {
		return errors.New("write on unusable transport")
	}
	f.written = append(f.written, l)
	f.writtenTLS = append(f.writtenTLS, f.secure)
	return nil
}

func (f *fakeTransport) UpgradeTLS(*tls.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upgrades++
	if f.upgradeErr != nil {
		f.broken = true
		return f.upgradeErr
	}
	f.secure = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) dial(context.Context, string, time.Duration) (Transport, error) {
	return f, nil
}

func (f *fakeTransport) count(prefix string) int {
	n := 0
	for _, l := range f.written {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func newLocalListener(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		if l, err = net.Listen("tcp6", "[::1]:0"); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() { l.Close() })
	return l
}
