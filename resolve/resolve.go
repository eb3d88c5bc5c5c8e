// Package resolve finds the SMTP host for an email domain.
package resolve

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Defaults for a Resolver.
const (
	DefaultPort    = "587"
	DefaultTimeout = 5 * time.Second
)

// Providers maps well-known email domains to their submission host.
//
// Lookups are exact: "GMail.com" isn't in here.
var Providers = map[string]string{
	"gmail.com":   "smtp.gmail.com",
	"yahoo.com":   "smtp.mail.yahoo.com",
	"outlook.com": "smtp-mail.outlook.com",
	"hotmail.com": "smtp-mail.outlook.com",
	"live.com":    "smtp-mail.outlook.com",
	"aol.com":     "smtp.aol.com",
	"icloud.com":  "smtp.mail.me.com",
	"me.com":      "smtp.mail.me.com",
	"mac.com":     "smtp.mail.me.com",
}

// ReachableFunc reports if addr ("host:port") accepts a TCP connection.
type ReachableFunc func(ctx context.Context, addr string) bool

type Opt func(*Resolver)

// WithPort sets the port to check candidates on; default is 587.
func WithPort(p string) Opt { return func(r *Resolver) { r.port = p } }

// WithTimeout sets how long to wait for each candidate; default is 5s.
func WithTimeout(d time.Duration) Opt { return func(r *Resolver) { r.timeout = d } }

// WithReachable sets the function to check candidates with.
func WithReachable(f ReachableFunc) Opt { return func(r *Resolver) { r.reachable = f } }

// WithProviders replaces the static provider table.
func WithProviders(p map[string]string) Opt { return func(r *Resolver) { r.providers = p } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Opt { return func(r *Resolver) { r.log = l } }

// Resolver maps domains to SMTP hosts.
type Resolver struct {
	port      string
	timeout   time.Duration
	reachable ReachableFunc
	providers map[string]string
	log       *zap.Logger
}

// New creates a new Resolver.
func New(opts ...Opt) *Resolver {
	r := &Resolver{
		port:      DefaultPort,
		timeout:   DefaultTimeout,
		providers: Providers,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.reachable == nil {
		r.reachable = r.dial
	}
	return r
}

// Candidates returns the hostnames to try for a domain that's not in the
// provider table, in the order they're tried.
func Candidates(domain string) []string {
	return []string{"smtp." + domain, "mail." + domain, "mx." + domain}
}

// Resolve returns the SMTP host for domain.
//
// Domains in the provider table are returned without touching the network.
// For everything else the first of Candidates that accepts a connection is
// returned. It returns false if none do.
func (r *Resolver) Resolve(ctx context.Context, domain string) (string, bool) {
	if domain == "" {
		return "", false
	}
	if h, ok := r.providers[domain]; ok {
		return h, true
	}

	for _, h := range Candidates(domain) {
		if ctx.Err() != nil {
			return "", false
		}
		if r.reachable(ctx, net.JoinHostPort(h, r.port)) {
			r.log.Debug("resolved", zap.String("domain", domain), zap.String("host", h))
			return h, true
		}
	}
	r.log.Info("no SMTP host found", zap.String("domain", domain))
	return "", false
}

func (r *Resolver) dial(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		r.log.Debug("unreachable", zap.String("addr", addr), zap.Error(err))
		return false
	}
	c.Close()
	return true
}

// Domain returns the domain part of an email address, or "" if there isn't
// one.
func Domain(email string) string {
	i := strings.LastIndexByte(email, '@')
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return email[i+1:]
}
