package mailauth

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"zgo.at/mailauth/attempt"
	"zgo.at/mailauth/resolve"
	"zgo.at/mailauth/smtp"
)

// Result of a login check.
type Result int

// Login check results.
const (
	Valid    Result = iota // The mail host accepted the credentials.
	Invalid                // Rejected, or the mail host couldn't be used.
	Blocked                // Too many failures; nothing was checked.
	BadEmail               // Not an email address.
	TooShort               // Password shorter than MinPasswordLength.
	NoHost                 // No SMTP host for the domain.
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Blocked:
		return "blocked"
	case BadEmail:
		return "bad email"
	case TooShort:
		return "password too short"
	case NoHost:
		return "no SMTP host"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// OK reports if the login is valid. Everything else should be shown to the
// user as "invalid credentials".
func (r Result) OK() bool { return r == Valid }

type (
	// Authenticator checks a username and password on a SMTP host.
	Authenticator interface {
		Authenticate(ctx context.Context, host, username, password string) bool
	}

	// HostResolver finds the SMTP host for a domain.
	HostResolver interface {
		Resolve(ctx context.Context, domain string) (string, bool)
	}

	// Limiter tracks failures per client.
	Limiter interface {
		IsBlocked(id string) bool
		RecordFailure(id string)
	}
)

type GateOpt func(*Gate)

// WithNotify sends a notice to "to" after every check.
func WithNotify(s MessageSender, to string) GateOpt {
	return func(g *Gate) { g.notify, g.notifyTo = s, to }
}

// WithMinPasswordLength sets the minimum password length; default 6.
func WithMinPasswordLength(n int) GateOpt { return func(g *Gate) { g.minLen = n } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GateOpt { return func(g *Gate) { g.log = l } }

// WithClock sets the function to get the time in notices with.
func WithClock(now func() time.Time) GateOpt { return func(g *Gate) { g.now = now } }

// Gate checks logins.
type Gate struct {
	store    Limiter
	resolver HostResolver
	auth     Authenticator
	notify   MessageSender
	notifyTo string
	minLen   int
	log      *zap.Logger
	now      func() time.Time
}

// NewGate creates a new Gate.
func NewGate(store Limiter, resolver HostResolver, auth Authenticator, opts ...GateOpt) *Gate {
	g := &Gate{
		store:    store,
		resolver: resolver,
		auth:     auth,
		minLen:   6,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// New creates a Gate from the configuration.
//
// The Config must have had InitDefault called on it; Load does that.
func New(cfg *Config, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}

	var backing attempt.Backing = new(attempt.MemBacking)
	if cfg.Attempts.File != "" {
		backing = attempt.FileBacking{Path: cfg.Attempts.File}
	}
	storeOpts := []attempt.Opt{
		attempt.WithThreshold(cfg.Attempts.Threshold),
		attempt.WithDuration(time.Duration(cfg.Attempts.BlockDuration)),
		attempt.WithLogger(log.Named("attempt")),
	}
	if cfg.Attempts.HashKeys {
		storeOpts = append(storeOpts, attempt.WithHashedKeys())
	}

	resolveOpts := []resolve.Opt{
		resolve.WithPort(cfg.Port),
		resolve.WithTimeout(time.Duration(cfg.ResolveTimeout)),
		resolve.WithLogger(log.Named("resolve")),
	}
	if cfg.Providers != nil {
		resolveOpts = append(resolveOpts, resolve.WithProviders(cfg.Providers))
	}

	requireTLS := cfg.RequireTLS == nil || *cfg.RequireTLS
	session := smtp.NewSession(
		smtp.WithPort(cfg.Port),
		smtp.WithTimeout(time.Duration(cfg.Timeout)),
		smtp.WithLocalName(cfg.LocalName),
		smtp.WithRequireTLS(requireTLS),
		smtp.WithLogger(log.Named("smtp")))

	opts := []GateOpt{
		WithMinPasswordLength(cfg.MinPasswordLength),
		WithLogger(log),
	}
	if cfg.NotifyTo != "" {
		m := NewMailerSMTP(cfg.Relay, cfg.From, log.Named("relay"),
			smtp.WithTimeout(time.Duration(cfg.Timeout)),
			smtp.WithLocalName(cfg.LocalName))
		opts = append(opts, WithNotify(m, cfg.NotifyTo))
	}

	return NewGate(attempt.New(backing, storeOpts...),
		resolve.New(resolveOpts...), session, opts...)
}

// Check if password is valid for email, for the client identified by id.
//
// Blocked clients are rejected without doing anything else. Every other
// result except Valid counts as a failure for id.
func (g *Gate) Check(ctx context.Context, id, email, password string) Result {
	r := g.check(ctx, id, email, password)
	if r != Valid && r != Blocked {
		g.store.RecordFailure(id)
	}

	g.log.Info("login checked",
		zap.String("id", id),
		zap.String("email", email),
		zap.Stringer("result", r))
	g.sendNotice(ctx, id, email, r)
	return r
}

func (g *Gate) check(ctx context.Context, id, email, password string) Result {
	if g.store.IsBlocked(id) {
		return Blocked
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return BadEmail
	}
	domain := resolve.Domain(email)
	if domain == "" || !strings.Contains(domain, ".") {
		return BadEmail
	}

	if utf8.RuneCountInString(password) < g.minLen {
		return TooShort
	}

	host, ok := g.resolver.Resolve(ctx, domain)
	if !ok {
		return NoHost
	}

	if !g.auth.Authenticate(ctx, host, email, password) {
		return Invalid
	}
	return Valid
}

// sendNotice sends a notice about a check. It never includes the password.
func (g *Gate) sendNotice(ctx context.Context, id, email string, r Result) {
	if g.notify == nil || g.notifyTo == "" {
		return
	}

	body := fmt.Sprintf("Login attempt\n\nClient: %s\nEmail:  %s\nResult: %s\nTime:   %s\n",
		id, email, r, g.now().UTC().Format(time.RFC3339))
	if !g.notify.Send(ctx, g.notifyTo, fmt.Sprintf("Login %s for %s", r, email), body) {
		g.log.Warn("sending notice failed", zap.String("to", g.notifyTo))
	}
}
