package mailauth

import (
	"context"
	"net/mail"
	"time"

	"go.uber.org/zap"
	"zgo.at/mailauth/smtp"
)

// MailerSMTP sends messages through a relay.
type MailerSMTP struct {
	relay   RelayConfig
	from    string
	session *smtp.Session
	log     *zap.Logger
	now     func() time.Time
}

var _ MessageSender = (*MailerSMTP)(nil)

// NewMailerSMTP returns a MessageSender that delivers through relay.
//
// The options are passed on to the session; the port and RequireTLS from the
// relay config take precedence.
func NewMailerSMTP(relay RelayConfig, from string, log *zap.Logger, opts ...smtp.Opt) *MailerSMTP {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append(append([]smtp.Opt{}, opts...),
		smtp.WithPort(relay.Port),
		smtp.WithRequireTLS(relay.RequireTLS),
		smtp.WithLogger(log))
	return &MailerSMTP{
		relay:   relay,
		from:    from,
		session: smtp.NewSession(opts...),
		log:     log,
		now:     time.Now,
	}
}

// Send a message to one recipient.
func (m *MailerSMTP) Send(ctx context.Context, to, subject, body string) bool {
	msg, err := Message(m.from, to, subject, body, m.now())
	if err != nil {
		m.log.Error("creating message", zap.Error(err))
		return false
	}

	// Already validated by Message().
	f, _ := mail.ParseAddress(m.from)
	r, _ := mail.ParseAddress(to)

	return m.session.Deliver(ctx, m.relay.Host,
		smtp.Credentials{Username: m.relay.Username, Password: m.relay.Password},
		smtp.Envelope{From: f.Address, To: r.Address, Data: msg})
}
