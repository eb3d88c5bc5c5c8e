// Package mailauth checks logins against the user's own mail provider with
// SMTP AUTH, blocks clients that fail too often, and sends notices through a
// relay.
package mailauth

import "context"

// MessageSender sends a plain-text message.
//
// The only implementation is MailerSMTP; Send reports if the relay accepted
// the message and logs why if it didn't.
type MessageSender interface {
	Send(ctx context.Context, to, subject, body string) bool
}
