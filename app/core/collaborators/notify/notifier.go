// Package notify delivers tally summaries over LINE push and SMTP email.
package notify

import (
	"context"
	"errors"
)

// ErrDisabled is returned by a channel that has no credentials configured.
var ErrDisabled = errors.New("notify: channel disabled")

type Pusher interface {
	Push(ctx context.Context, target string, text string) error
}

type Mailer interface {
	Email(ctx context.Context, recipients []string, subject string, htmlBody string) error
}

// Notifier joins a pusher and a mailer. Either may be nil, in which case
// the matching call fails with ErrDisabled.
type Notifier struct {
	pusher Pusher
	mailer Mailer
}

func New(pusher Pusher, mailer Mailer) *Notifier {
	return &Notifier{pusher: pusher, mailer: mailer}
}

func (n *Notifier) Push(ctx context.Context, target string, text string) error {
	if n.pusher == nil {
		return ErrDisabled
	}
	return n.pusher.Push(ctx, target, text)
}

func (n *Notifier) Email(ctx context.Context, recipients []string, subject string, htmlBody string) error {
	if n.mailer == nil {
		return ErrDisabled
	}
	return n.mailer.Email(ctx, recipients, subject, htmlBody)
}
