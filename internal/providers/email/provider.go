package email

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Message is one outbound email. HTML and Text are sent as alternatives.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// ErrProviderNotConfigured is returned when no transport is configured. The
// message is not delivered and callers treat it as a failed send.
var ErrProviderNotConfigured = errors.New("email_provider_not_configured")

type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// NoOpProvider stands in when SMTP is not configured. Every Send fails with
// ErrProviderNotConfigured so undelivered alerts are retried once SMTP is set.
type NoOpProvider struct {
	log *zap.Logger
}

func NewNoOp(log *zap.Logger) *NoOpProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &NoOpProvider{log: log.Named("email.noop")}
}

func (p *NoOpProvider) Send(ctx context.Context, msg Message) error {
	p.log.Warn("email not sent, smtp not configured", zap.String("subject", msg.Subject))
	return ErrProviderNotConfigured
}
