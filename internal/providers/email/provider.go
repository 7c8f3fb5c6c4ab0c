package email

import "context"

type Provider interface {
	Send(ctx context.Context, to string, subject string, htmlBody string) error
}

// NoOpProvider is used when SMTP is not configured. Sends succeed silently so
// the outbox drains in development environments.
type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to string, subject string, htmlBody string) error {
	return nil
}
