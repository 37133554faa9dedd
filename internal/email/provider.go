// Package email sends transactional order emails.
package email

import (
	"context"
	"strings"
)

type Provider interface {
	SendEmail(ctx context.Context, email *Email) error
}

type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
	Tag     string
}

type Config struct {
	APIKey string
	From   string
}

// NewProvider returns a Resend provider, or a no-op provider when no API key
// is configured.
func NewProvider(cfg Config) Provider {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return NoopProvider{}
	}
	return NewResendProvider(cfg.APIKey, cfg.From)
}

type NoopProvider struct{}

func (NoopProvider) SendEmail(context.Context, *Email) error {
	return nil
}
