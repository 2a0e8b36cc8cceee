// Package notify emails the people who have to act when the engine cannot:
// the operators running it and, for provider-scoped conditions, the
// provider's own on-call address.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// ProviderDirectory resolves a provider's alert address. Satisfied by
// records.Client.
type ProviderDirectory interface {
	Provider(ctx context.Context, providerID string) (*records.ProviderConfig, error)
}

// Config wires a Service. Everything is optional: a service with no
// transport or no recipients logs alerts instead of sending them.
type Config struct {
	Email     EmailSender
	Providers ProviderDirectory
	// Recipients are the engine operators. Every alert goes to them.
	Recipients []string
	// SubjectScope prefixes every subject, so one inbox can tell
	// deployments apart.
	SubjectScope string
	Logger       *logging.Logger
}

// Service fans alert emails out to the engine operators and, for
// provider-scoped alerts, the provider's configured alert address. Alerts
// are advisory: a failure is logged and reported, never escalated further.
type Service struct {
	email      EmailSender
	providers  ProviderDirectory
	recipients []string
	scope      string
	logger     *logging.Logger
}

// NewService creates the alert service.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Service{
		email:      cfg.Email,
		providers:  cfg.Providers,
		recipients: cfg.Recipients,
		scope:      cfg.SubjectScope,
		logger:     cfg.Logger,
	}
}

// Alert emails every configured operator.
func (s *Service) Alert(ctx context.Context, subject, body string) error {
	return s.deliver(ctx, s.recipients, subject, body)
}

// AlertProvider emails the operators plus the provider's alert address. A
// provider that cannot be resolved, or has no address, degrades to an
// operator-only alert.
func (s *Service) AlertProvider(ctx context.Context, providerID, subject, body string) error {
	to := append([]string(nil), s.recipients...)
	if s.providers != nil && providerID != "" {
		cfg, err := s.providers.Provider(ctx, providerID)
		if err != nil {
			s.logger.Warn("alert provider lookup failed",
				"provider_id", providerID, "error", err)
		} else if cfg.AlertEmail != "" {
			to = appendRecipient(to, cfg.AlertEmail)
		}
	}
	return s.deliver(ctx, to, subject, body)
}

func (s *Service) deliver(ctx context.Context, to []string, subject, body string) error {
	if s.email == nil || len(to) == 0 {
		s.logger.Warn("alert has no email route", "subject", subject)
		return nil
	}
	if s.scope != "" {
		subject = "[" + s.scope + "] " + subject
	}

	failed := 0
	for _, rcpt := range to {
		msg := EmailMessage{To: rcpt, Subject: subject, Body: body}
		if err := s.email.Send(ctx, msg); err != nil {
			s.logger.Error("alert send failed", "to", rcpt, "error", err)
			failed++
			continue
		}
		s.logger.Info("alert sent", "to", rcpt, "subject", subject)
	}
	if failed > 0 {
		return fmt.Errorf("notify: %d of %d alert emails failed", failed, len(to))
	}
	return nil
}

func appendRecipient(to []string, addr string) []string {
	for _, existing := range to {
		if strings.EqualFold(existing, addr) {
			return to
		}
	}
	return append(to, addr)
}

// PickSender chooses the alert transport. An explicit provider name wins;
// "auto" takes SES when available, then SendGrid; anything unresolvable
// falls back to the logging stub so a misconfigured deployment still runs.
func PickSender(provider string, ses *SESSender, sendgrid *SendGridSender, logger *logging.Logger) EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	switch provider {
	case "ses":
		if ses != nil {
			return ses
		}
		logger.Warn("EMAIL_PROVIDER=ses but SES is not configured, alerts go to the log")
	case "sendgrid":
		if sendgrid != nil {
			return sendgrid
		}
		logger.Warn("EMAIL_PROVIDER=sendgrid but SendGrid is not configured, alerts go to the log")
	case "", "auto":
		if ses != nil {
			return ses
		}
		if sendgrid != nil {
			return sendgrid
		}
		logger.Warn("no email transport configured, alerts go to the log")
	case "stub":
	default:
		logger.Warn("unknown EMAIL_PROVIDER, alerts go to the log", "provider", provider)
	}
	return NewStubEmailSender(logger)
}
