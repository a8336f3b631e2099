// Package notify delivers out-of-band alerts about failed jobs to the
// configured destinations, i.e. email, slack, telegram or plain webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier

// Notifier defines a single notification transport, matches notify.Notifier
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
	Schema() string
}

// SendersParams holds credentials and addressing for all supported senders
type SendersParams struct {
	FromEmail    string
	ToEmails     []string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      bool
	SMTPStartTLS bool

	SlackToken    string
	SlackChannels []string

	TelegramToken        string
	TelegramDestinations []string

	WebhookURLs []string

	Timeout time.Duration
}

// Service delivers a message to every configured destination
type Service struct {
	destinations  []Notifier
	fromEmail     string
	toEmail       []string
	slackChannels []string
	telegramDests []string
	webhookURLs   []string
}

// NewService creates a notification service for the configured senders.
// Returns nil if nothing is configured, a nil *Service is a valid no-op.
func NewService(sp SendersParams) *Service {
	timeout := sp.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	res := Service{
		fromEmail:     sp.FromEmail,
		toEmail:       sp.ToEmails,
		slackChannels: sp.SlackChannels,
		telegramDests: sp.TelegramDestinations,
		webhookURLs:   sp.WebhookURLs,
	}

	if len(sp.ToEmails) > 0 && sp.SMTPHost != "" {
		res.destinations = append(res.destinations, notify.NewEmail(notify.SMTPParams{
			Host:     sp.SMTPHost,
			Port:     sp.SMTPPort,
			TLS:      sp.SMTPTLS,
			StartTLS: sp.SMTPStartTLS,
			Username: sp.SMTPUsername,
			Password: sp.SMTPPassword,
			TimeOut:  timeout,
		}))
	}

	if sp.SlackToken != "" && len(sp.SlackChannels) > 0 {
		res.destinations = append(res.destinations, notify.NewSlack(sp.SlackToken))
	}

	if sp.TelegramToken != "" && len(sp.TelegramDestinations) > 0 {
		tg, err := notify.NewTelegram(notify.TelegramParams{Token: sp.TelegramToken, Timeout: timeout})
		if err != nil {
			log.Printf("[WARN] failed to make telegram sender, %v", err)
		} else {
			res.destinations = append(res.destinations, tg)
		}
	}

	if len(sp.WebhookURLs) > 0 {
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{Timeout: timeout}))
	}

	if len(res.destinations) == 0 {
		return nil
	}
	return &res
}

// Send delivers the text to all destinations, collecting errors from each
func (s *Service) Send(ctx context.Context, subj, text string) error {
	if s == nil {
		return nil
	}

	var errs []error
	for _, dest := range s.destinations {
		switch dest.Schema() {
		case "mailto":
			if err := dest.Send(ctx, s.mailtoDestination(subj), text); err != nil {
				errs = append(errs, err)
			}
		case "slack":
			for _, channel := range s.slackChannels {
				d := fmt.Sprintf("slack:%s?title=%s", channel, url.QueryEscape(subj))
				if err := dest.Send(ctx, d, text); err != nil {
					errs = append(errs, err)
				}
			}
		case "telegram":
			for _, tgDest := range s.telegramDests {
				if err := dest.Send(ctx, "telegram:"+tgDest, subj+"\n"+text); err != nil {
					errs = append(errs, err)
				}
			}
		default: // webhook, http and https
			for _, u := range s.webhookURLs {
				if err := dest.Send(ctx, u, subj+"\n"+text); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// String lists destination schemas, used for startup logging
func (s *Service) String() string {
	if s == nil {
		return "notifications disabled"
	}
	schemas := make([]string, 0, len(s.destinations))
	for _, d := range s.destinations {
		schemas = append(schemas, d.Schema())
	}
	return "notifications via " + strings.Join(schemas, ", ")
}

func (s *Service) mailtoDestination(subj string) string {
	return fmt.Sprintf("mailto:%s?from=%s&subject=%s",
		strings.Join(s.toEmail, ","), s.fromEmail, url.QueryEscape(subj))
}
