package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailgun/mailgun-go/v3"
)

const sendTimeout = 30 * time.Second

// MailgunMailer delivers notification emails through Mailgun.
type MailgunMailer struct {
	mg   *mailgun.MailgunImpl
	from string
}

func NewMailgunMailer(domain, apiKey, from string) *MailgunMailer {
	return &MailgunMailer{
		mg:   mailgun.NewMailgun(domain, apiKey),
		from: fmt.Sprintf("TaskVine <%s>", from),
	}
}

func (m *MailgunMailer) Send(ctx context.Context, to, subject, body string) error {
	msg := m.mg.NewMessage(m.from, subject, body, to)

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	_, _, err := m.mg.Send(ctx, msg)
	return err
}

// LogMailer writes emails to the log instead of sending them. Used when no
// Mailgun credentials are configured, typically local development.
type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("email suppressed (no mailgun credentials)", "to", to, "subject", subject)
	return nil
}
