// Package notify reports fatal trading errors to the operator.
//
// Invocations run unattended from cron, so a failed run has nobody watching
// the terminal; the dispatcher sends the error through a Notifier before
// exiting. With an [email] config section that is an SMTP mail; without one,
// errors are only logged.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"gridtrader/internal/config"
)

// Notifier delivers an out-of-band message to the operator.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Mailer sends notifications over SMTP with PLAIN auth.
type Mailer struct {
	email config.Email
}

// NewMailer builds a mailer from the [email] config section.
func NewMailer(email config.Email) *Mailer {
	return &Mailer{email: email}
}

// Notify sends one mail. The context is consulted before dialing; net/smtp
// has no per-operation deadline hook beyond the dial.
func (m *Mailer) Notify(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", m.email.Host, m.email.Port)
	auth := smtp.PlainAuth("", m.email.Username, m.email.Password, m.email.Host)

	msg := strings.Join([]string{
		"From: " + m.email.From,
		"To: " + m.email.To,
		"Subject: " + subject,
		"",
		body,
		"",
	}, "\r\n")

	if err := smtp.SendMail(addr, auth, m.email.From, []string{m.email.To}, []byte(msg)); err != nil {
		return fmt.Errorf("send notification mail: %w", err)
	}
	return nil
}

// LogNotifier writes notifications to the logger. Used when no [email]
// section is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier that only logs.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, subject, body string) error {
	n.logger.Error("operator notification", "subject", subject, "body", body)
	return nil
}

// ForConfig picks the mailer when email is configured, the log fallback
// otherwise.
func ForConfig(cfg *config.Config, logger *slog.Logger) Notifier {
	if cfg.Email != nil {
		return NewMailer(*cfg.Email)
	}
	return NewLogNotifier(logger)
}
