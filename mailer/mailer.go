// Package mailer sends the system's outbound email: approval requests,
// periodic summaries and status reports.
package mailer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"
)

// Mailer sends one HTML email.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTP is the production Mailer over one SMTP relay.
type SMTP struct {
	host     string
	port     int
	username string
	password string
	from     string
	logger   *slog.Logger
}

// NewSMTP creates an SMTP mailer. host may be empty; Send then refuses
// to operate.
func NewSMTP(host string, port int, username, password, from string, logger *slog.Logger) *SMTP {
	if logger == nil {
		logger = slog.Default()
	}
	if from == "" {
		from = username
	}
	if from == "" {
		from = "noreply@localhost"
	}
	return &SMTP{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		logger:   logger,
	}
}

// Send implements Mailer.
func (s *SMTP) Send(ctx context.Context, to, subject, htmlBody string) error {
	if s.host == "" {
		return fmt.Errorf("smtp host not configured")
	}

	opts := []mail.Option{
		mail.WithPort(s.port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if s.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.username),
			mail.WithPassword(s.password))
	}
	client, err := mail.NewClient(s.host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return fmt.Errorf("failed to set from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("failed to set to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, htmlBody)

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	s.logger.Info("Email sent", slog.String("to", to), slog.String("subject", subject))
	return nil
}
