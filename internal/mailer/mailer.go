// Package mailer delivers queued notification mails over SMTP.
//
// Mails are rendered from embedded HTML templates and sent with a plain-text
// alternative part. Delivery runs off the queue in internal/store: NextMail
// pre-schedules the retry, so only a successful send deletes the message.
package mailer

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/trussedhq/trussed-gateway/internal/config"
	"github.com/trussedhq/trussed-gateway/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

// Mailer renders and sends queued mails.
type Mailer struct {
	client    *mail.Client
	store     *store.Store
	templates *template.Template
	log       *slog.Logger

	from       string
	domain     string
	retryAfter time.Duration
	retryMax   int
}

// New builds a mailer from SMTP settings. The SendGrid toggle base64-encodes
// the credentials the way the SendGrid relay expects.
func New(cfg config.SMTPConfig, st *store.Store, log *slog.Logger) (*Mailer, error) {
	user, password := cfg.User, cfg.Password
	if cfg.SendGrid {
		if user != "" {
			user = base64.StdEncoding.EncodeToString([]byte(user))
		}
		if password != "" {
			password = base64.StdEncoding.EncodeToString([]byte(password))
		}
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if user != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(user),
			mail.WithPassword(password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mailer: client: %w", err)
	}

	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("mailer: templates: %w", err)
	}

	return &Mailer{
		client:     client,
		store:      st,
		templates:  templates,
		log:        log,
		from:       cfg.From,
		domain:     cfg.Domain,
		retryAfter: cfg.RetryAfter,
		retryMax:   cfg.RetryMax,
	}, nil
}

// DispatchOnce drains every due mail. Failed sends are logged and left on
// the queue with their retry already scheduled.
func (m *Mailer) DispatchOnce(ctx context.Context) error {
	for {
		queued, err := m.store.NextMail(ctx, m.retryAfter, m.retryMax)
		if err != nil {
			return err
		}
		if queued == nil {
			return nil
		}

		m.log.Info("mailer: send",
			slog.String("mail_key", queued.Key),
			slog.String("subject", queued.Subject),
		)

		if err := m.Send(ctx, queued); err != nil {
			m.log.Error("mailer: send failed",
				slog.String("mail_key", queued.Key),
				slog.Int("attempts", queued.Attempts),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := m.store.DeleteMail(ctx, queued.ID); err != nil {
			return err
		}
	}
}

// Send renders and delivers one mail.
func (m *Mailer) Send(ctx context.Context, queued *store.Mail) error {
	data := map[string]any{"_domain": m.domain}
	for k, v := range queued.TemplateBody {
		data[k] = v
	}

	var html bytes.Buffer
	if err := m.templates.ExecuteTemplate(&html, queued.TemplateName, data); err != nil {
		return fmt.Errorf("mailer: render %s: %w", queued.TemplateName, err)
	}

	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("mailer: from: %w", err)
	}
	if err := msg.To(queued.Emails...); err != nil {
		return fmt.Errorf("mailer: to: %w", err)
	}
	msg.Subject(queued.Subject)
	msg.SetBodyString(mail.TypeTextPlain, queued.Subject)
	msg.AddAlternativeString(mail.TypeTextHTML, html.String())

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mailer: deliver: %w", err)
	}
	return nil
}
