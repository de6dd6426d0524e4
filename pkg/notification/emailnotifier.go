package notification

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"html/template"
	"log/slog"
	texttemplate "text/template"
	"time"

	"github.com/wneessen/go-mail"
)

// SMTPConfig holds the SMTP connection settings for the email notifier.
type SMTPConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	From     string
}

// EmailNotifier delivers notices over SMTP.
type EmailNotifier struct {
	config SMTPConfig
	client *mail.Client
}

// NewEmailNotifier creates a mail client for the given SMTP settings.
func NewEmailNotifier(config SMTPConfig) (*EmailNotifier, error) {
	opts := []mail.Option{
		mail.WithPort(config.Port),
		mail.WithTimeout(30 * time.Second),
	}

	if config.Username != "" && config.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthLogin),
			mail.WithUsername(config.Username),
			mail.WithPassword(config.Password),
		)
	}

	if config.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		// Local dev SMTP (e.g. mailpit) typically runs without TLS
		opts = append(opts,
			mail.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}),
			mail.WithTLSPolicy(mail.NoTLS),
		)
	}

	client, err := mail.NewClient(config.Host, opts...)
	if err != nil {
		slog.Error("Failed to create mail client", "host", config.Host, "err", err)
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}

	return &EmailNotifier{config: config, client: client}, nil
}

// Send renders the notice template and delivers it to data.To.
func (e *EmailNotifier) Send(noticeType NoticeType, data NotificationData, noticeTemplate NoticeTemplate) error {
	if data.To == "" {
		return fmt.Errorf("email notification requires a recipient address")
	}

	msg := mail.NewMsg()
	if err := msg.From(e.config.From); err != nil {
		return fmt.Errorf("failed to set from address: %w", err)
	}
	if err := msg.To(data.To); err != nil {
		return fmt.Errorf("failed to set to address: %w", err)
	}
	msg.Subject(noticeTemplate.Subject)

	if noticeTemplate.Text != "" {
		body, err := renderText(noticeTemplate.Text, data.Data)
		if err != nil {
			return fmt.Errorf("failed to render text body: %w", err)
		}
		msg.SetBodyString(mail.TypeTextPlain, body)
	}

	if noticeTemplate.Html != "" {
		body, err := renderHTML(noticeTemplate.Html, data.Data)
		if err != nil {
			return fmt.Errorf("failed to render html body: %w", err)
		}
		if noticeTemplate.Text != "" {
			msg.AddAlternativeString(mail.TypeTextHTML, body)
		} else {
			msg.SetBodyString(mail.TypeTextHTML, body)
		}
	}

	if err := e.client.DialAndSend(msg); err != nil {
		slog.Error("Failed to send email", "to", data.To, "noticeType", noticeType, "err", err)
		return fmt.Errorf("failed to send email: %w", err)
	}

	slog.Info("Email sent", "to", data.To, "noticeType", noticeType)
	return nil
}

func renderText(tmpl string, values map[string]string) (string, error) {
	t, err := texttemplate.New("text").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, values); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderHTML(tmpl string, values map[string]string) (string, error) {
	t, err := template.New("html").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, values); err != nil {
		return "", err
	}
	return buf.String(), nil
}
