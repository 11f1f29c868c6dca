// Package mail renders and delivers account emails.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/rs/zerolog/log"
)

var templates = map[domain.MailKind]*template.Template{
	domain.MailConfirmRegistration: template.Must(template.New("confirm").Parse(
		"Subject: Confirm your registration\r\n\r\nHello {{.Login}},\r\n\r\nconfirm your account: {{.Link}}\r\n")),
	domain.MailPasswordReset: template.Must(template.New("reset").Parse(
		"Subject: Password reset\r\n\r\nHello {{.Login}},\r\n\r\nset a new password: {{.Link}}\r\n")),
	domain.MailChangeEmail: template.Must(template.New("change").Parse(
		"Subject: Confirm your new email\r\n\r\nHello {{.Login}},\r\n\r\nconfirm this address: {{.Link}}\r\n")),
}

// Render returns the message body (with Subject header) for kind.
func Render(kind domain.MailKind, vars domain.MailVars) (string, error) {
	tpl, ok := templates[kind]
	if !ok {
		return "", fmt.Errorf("no template for mail kind %s", kind)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render %s: %w", kind, err)
	}
	return buf.String(), nil
}

// LogMailer writes mails to the log instead of sending them. Used in
// development.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, kind domain.MailKind, to string, vars domain.MailVars) {
	log.Info().Str("kind", string(kind)).Str("to", to).Str("login", vars.Login).Str("link", vars.Link).Msg("Mail (not sent)")
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Addr     string
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPMailer sends mails through an SMTP relay in the background. Failures
// are logged and not retried.
type SMTPMailer struct {
	cfg  SMTPConfig
	send func(cfg SMTPConfig, to string, msg []byte) error
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPMailer{cfg: cfg, send: deliver}
}

func (m *SMTPMailer) Send(_ context.Context, kind domain.MailKind, to string, vars domain.MailVars) {
	body, err := Render(kind, vars)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to render mail")
		return
	}
	msg := []byte("From: " + m.cfg.From + "\r\nTo: " + to + "\r\n" + body)

	go func() {
		if err := m.send(m.cfg, to, msg); err != nil {
			log.Error().Err(err).Str("kind", string(kind)).Str("to", to).Msg("Failed to send mail")
		}
	}()
}

func deliver(cfg SMTPConfig, to string, msg []byte) error {
	conn, err := net.DialTimeout("tcp", cfg.Addr, cfg.Timeout)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", cfg.Addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))

	host, _, _ := net.SplitHostPort(cfg.Addr)
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(cfg.From); err != nil {
		return err
	}
	if err := client.Rcpt(strings.TrimSpace(to)); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

var (
	_ domain.Mailer = LogMailer{}
	_ domain.Mailer = (*SMTPMailer)(nil)
)
