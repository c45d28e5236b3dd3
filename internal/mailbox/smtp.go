package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/nhle/email-approver/internal/model"
)

// SMTPSender delivers outbound messages through an SMTP server.
type SMTPSender struct {
	cfg model.SMTPConfig
}

// NewSMTPSender creates a sender from the SMTP configuration.
func NewSMTPSender(cfg model.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send composes and delivers a single message. The context is accepted for
// interface symmetry; connection establishment carries its own dial timeout.
func (s *SMTPSender) Send(_ context.Context, msg Outbound) error {
	body := composeMessage(s.cfg.Username, msg)
	addr := s.cfg.Host + ":" + s.cfg.Port

	if s.cfg.TLS {
		return sendSMTPWithTLS(addr, s.cfg, msg.To, body)
	}
	return sendSMTPWithStartTLS(addr, s.cfg, msg.To, body)
}

// composeMessage builds the raw RFC 2822 message. When an HTML body is
// present the message is multipart/alternative with the plain part first.
func composeMessage(from string, out Outbound) string {
	to := out.To
	if out.ToName != "" {
		to = fmt.Sprintf("%s <%s>", out.ToName, out.To)
	}

	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", out.Subject))
	if out.InReplyTo != "" {
		msg.WriteString(fmt.Sprintf("In-Reply-To: <%s>\r\n", out.InReplyTo))
		msg.WriteString(fmt.Sprintf("References: <%s>\r\n", out.InReplyTo))
	}
	msg.WriteString("MIME-Version: 1.0\r\n")

	if out.HTMLBody == "" {
		msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(out.TextBody)
		return msg.String()
	}

	const boundary = "=_approver_alt_boundary"
	msg.WriteString(fmt.Sprintf(
		"Content-Type: multipart/alternative; boundary=%q\r\n", boundary,
	))
	msg.WriteString("\r\n")

	msg.WriteString("--" + boundary + "\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(out.TextBody)
	msg.WriteString("\r\n")

	msg.WriteString("--" + boundary + "\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.WriteString(out.HTMLBody)
	msg.WriteString("\r\n")

	msg.WriteString("--" + boundary + "--\r\n")
	return msg.String()
}

// sendSMTPWithTLS sends an email over an implicit TLS connection.
func sendSMTPWithTLS(
	addr string, cfg model.SMTPConfig, to, body string,
) error {
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("TLS dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}

	return sendMailViaSMTPClient(client, cfg.Username, to, body)
}

// sendSMTPWithStartTLS sends an email using STARTTLS.
func sendSMTPWithStartTLS(
	addr string, cfg model.SMTPConfig, to, body string,
) error {
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: cfg.Host}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("SMTP STARTTLS: %w", err)
	}

	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}

	return sendMailViaSMTPClient(client, cfg.Username, to, body)
}

// sendMailViaSMTPClient sends a message using an already-authenticated
// SMTP client.
func sendMailViaSMTPClient(
	client *smtp.Client, from, to, body string,
) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}

	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT TO: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}

	if _, err := writer.Write([]byte(body)); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	return client.Quit()
}
