package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"funnel-service/internal/util"

	"go.uber.org/zap"
)

// Message is one outbound email. Templates are opaque to this layer;
// rendering happens upstream.
type Message struct {
	To      string
	Bcc     []string
	Subject string
	Body    string
}

// Sender delivers transactional email. Receipts and shipping updates
// are a courtesy: callers log failures and never roll anything back.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender sends mail over plain SMTP.
type SMTPSender struct {
	host     string
	port     string
	username string
	password string
	from     string
	logger   *zap.Logger
}

// NewSMTPSender creates a new SMTP sender
func NewSMTPSender(host, port, username, password, from string) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		logger:   util.GetLogger(),
	}
}

// Send delivers one message. The context bounds nothing here because
// net/smtp has no context support; the worker's retry policy covers it.
func (s *SMTPSender) Send(_ context.Context, msg Message) error {
	addr := fmt.Sprintf("%s:%s", s.host, s.port)

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	recipients := append([]string{msg.To}, msg.Bcc...)

	var b strings.Builder
	b.WriteString("From: " + s.from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	if err := smtp.SendMail(addr, auth, s.from, recipients, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}

	s.logger.Debug("Email sent", zap.String("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}
