package email

import (
	"bytes"
	"fmt"
	"log"
	"net/smtp"
)

type Sender interface {
	Send(to, subject, htmlBody string) error
}

type SMTPSender struct {
	host string
	port string
	from string
	auth smtp.Auth // nil for local dev (MailHog)
}

func NewSMTPSender(host, port, from string) *SMTPSender {
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "1025"
	}
	return &SMTPSender{host: host, port: port, from: from}
}

func (s *SMTPSender) Send(to, subject, htmlBody string) error {
	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	msg := buildRFC822(s.from, to, subject, htmlBody)
	return smtp.SendMail(addr, s.auth, s.from, []string{to}, msg)
}

func buildRFC822(from, to, subject, html string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&buf, "\r\n%s\r\n", html)
	return buf.Bytes()
}

// LogSender writes emails to a logger instead of delivering them.
type LogSender struct {
	Logger *log.Logger
}

func (s LogSender) Send(to, subject, htmlBody string) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[Email] to=%s subject=%q body=%q", to, subject, htmlBody)
	return nil
}

// PickSender uses SMTP when a host is configured and logs otherwise.
func PickSender(host, port, from string, logger *log.Logger) Sender {
	if host != "" {
		return NewSMTPSender(host, port, from)
	}
	return LogSender{Logger: logger}
}
