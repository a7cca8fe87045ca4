package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/bnema/vpnledger/internal/ports"
)

// Mailer delivers operator alerts over SMTP. With no server configured
// it degrades to log-only, so a bare development setup still surfaces
// every alert.
type Mailer struct {
	Addr     string
	From     string
	To       []string
	Username string
	Password string

	SendTimeout time.Duration

	logger *slog.Logger

	// sendMail is swapped out in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

var _ ports.Notifier = (*Mailer)(nil)

func NewMailer(addr, from string, to []string, username, password string, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Mailer{
		Addr:     addr,
		From:     from,
		To:       to,
		Username: username,
		Password: password,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

func (m *Mailer) Alert(ctx context.Context, subject, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.Addr == "" {
		m.logger.Warn("operator alert", "subject", subject, "message", message)
		return nil
	}

	body := m.compose(subject, message)

	var auth smtp.Auth
	if m.Username != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, authHost(m.Addr))
	}

	done := make(chan error, 1)
	go func() {
		done <- m.sendMail(m.Addr, auth, m.From, m.To, body)
	}()

	timeout := m.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send alert mail: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("send alert mail: timeout after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// authHost strips the port from addr for PLAIN auth. IPv6 literals keep
// their brackets out of the result, and a port-less addr passes through.
func authHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (m *Mailer) compose(subject, message string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(message)
	b.WriteString("\r\n")

	return []byte(b.String())
}
