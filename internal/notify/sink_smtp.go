package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/frostguard/frostguard/internal/events"
)

// SMTPConfig configures the email sink.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string
	Timeout  time.Duration
}

// SMTPSink delivers events as plain-text email.
type SMTPSink struct {
	name string
	cfg  SMTPConfig
}

// NewSMTPSink creates an email sink with the given instance name.
func NewSMTPSink(name string, cfg SMTPConfig) *SMTPSink {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPSink{name: name, cfg: cfg}
}

func (s *SMTPSink) Name() string { return s.name }

// Validate checks the static configuration.
func (s *SMTPSink) Validate() error {
	if s.cfg.Host == "" {
		return fmt.Errorf("smtp sink %s: host is required", s.name)
	}
	if s.cfg.From == "" {
		return fmt.Errorf("smtp sink %s: from address is required", s.name)
	}
	if len(s.cfg.To) == 0 {
		return fmt.Errorf("smtp sink %s: at least one recipient is required", s.name)
	}
	return nil
}

// Probe opens and closes a connection to the SMTP server.
func (s *SMTPSink) Probe(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("smtp sink %s: probe failed: %w", s.name, err)
	}
	conn.Close()
	return nil
}

// Send delivers one event. The whole exchange is bounded by the configured
// timeout.
func (s *SMTPSink) Send(ctx context.Context, ev events.Event) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Quit()

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range s.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(s.composeMessage(ev)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}

func (s *SMTPSink) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: s.cfg.Timeout}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return conn, nil
}

func (s *SMTPSink) composeMessage(ev events.Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: [frostguard] %s\r\n", ev.Type)
	fmt.Fprintf(&b, "Date: %s\r\n", ev.OccurredAt.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")

	b.WriteString(ev.Message)
	b.WriteString("\r\n")
	if len(ev.Details) > 0 {
		if details, err := json.MarshalIndent(ev.Details, "", "  "); err == nil {
			b.WriteString("\r\n")
			b.Write(details)
			b.WriteString("\r\n")
		}
	}
	fmt.Fprintf(&b, "\r\n-- \r\n%s\r\n", ev.Source)
	return []byte(b.String())
}
