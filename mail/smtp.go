package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTP connection modes.
const (
	ModeTLS      = "tls"
	ModeSTARTTLS = "starttls"
	ModePlain    = "plain"
)

// SMTPConfig configures SMTPTransport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Mode     string
	Timeout  time.Duration
}

// SMTPTransport sends mail through an SMTP relay.
type SMTPTransport struct {
	cfg  SMTPConfig
	now  func() time.Time
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSMTPTransport creates an SMTP transport.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Mode == "" {
		cfg.Mode = ModeTLS
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	d := &net.Dialer{Timeout: cfg.Timeout}
	return &SMTPTransport{cfg: cfg, now: time.Now, dial: d.DialContext}
}

// Send delivers msg. The whole exchange is bounded by the configured timeout
// or ctx, whichever ends first.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (Result, error) {
	from, err := mail.ParseAddress(t.cfg.From)
	if err != nil {
		return Result{}, fmt.Errorf("mail: parse from: %w", err)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return Result{}, fmt.Errorf("mail: parse to: %w", err)
	}

	messageID := NewMessageID(domainOf(from.Address))
	data, err := encode(from.String(), messageID, Message{
		To:          to.String(),
		Subject:     msg.Subject,
		HTMLBody:    msg.HTMLBody,
		Attachments: msg.Attachments,
	}, t.now())
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	conn, err := t.dial(ctx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("mail: dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	tlsConfig := &tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}
	if t.cfg.Mode == ModeTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return Result{}, fmt.Errorf("mail: handshake: %w", err)
	}
	defer client.Close()

	if t.cfg.Mode == ModeSTARTTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			return Result{}, fmt.Errorf("mail: starttls: %w", err)
		}
	}
	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return Result{}, fmt.Errorf("mail: auth: %w", err)
		}
	}
	if err := client.Mail(from.Address); err != nil {
		return Result{}, fmt.Errorf("mail: mail from: %w", err)
	}
	if err := client.Rcpt(to.Address); err != nil {
		return Result{}, fmt.Errorf("mail: rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return Result{}, fmt.Errorf("mail: data: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return Result{}, fmt.Errorf("mail: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("mail: close data: %w", err)
	}
	if err := client.Quit(); err != nil {
		return Result{}, fmt.Errorf("mail: quit: %w", err)
	}
	return Result{MessageID: messageID}, nil
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return ""
}
