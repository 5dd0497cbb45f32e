package mail

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LogTransport records messages in the log instead of sending them. It is the
// transport when no SMTP relay is configured.
type LogTransport struct {
	logger *zap.Logger
	domain string
}

// NewLogTransport creates a log-only transport.
func NewLogTransport(logger *zap.Logger, domain string) *LogTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTransport{logger: logger, domain: domain}
}

func (t *LogTransport) Send(_ context.Context, msg Message) (Result, error) {
	if msg.To == "" {
		return Result{}, fmt.Errorf("mail: recipient required")
	}
	id := NewMessageID(t.domain)

	names := make([]string, len(msg.Attachments))
	for i, a := range msg.Attachments {
		names[i] = a.Filename
	}
	t.logger.Info("email not sent: log transport",
		zap.String("message_id", id),
		zap.String("to", MaskAddress(msg.To)),
		zap.String("subject", msg.Subject),
		zap.Strings("attachments", names),
	)
	return Result{MessageID: id}, nil
}

// MaskAddress hides most of the local part of an email address.
func MaskAddress(addr string) string {
	at := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			at = i
			break
		}
	}
	if at <= 0 {
		return "***"
	}
	local, domain := addr[:at], addr[at:]
	if len(local) <= 2 {
		return local[:1] + "***" + domain
	}
	return local[:2] + "***" + domain
}
