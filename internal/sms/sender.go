// Package sms handles outbound verification messages and parsing of inbound
// confirmation texts.
package sms

import (
	"context"
	"fmt"
	"regexp"

	"acolyte-presence/internal/utils"
)

// Sender delivers a verification message to a phone number in E.164-ish form.
type Sender interface {
	Send(ctx context.Context, phone, message string) error
}

// VerificationMessage is the exact text a person must send back to confirm
// their device.
func VerificationMessage(code string) string {
	return fmt.Sprintf("ACOLYTE VERIFY %s", code)
}

var inboundPattern = regexp.MustCompile(`(?i)^\s*ACOLYTE\s+VERIFY\s+(\d{6})\s*$`)

// ParseInbound extracts the 6-digit code from an inbound confirmation text.
// Returns false for anything that is not a well-formed verification message.
func ParseInbound(body string) (string, bool) {
	m := inboundPattern.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// NewSender picks the delivery backend from configuration. The log backend
// is for development: codes land in the server log instead of a phone.
func NewSender(ctx context.Context, cfg *utils.SMSConfig, logger utils.Logger) (Sender, error) {
	switch cfg.Provider {
	case "sns":
		return NewSNSSender(ctx, cfg)
	case "log", "":
		return &LogSender{logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown sms provider %q", cfg.Provider)
	}
}

// LogSender writes messages to the application log.
type LogSender struct {
	logger utils.Logger
}

func (s *LogSender) Send(_ context.Context, phone, message string) error {
	s.logger.Info("SMS delivery (log provider)", "phone", utils.MaskPhone(phone), "message", message)
	return nil
}
