// Package sms dispatches outbound text messages for offer notifications.
// When Twilio credentials are absent the simulated sender logs instead of
// sending, which is how local demos run.
package sms

import (
	"context"

	"github.com/smartwait/mediqueue/pkg/logging"
)

// Sender delivers one message and returns the provider's message id, when
// the provider assigns one. Implementations must not panic on bad
// recipients; the offer lifecycle treats send errors as per-recipient and
// non-fatal.
type Sender interface {
	SendSMS(ctx context.Context, to, body string) (sid string, err error)
}

// SimulatedSender logs messages instead of delivering them.
type SimulatedSender struct {
	logger *logging.Logger
}

func NewSimulatedSender(logger *logging.Logger) *SimulatedSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &SimulatedSender{logger: logger.Named("sms")}
}

func (s *SimulatedSender) SendSMS(_ context.Context, to, body string) (string, error) {
	s.logger.Info("SMS simulated", "to", to, "body", body)
	return "", nil
}

// Config carries the Twilio credentials; all three must be set for real
// delivery.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// NewSenderFromConfig returns a Twilio-backed sender when fully configured,
// otherwise the simulated sender.
func NewSenderFromConfig(cfg Config, logger *logging.Logger) Sender {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		logger.Info("twilio credentials not set, SMS delivery is simulated")
		return NewSimulatedSender(logger)
	}
	return NewTwilioSender(cfg.AccountSID, cfg.AuthToken, cfg.FromNumber, logger)
}
