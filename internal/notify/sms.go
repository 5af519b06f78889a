// Package notify delivers missing-receipt alerts over SMS and email with
// channel fallback.
package notify

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/receiptguard/receiptguard/pkg/logging"
)

// SMSSender sends one text message.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// TwilioConfig holds Twilio credentials and the sending number.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
}

// TwilioSender sends SMS through the Twilio REST API.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
	logger logging.Logger
}

// NewTwilioSender creates a Twilio-backed SMS sender.
func NewTwilioSender(cfg TwilioConfig, logger logging.Logger) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSender{
		client: client,
		from:   cfg.From,
		logger: logger,
	}
}

// SendSMS delivers the message. The Twilio SDK does not thread a context, so
// cancellation is honored before the request only.
func (s *TwilioSender) SendSMS(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("sending SMS to %s: %w", to, err)
	}

	fields := logging.Fields{"to": to}
	if resp.Sid != nil {
		fields["message_sid"] = *resp.Sid
	}
	s.logger.WithFields(fields).Info("SMS sent")

	return nil
}
