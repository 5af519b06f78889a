package notify

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/receiptguard/receiptguard/internal/store"
	"github.com/receiptguard/receiptguard/pkg/logging"
	"github.com/receiptguard/receiptguard/pkg/validation"
)

// Channel identifies the delivery route that carried an alert.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelNone  Channel = "none"
)

// Result records how one alert dispatch went. SMSErr and EmailErr are only
// set for channels that were actually attempted.
type Result struct {
	Sent     bool
	Channel  Channel
	Attempts int
	SMSErr   error
	EmailErr error
}

// Dispatcher routes alerts to SMS first with email as fallback, honoring
// per-company channel settings and contact validation.
type Dispatcher struct {
	sms     SMSSender
	email   EmailSender
	logger  logging.Logger
	counter *prometheus.CounterVec
}

// NewDispatcher creates an alert dispatcher. Either sender may be nil when
// the channel is not configured at deployment level.
func NewDispatcher(sms SMSSender, email EmailSender, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		sms:    sms,
		email:  email,
		logger: logger,
	}
}

// WithMetrics attaches a counter with (channel, status) labels that tracks
// every dispatch attempt.
func (d *Dispatcher) WithMetrics(counter *prometheus.CounterVec) *Dispatcher {
	d.counter = counter
	return d
}

func (d *Dispatcher) count(channel Channel, status string) {
	if d.counter != nil {
		d.counter.WithLabelValues(string(channel), status).Inc()
	}
}

// Dispatch sends one alert following the company's channel preferences.
// SMS is preferred when enabled and the phone number is valid; email is the
// fallback when SMS is unavailable or fails. A failure on one channel never
// suppresses the other. When neither channel is usable the result is a
// silent no-op with Sent = false.
func (d *Dispatcher) Dispatch(ctx context.Context, settings *store.Settings, alert Alert) Result {
	res := Result{Channel: ChannelNone}

	smsUsable := d.sms != nil && settings.SMSEnabled && validation.ValidPhone(settings.NotificationPhone)
	emailUsable := d.email != nil && settings.EmailEnabled && validation.ValidEmail(settings.NotificationEmail)

	if smsUsable {
		res.Attempts++
		err := d.sms.SendSMS(ctx, settings.NotificationPhone, alert.SMSBody())
		if err == nil {
			res.Sent = true
			res.Channel = ChannelSMS
			d.count(ChannelSMS, "sent")
			return res
		}
		res.SMSErr = err
		d.count(ChannelSMS, "error")
		d.logger.WithFields(logging.Fields{
			"company_id":     alert.CompanyID,
			"transaction_id": alert.TransactionID,
			"error":          err.Error(),
		}).Warn("SMS delivery failed, falling back to email")
	}

	if emailUsable {
		res.Attempts++
		err := d.email.SendEmail(ctx, settings.NotificationEmail, alert)
		if err == nil {
			res.Sent = true
			res.Channel = ChannelEmail
			d.count(ChannelEmail, "sent")
			return res
		}
		res.EmailErr = err
		d.count(ChannelEmail, "error")
		d.logger.WithFields(logging.Fields{
			"company_id":     alert.CompanyID,
			"transaction_id": alert.TransactionID,
			"error":          err.Error(),
		}).Error("Email delivery failed")
		return res
	}

	if !smsUsable {
		d.logger.WithFields(logging.Fields{
			"company_id":     alert.CompanyID,
			"transaction_id": alert.TransactionID,
		}).Warn("No usable notification channel, alert skipped")
	}

	return res
}
