// Package detector runs the missing-attachment detection pipeline: fetch a
// company's transactions from Xero, classify the ones with no receipt, issue
// upload links and dispatch alerts.
package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/receiptguard/receiptguard/internal/notify"
	"github.com/receiptguard/receiptguard/internal/risk"
	"github.com/receiptguard/receiptguard/internal/store"
	"github.com/receiptguard/receiptguard/internal/xero"
	"github.com/receiptguard/receiptguard/pkg/logging"
)

const (
	// DefaultSoftTokenAgeDays is when refresh-token age starts producing
	// warnings; Xero invalidates refresh tokens at 60 days.
	DefaultSoftTokenAgeDays = 55

	// DefaultHardTokenAgeDays is when a run is refused outright, before any
	// network call, because the refresh token cannot still be valid.
	DefaultHardTokenAgeDays = 65
)

var (
	ErrNotConnected      = errors.New("detector: company has not connected a Xero organisation")
	ErrNoTenant          = errors.New("detector: connection has no tenant, company must reconnect to Xero")
	ErrNoAccessToken     = errors.New("detector: connection has no access token, company must reconnect to Xero")
	ErrNoRefreshToken    = errors.New("detector: connection has no refresh token, company must reconnect to Xero")
	ErrReconnectRequired = errors.New("detector: refresh token is past the provider age limit, company must reconnect to Xero")
	ErrDetectionDisabled = errors.New("detector: attachment detection is disabled for this company")
)

// ConnectionSource loads a company's Xero connection.
type ConnectionSource interface {
	Get(ctx context.Context, companyID string) (*store.Connection, error)
}

// SettingsRepo is the settings surface the pipeline needs.
type SettingsRepo interface {
	GetOrCreate(ctx context.Context, companyID string) (*store.Settings, error)
	RecordProcessed(ctx context.Context, companyID string, count int) error
	RecordNotification(ctx context.Context, companyID string) error
	SentToday(ctx context.Context, companyID string) (int, error)
}

// TokenSource produces a usable access token for a run.
type TokenSource interface {
	EnsureFresh(ctx context.Context, conn *store.Connection) (string, error)
}

// TransactionFetcher retrieves one full resource collection.
type TransactionFetcher interface {
	FetchAll(ctx context.Context, accessToken, tenantID string, resource xero.ResourceType, companyID string) ([]xero.Transaction, error)
}

// LinkIssuer provides upload links for flagged transactions.
type LinkIssuer interface {
	FindOrCreate(ctx context.Context, transactionID, companyID, tenantID, transactionType string, expiryDays int) (*store.UploadLink, error)
	PublicURL(l *store.UploadLink) string
}

// AlertDispatcher delivers one alert over the configured channels.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, settings *store.Settings, alert notify.Alert) notify.Result
}

// TransactionError is one non-fatal failure inside a run.
type TransactionError struct {
	TransactionID string `json:"transactionId,omitempty"`
	Resource      string `json:"resource,omitempty"`
	Stage         string `json:"stage"`
	Message       string `json:"message"`
}

// Result is the partial-success envelope for one company run. Per-resource
// and per-transaction failures land in Errors without aborting the rest.
type Result struct {
	CompanyID            string             `json:"companyId"`
	TotalTransactions    int                `json:"totalTransactions"`
	MissingAttachments   int                `json:"missingAttachments"`
	HighRiskCount        int                `json:"highRiskCount"`
	LowRiskCount         int                `json:"lowRiskCount"`
	NotificationsSent    int                `json:"notificationsSent"`
	NotificationsSkipped int                `json:"notificationsSkipped"`
	Errors               []TransactionError `json:"errors,omitempty"`
	ProcessedAt          time.Time          `json:"processedAt"`
}

// Processor orchestrates one detection run per company.
type Processor struct {
	connections ConnectionSource
	settings    SettingsRepo
	tokens      TokenSource
	fetcher     TransactionFetcher
	links       LinkIssuer
	dispatcher  AlertDispatcher
	logger      logging.Logger

	softTokenAge time.Duration
	hardTokenAge time.Duration
	now          func() time.Time
}

// Config wires a processor.
type Config struct {
	Connections ConnectionSource
	Settings    SettingsRepo
	Tokens      TokenSource
	Fetcher     TransactionFetcher
	Links       LinkIssuer
	Dispatcher  AlertDispatcher
	Logger      logging.Logger

	// SoftTokenAgeDays and HardTokenAgeDays override the refresh-token age
	// gates. Zero means the defaults.
	SoftTokenAgeDays int
	HardTokenAgeDays int
}

// NewProcessor creates a detection processor.
func NewProcessor(cfg Config) *Processor {
	if cfg.SoftTokenAgeDays <= 0 {
		cfg.SoftTokenAgeDays = DefaultSoftTokenAgeDays
	}
	if cfg.HardTokenAgeDays <= 0 {
		cfg.HardTokenAgeDays = DefaultHardTokenAgeDays
	}
	return &Processor{
		connections:  cfg.Connections,
		settings:     cfg.Settings,
		tokens:       cfg.Tokens,
		fetcher:      cfg.Fetcher,
		links:        cfg.Links,
		dispatcher:   cfg.Dispatcher,
		logger:       cfg.Logger,
		softTokenAge: time.Duration(cfg.SoftTokenAgeDays) * 24 * time.Hour,
		hardTokenAge: time.Duration(cfg.HardTokenAgeDays) * 24 * time.Hour,
		now:          time.Now,
	}
}

// ProcessCompany runs the full pipeline for one company. A returned error
// means the run could not proceed at all; once fetching starts, failures
// degrade into Result.Errors instead.
func (p *Processor) ProcessCompany(ctx context.Context, companyID string) (*Result, error) {
	conn, err := p.connections.Get(ctx, companyID)
	if err == store.ErrNotFound {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection for company %s: %w", companyID, err)
	}
	if conn.TenantID == "" {
		return nil, ErrNoTenant
	}
	if conn.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	if conn.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	if err := p.checkTokenAge(conn); err != nil {
		return nil, err
	}

	settings, err := p.settings.GetOrCreate(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("loading settings for company %s: %w", companyID, err)
	}
	if !settings.Enabled {
		return nil, ErrDetectionDisabled
	}

	accessToken, err := p.tokens.EnsureFresh(ctx, conn)
	if err != nil {
		return nil, err
	}

	result := &Result{CompanyID: companyID, ProcessedAt: p.now()}

	var missing []xero.Transaction
	for _, resource := range xero.AllResourceTypes {
		records, err := p.fetcher.FetchAll(ctx, accessToken, conn.TenantID, resource, companyID)
		if err != nil {
			if fatal := fetchFatal(err); fatal != nil {
				return nil, fatal
			}
			result.Errors = append(result.Errors, TransactionError{
				Resource: string(resource),
				Stage:    "fetch",
				Message:  err.Error(),
			})
			continue
		}

		result.TotalTransactions += len(records)
		for _, txn := range records {
			if !txn.HasAttachments {
				missing = append(missing, txn)
			}
		}
	}

	result.MissingAttachments = len(missing)

	for i := range missing {
		p.handleMissing(ctx, conn, settings, &missing[i], result)
	}

	if err := p.settings.RecordProcessed(ctx, companyID, result.TotalTransactions); err != nil {
		p.logger.WithFields(logging.Fields{
			"company_id": companyID,
			"error":      err.Error(),
		}).Warn("Failed to record processed count")
	}

	p.logger.WithFields(logging.Fields{
		"company_id":         companyID,
		"total":              result.TotalTransactions,
		"missing":            result.MissingAttachments,
		"high_risk":          result.HighRiskCount,
		"notifications_sent": result.NotificationsSent,
		"errors":             len(result.Errors),
	}).Info("Detection run complete")

	return result, nil
}

// handleMissing classifies one flagged transaction, ensures its upload link
// and dispatches the alert, recording failures without aborting the run.
func (p *Processor) handleMissing(ctx context.Context, conn *store.Connection, settings *store.Settings, txn *xero.Transaction, result *Result) {
	txnID := txn.TransactionID()
	if txnID == "" {
		result.Errors = append(result.Errors, TransactionError{
			Resource: string(txn.Type),
			Stage:    "link",
			Message:  "transaction has no identifier",
		})
		return
	}

	assessment := risk.Assess(txn.Total, txn.TotalTax, txn.CurrencyCode, settings.GSTThreshold)
	if assessment.Level == risk.LevelHigh {
		result.HighRiskCount++
	} else {
		result.LowRiskCount++
	}

	link, err := p.links.FindOrCreate(ctx, txnID, conn.CompanyID, conn.TenantID, string(txn.Type), settings.LinkExpiryDays)
	if err != nil {
		result.Errors = append(result.Errors, TransactionError{
			TransactionID: txnID,
			Resource:      string(txn.Type),
			Stage:         "link",
			Message:       err.Error(),
		})
		return
	}

	sentToday, err := p.settings.SentToday(ctx, conn.CompanyID)
	if err != nil {
		result.Errors = append(result.Errors, TransactionError{
			TransactionID: txnID,
			Stage:         "notify",
			Message:       err.Error(),
		})
		return
	}
	if settings.DailyNotificationCap > 0 && sentToday >= settings.DailyNotificationCap {
		result.NotificationsSkipped++
		return
	}

	alert := notify.Alert{
		CompanyID:        conn.CompanyID,
		OrganizationName: conn.OrganizationName,
		TransactionID:    txnID,
		TransactionType:  string(txn.Type),
		ContactName:      txn.Contact.Name,
		Assessment:       assessment,
		UploadURL:        p.links.PublicURL(link),
		LinkExpiresAt:    link.ExpiresAt,
	}

	res := p.dispatcher.Dispatch(ctx, settings, alert)
	if !res.Sent {
		if res.SMSErr != nil || res.EmailErr != nil {
			msg := "delivery failed on all channels"
			if res.EmailErr != nil {
				msg = res.EmailErr.Error()
			} else if res.SMSErr != nil {
				msg = res.SMSErr.Error()
			}
			result.Errors = append(result.Errors, TransactionError{
				TransactionID: txnID,
				Stage:         "notify",
				Message:       msg,
			})
		} else {
			result.NotificationsSkipped++
		}
		return
	}

	result.NotificationsSent++
	if err := p.settings.RecordNotification(ctx, conn.CompanyID); err != nil {
		p.logger.WithFields(logging.Fields{
			"company_id": conn.CompanyID,
			"error":      err.Error(),
		}).Warn("Failed to record notification counter")
	}
}

// checkTokenAge enforces the provider's refresh-token lifetime without a
// network call. Past the hard limit the run is refused; inside the soft
// window it proceeds with a warning.
func (p *Processor) checkTokenAge(conn *store.Connection) error {
	if conn.RefreshTokenUpdatedAt.IsZero() {
		return nil
	}
	age := p.now().Sub(conn.RefreshTokenUpdatedAt)
	if age > p.hardTokenAge {
		return ErrReconnectRequired
	}
	if age > p.softTokenAge {
		p.logger.WithFields(logging.Fields{
			"company_id":     conn.CompanyID,
			"token_age_days": int(age.Hours() / 24),
		}).Warn("Refresh token approaching provider age limit")
	}
	return nil
}

// fetchFatal returns a non-nil error when a fetch failure should abort the
// whole run: broken auth means every remaining call would fail the same way,
// and the page cap means the collection is untrustworthy.
func fetchFatal(err error) error {
	if errors.Is(err, xero.ErrPageCapExceeded) {
		return err
	}
	var apiErr *xero.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case xero.ErrKindTokenExpired, xero.ErrKindInvalidClient, xero.ErrKindAuth:
			return err
		}
	}
	return nil
}
