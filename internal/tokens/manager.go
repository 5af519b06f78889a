// Package tokens keeps a company's Xero access token usable across the
// lifetime of a multi-call operation.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/receiptguard/receiptguard/internal/store"
	"github.com/receiptguard/receiptguard/pkg/logging"
)

// DefaultTokenURL is Xero's OAuth2 token endpoint.
const DefaultTokenURL = "https://identity.xero.com/connect/token"

// refreshWindow is how close to expiry a token gets before we refresh it
// proactively.
const refreshWindow = 5 * time.Minute

var (
	ErrRefreshTokenExpired = errors.New("tokens: refresh token expired, company must reconnect to Xero")
	ErrInvalidClient       = errors.New("tokens: invalid client credentials")
	ErrMissingCredentials  = errors.New("tokens: connection has no client credentials")
)

// ConnectionWriter persists refreshed token material.
type ConnectionWriter interface {
	UpdateTokens(ctx context.Context, companyID, accessToken, refreshToken string, expiresAt time.Time) error
}

// Pair is a refreshed token pair with its computed expiry.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Manager refreshes tokens against the identity provider and persists the
// result.
type Manager struct {
	tokenURL   string
	httpClient *http.Client
	writer     ConnectionWriter
	logger     logging.Logger
	retry      retrypolicy.RetryPolicy[*http.Response]
}

// Config for creating a token manager.
type Config struct {
	TokenURL string
	Timeout  time.Duration
	// RetryDelay overrides the fixed backoff between refresh attempts.
	// Tests shrink it; production uses the 2s default.
	RetryDelay time.Duration
	Writer     ConnectionWriter
	Logger     logging.Logger
}

// NewManager creates a token manager.
func NewManager(cfg Config) *Manager {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	// Up to 2 extra attempts with a fixed delay, on network errors and 5xx
	// only. Credential (4xx) failures are never retried.
	retry := retrypolicy.NewBuilder[*http.Response]().
		WithMaxRetries(2).
		WithDelay(cfg.RetryDelay).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= http.StatusInternalServerError
		}).
		Build()

	return &Manager{
		tokenURL:   cfg.TokenURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		writer:     cfg.Writer,
		logger:     cfg.Logger,
		retry:      retry,
	}
}

// EnsureFresh returns an access token safe to use for a multi-call
// operation. A token already past expiry forces a refresh; one inside the
// refresh window is refreshed best-effort, keeping the old token if the
// refresh fails.
func (m *Manager) EnsureFresh(ctx context.Context, conn *store.Connection) (string, error) {
	if !conn.TokenExpiresAt.Valid || !conn.TokenExpiresAt.Time.After(time.Now()) {
		pair, err := m.Refresh(ctx, conn)
		if err != nil {
			return "", fmt.Errorf("access token expired and refresh failed for company %s: %w", conn.CompanyID, err)
		}
		return pair.AccessToken, nil
	}

	if time.Until(conn.TokenExpiresAt.Time) < refreshWindow {
		pair, err := m.Refresh(ctx, conn)
		if err != nil {
			m.logger.WithFields(logging.Fields{
				"company_id": conn.CompanyID,
				"error":      err,
			}).Warn("Proactive token refresh failed, continuing with current token")
			return conn.AccessToken, nil
		}
		return pair.AccessToken, nil
	}

	return conn.AccessToken, nil
}

// Refresh exchanges the stored refresh token for a new pair and persists it.
func (m *Manager) Refresh(ctx context.Context, conn *store.Connection) (*Pair, error) {
	if conn.ClientID == "" || conn.ClientSecret == "" {
		return nil, ErrMissingCredentials
	}
	if conn.RefreshToken == "" {
		return nil, ErrRefreshTokenExpired
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", conn.RefreshToken)
	body := form.Encode()

	resp, err := failsafe.With(m.retry).WithContext(ctx).Get(func() (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.SetBasicAuth(conn.ClientID, conn.ClientSecret)

		r, doErr := m.httpClient.Do(req)
		if doErr == nil && r.StatusCode >= http.StatusInternalServerError {
			// Drain so the retried request gets a fresh connection.
			_, _ = io.Copy(io.Discard, r.Body)
			_ = r.Body.Close()
		}
		return r, doErr
	})
	if err != nil {
		return nil, fmt.Errorf("token refresh request for company %s: %w", conn.CompanyID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, m.classifyFailure(resp)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding token response for company %s: %w", conn.CompanyID, err)
	}

	pair := &Pair{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	// Xero rotates refresh tokens; keep the old one only if none came back.
	if pair.RefreshToken == "" {
		pair.RefreshToken = conn.RefreshToken
	}

	if err := m.writer.UpdateTokens(ctx, conn.CompanyID, pair.AccessToken, pair.RefreshToken, pair.ExpiresAt); err != nil {
		return nil, fmt.Errorf("persisting refreshed tokens for company %s: %w", conn.CompanyID, err)
	}

	conn.AccessToken = pair.AccessToken
	conn.RefreshToken = pair.RefreshToken
	conn.TokenExpiresAt.Valid = true
	conn.TokenExpiresAt.Time = pair.ExpiresAt

	m.logger.WithFields(logging.Fields{
		"company_id": conn.CompanyID,
		"expires_at": pair.ExpiresAt,
	}).Info("Refreshed Xero access token")

	return pair, nil
}

// classifyFailure maps the identity provider's error code, not just the HTTP
// status, onto the failure taxonomy.
func (m *Manager) classifyFailure(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var payload struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &payload)

	switch payload.Error {
	case "invalid_grant":
		return ErrRefreshTokenExpired
	case "invalid_client":
		return ErrInvalidClient
	}

	msg := payload.Description
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return fmt.Errorf("tokens: refresh failed with status %d: %s", resp.StatusCode, msg)
}
