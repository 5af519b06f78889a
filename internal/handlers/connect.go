package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/receiptguard/receiptguard/internal/store"
	"github.com/receiptguard/receiptguard/internal/tokens"
	"github.com/receiptguard/receiptguard/pkg/clients"
	"github.com/receiptguard/receiptguard/pkg/logging"
	"github.com/receiptguard/receiptguard/pkg/middleware"
)

// DefaultConnectionsURL is Xero's tenant listing endpoint.
const DefaultConnectionsURL = "https://api.xero.com/connections"

// XeroConnector performs the OAuth code exchange and tenant resolution that
// turn a consent callback into a stored connection.
type XeroConnector struct {
	tokenURL       string
	connectionsURL string
	httpClient     *http.Client
	executor       failsafe.Executor[*http.Response]
	logger         logging.Logger
}

// ConnectorConfig for creating a XeroConnector.
type ConnectorConfig struct {
	TokenURL       string
	ConnectionsURL string
	Timeout        time.Duration
	Logger         logging.Logger
}

// NewXeroConnector creates a connector against Xero's identity endpoints.
func NewXeroConnector(cfg ConnectorConfig) *XeroConnector {
	if cfg.TokenURL == "" {
		cfg.TokenURL = tokens.DefaultTokenURL
	}
	if cfg.ConnectionsURL == "" {
		cfg.ConnectionsURL = DefaultConnectionsURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	// Transient identity-provider failures get retried behind a breaker so
	// a Xero outage cannot pile up connect attempts.
	execCfg := clients.DefaultHTTPExecutorConfig()
	execCfg.MaxRetries = 2
	execCfg.CircuitBreaker = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:   "xero-identity",
		Logger: cfg.Logger,
	})

	return &XeroConnector{
		tokenURL:       cfg.TokenURL,
		connectionsURL: cfg.ConnectionsURL,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		executor:       clients.NewHTTPExecutor(execCfg),
		logger:         cfg.Logger,
	}
}

// Exchange swaps an authorization code for a token pair.
func (x *XeroConnector) Exchange(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*tokens.Pair, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	// The form body is consumed per attempt, so the request is rebuilt
	// inside the executor callback.
	resp, err := clients.ExecuteHTTP(ctx, x.executor, func() (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, x.tokenURL, strings.NewReader(form.Encode()))
		if reqErr != nil {
			return nil, fmt.Errorf("creating token exchange request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.SetBasicAuth(clientID, clientSecret)
		return x.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding token exchange response: %w", err)
	}

	return &tokens.Pair{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

// PrimaryTenant resolves the first organisation tenant the token grants
// access to.
func (x *XeroConnector) PrimaryTenant(ctx context.Context, accessToken string) (tenantID, orgName string, err error) {
	resp, err := clients.ExecuteHTTP(ctx, x.executor, func() (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, x.connectionsURL, nil)
		if reqErr != nil {
			return nil, fmt.Errorf("creating connections request: %w", reqErr)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		return x.httpClient.Do(req)
	})
	if err != nil {
		return "", "", fmt.Errorf("listing tenants: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("listing tenants failed with status %d", resp.StatusCode)
	}

	var tenants []struct {
		TenantID   string `json:"tenantId"`
		TenantName string `json:"tenantName"`
		TenantType string `json:"tenantType"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tenants); err != nil {
		return "", "", fmt.Errorf("decoding tenants response: %w", err)
	}

	for _, t := range tenants {
		if strings.EqualFold(t.TenantType, "ORGANISATION") {
			return t.TenantID, t.TenantName, nil
		}
	}
	if len(tenants) > 0 {
		return tenants[0].TenantID, tenants[0].TenantName, nil
	}

	return "", "", fmt.Errorf("token grants access to no tenants")
}

type connectCallbackRequest struct {
	CompanyID    string `json:"companyId" binding:"required"`
	ClientID     string `json:"clientId" binding:"required"`
	ClientSecret string `json:"clientSecret" binding:"required"`
	Code         string `json:"code" binding:"required"`
	RedirectURI  string `json:"redirectUri" binding:"required"`
}

// HandleConnectCallback completes the OAuth consent flow: exchanges the
// authorization code, resolves the tenant and persists the connection.
func HandleConnectCallback(c middleware.Context) {
	var req connectCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "Invalid request body"})
		return
	}
	if _, ok := authorizedCompanyID(c, req.CompanyID); !ok {
		return
	}

	ctx := c.Request.Context()

	pair, err := connector.Exchange(ctx, req.ClientID, req.ClientSecret, req.Code, req.RedirectURI)
	if err != nil {
		logger.WithFields(logging.Fields{
			"company_id": req.CompanyID,
			"error":      err.Error(),
		}).Error("OAuth code exchange failed")
		c.JSON(http.StatusBadGateway, middleware.H{"error": "Code exchange with Xero failed"})
		return
	}

	tenantID, orgName, err := connector.PrimaryTenant(ctx, pair.AccessToken)
	if err != nil {
		logger.WithFields(logging.Fields{
			"company_id": req.CompanyID,
			"error":      err.Error(),
		}).Error("Tenant resolution failed")
		c.JSON(http.StatusBadGateway, middleware.H{"error": "Could not resolve Xero organisation"})
		return
	}

	conn := &store.Connection{
		CompanyID:        req.CompanyID,
		ClientID:         req.ClientID,
		ClientSecret:     req.ClientSecret,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenExpiresAt:   sql.NullTime{Time: pair.ExpiresAt, Valid: true},
		TenantID:         tenantID,
		OrganizationName: orgName,
	}
	if err := connStore.Upsert(ctx, conn); err != nil {
		logger.WithFields(logging.Fields{
			"company_id": req.CompanyID,
			"error":      err.Error(),
		}).Error("Failed to persist connection")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Failed to store connection"})
		return
	}

	logger.WithFields(logging.Fields{
		"company_id": req.CompanyID,
		"tenant_id":  tenantID,
	}).Info("Company connected to Xero")

	c.JSON(http.StatusOK, middleware.H{
		"companyId":        req.CompanyID,
		"tenantId":         tenantID,
		"organizationName": orgName,
		"connected":        true,
	})
}
