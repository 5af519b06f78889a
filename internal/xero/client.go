// Package xero fetches transaction collections from the Xero accounting API.
package xero

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/receiptguard/receiptguard/pkg/logging"
)

const (
	// DefaultBaseURL is Xero's accounting API root.
	DefaultBaseURL = "https://api.xero.com/api.xro/2.0"

	pageSize = 100
	// pageCap bounds a single fetch; hitting it is a fatal guard
	// (ErrPageCapExceeded), never a silent truncation.
	pageCap = 50
)

// Client retrieves paginated transaction collections for one tenant.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger

	// pageDelay throttles sequential page requests.
	pageDelay time.Duration
}

// Config for creating a new Xero API client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	PageDelay time.Duration
	Logger    logging.Logger
}

// NewClient creates a new Xero API client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageDelay == 0 {
		cfg.PageDelay = 200 * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
		pageDelay:  cfg.PageDelay,
	}
}

// FetchAll retrieves the complete collection of the named resource type for
// one tenant, walking pages of 100 until a short page signals end-of-data.
// companyID is carried for logging and error context only and is never sent
// upstream.
func (c *Client) FetchAll(ctx context.Context, accessToken, tenantID string, resource ResourceType, companyID string) ([]Transaction, error) {
	var all []Transaction

	for pageNum := 1; ; pageNum++ {
		if pageNum > pageCap {
			c.logger.WithFields(logging.Fields{
				"company_id": companyID,
				"resource":   resource,
				"fetched":    len(all),
			}).Error("Page cap hit before end of collection")
			return nil, fmt.Errorf("fetching %s for company %s: %w", resource, companyID, ErrPageCapExceeded)
		}

		records, err := c.fetchPage(ctx, accessToken, tenantID, resource, companyID, pageNum)
		if err != nil {
			return nil, err
		}

		for i := range records {
			records[i].Type = resource
			records[i].CompanyID = companyID
		}
		all = append(all, records...)

		if len(records) < pageSize {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pageDelay):
		}
	}

	c.logger.WithFields(logging.Fields{
		"company_id": companyID,
		"resource":   resource,
		"count":      len(all),
	}).Debug("Fetched Xero collection")

	return all, nil
}

// fetchPage requests a single page, retrying exactly once on a 401 before
// classifying it as a hard authentication failure.
func (c *Client) fetchPage(ctx context.Context, accessToken, tenantID string, resource ResourceType, companyID string, pageNum int) ([]Transaction, error) {
	records, retriable, err := c.doPage(ctx, accessToken, tenantID, resource, companyID, pageNum)
	if err != nil && retriable {
		c.logger.WithFields(logging.Fields{
			"company_id": companyID,
			"resource":   resource,
			"page":       pageNum,
		}).Warn("Got 401 from Xero, retrying once")
		records, _, err = c.doPage(ctx, accessToken, tenantID, resource, companyID, pageNum)
	}
	return records, err
}

// doPage performs one page request. The bool result is true only for a 401,
// which the caller may retry once.
func (c *Client) doPage(ctx context.Context, accessToken, tenantID string, resource ResourceType, companyID string, pageNum int) ([]Transaction, bool, error) {
	url := fmt.Sprintf("%s/%s?page=%s", c.baseURL, resource, strconv.Itoa(pageNum))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating %s request for company %s: %w", resource, companyID, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Xero-Tenant-Id", tenantID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetching %s for company %s: %w", resource, companyID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("reading %s response for company %s: %w", resource, companyID, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := c.classify(resp.StatusCode, body, resource, companyID)
		return nil, resp.StatusCode == http.StatusUnauthorized, apiErr
	}

	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, false, fmt.Errorf("decoding %s response for company %s: %w", resource, companyID, err)
	}

	return p.records(resource), false, nil
}

func (c *Client) classify(status int, body []byte, resource ResourceType, companyID string) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		Resource:   resource,
		CompanyID:  companyID,
		Message:    upstreamMessage(body),
	}

	switch {
	case status == http.StatusUnauthorized:
		detail := strings.ToLower(apiErr.Message)
		switch {
		case strings.Contains(detail, "expired"), strings.Contains(detail, "invalid_grant"):
			apiErr.Kind = ErrKindTokenExpired
		case strings.Contains(detail, "invalid_client"), strings.Contains(detail, "unknown client"):
			apiErr.Kind = ErrKindInvalidClient
		default:
			apiErr.Kind = ErrKindAuth
		}
	case status == http.StatusForbidden:
		apiErr.Kind = ErrKindPermission
	case status == http.StatusNotFound:
		apiErr.Kind = ErrKindNotFound
	case status >= http.StatusInternalServerError:
		apiErr.Kind = ErrKindServer
	default:
		apiErr.Kind = ErrKindGeneric
	}

	return apiErr
}

// upstreamMessage digs a human-readable message out of a Xero error payload.
func upstreamMessage(body []byte) string {
	var payload struct {
		Title   string `json:"Title"`
		Detail  string `json:"Detail"`
		Message string `json:"Message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, m := range []string{payload.Detail, payload.Message, payload.Error, payload.Title} {
			if m != "" {
				return m
			}
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
