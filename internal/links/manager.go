// Package links issues, deduplicates, extends and consumes single-use
// time-boxed upload permissions per transaction.
package links

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/receiptguard/receiptguard/internal/store"
	"github.com/receiptguard/receiptguard/pkg/logging"
)

const (
	// DefaultExpiryDays is the link lifetime when a company has not
	// configured its own.
	DefaultExpiryDays = 7

	// DefaultRetentionDays bounds storage growth: links expired longer than
	// this are swept regardless of used state.
	DefaultRetentionDays = 30
)

var (
	// ErrLinkInvalid covers an unknown id or a token mismatch. The response
	// is identical for both so a caller can't probe which field was wrong.
	ErrLinkInvalid = errors.New("links: invalid link or token")
	ErrLinkUsed    = errors.New("links: link already used")
	ErrLinkExpired = errors.New("links: link expired")
)

// Repo is the persistence surface the manager needs.
type Repo interface {
	FindActive(ctx context.Context, transactionID, companyID, tenantID string) (*store.UploadLink, error)
	FindExpiredUnused(ctx context.Context, transactionID, companyID, tenantID string) (*store.UploadLink, error)
	Get(ctx context.Context, linkID string) (*store.UploadLink, error)
	Insert(ctx context.Context, l *store.UploadLink) error
	Extend(ctx context.Context, linkID string, expiresAt time.Time) error
	Consume(ctx context.Context, linkID, fileURL, fileName string, fileSize int64) error
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Manager guarantees idempotent, secure, time-boxed upload permissions.
type Manager struct {
	repo            Repo
	frontendBaseURL string
	logger          logging.Logger
	now             func() time.Time
}

// NewManager creates a link manager. frontendBaseURL is the public origin
// upload URLs are built on.
func NewManager(repo Repo, frontendBaseURL string, logger logging.Logger) *Manager {
	return &Manager{
		repo:            repo,
		frontendBaseURL: frontendBaseURL,
		logger:          logger,
		now:             time.Now,
	}
}

// FindOrCreate returns the canonical upload link for a transaction. An
// active link is reused as-is; an expired-but-unused link is extended in
// place, preserving its id and token; only when neither exists is a new
// link generated.
func (m *Manager) FindOrCreate(ctx context.Context, transactionID, companyID, tenantID, transactionType string, expiryDays int) (*store.UploadLink, error) {
	if expiryDays <= 0 {
		expiryDays = DefaultExpiryDays
	}

	active, err := m.repo.FindActive(ctx, transactionID, companyID, tenantID)
	if err == nil {
		return active, nil
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("looking up active link for transaction %s: %w", transactionID, err)
	}

	newExpiry := m.now().Add(time.Duration(expiryDays) * 24 * time.Hour)

	expired, err := m.repo.FindExpiredUnused(ctx, transactionID, companyID, tenantID)
	if err == nil {
		if err := m.repo.Extend(ctx, expired.ID, newExpiry); err != nil {
			return nil, fmt.Errorf("extending link %s: %w", expired.ID, err)
		}
		expired.ExpiresAt = newExpiry
		m.logger.WithFields(logging.Fields{
			"link_id":        expired.ID,
			"transaction_id": transactionID,
			"company_id":     companyID,
		}).Info("Extended expired upload link")
		return expired, nil
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("looking up expired link for transaction %s: %w", transactionID, err)
	}

	token, err := newSecurityToken()
	if err != nil {
		return nil, err
	}

	link := &store.UploadLink{
		ID:              uuid.New().String(),
		SecurityToken:   token,
		TransactionID:   transactionID,
		CompanyID:       companyID,
		TenantID:        tenantID,
		TransactionType: transactionType,
		CreatedAt:       m.now(),
		ExpiresAt:       newExpiry,
	}
	if err := m.repo.Insert(ctx, link); err != nil {
		return nil, fmt.Errorf("creating link for transaction %s: %w", transactionID, err)
	}

	m.logger.WithFields(logging.Fields{
		"link_id":        link.ID,
		"transaction_id": transactionID,
		"company_id":     companyID,
	}).Info("Issued upload link")

	return link, nil
}

// PublicURL builds the user-facing upload URL. Both the path id and the
// token query parameter are required to authorize an upload.
func (m *Manager) PublicURL(l *store.UploadLink) string {
	return fmt.Sprintf("%s/upload-receipt/%s?token=%s", m.frontendBaseURL, l.ID, l.SecurityToken)
}

// Validate authorizes a link for consumption. The id and token must both
// match a stored row that is unused and unexpired; each failure mode gets a
// distinct error so the caller can report it as a client fault.
func (m *Manager) Validate(ctx context.Context, linkID, token string) (*store.UploadLink, error) {
	if linkID == "" || token == "" {
		return nil, ErrLinkInvalid
	}

	link, err := m.repo.Get(ctx, linkID)
	if err == store.ErrNotFound {
		return nil, ErrLinkInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("loading link %s: %w", linkID, err)
	}

	if link.SecurityToken != token {
		return nil, ErrLinkInvalid
	}
	if link.Used {
		return nil, ErrLinkUsed
	}
	if !link.ExpiresAt.After(m.now()) {
		return nil, ErrLinkExpired
	}

	return link, nil
}

// Consume validates then permanently retires a link, recording the accepted
// file's metadata. The transition is one-way.
func (m *Manager) Consume(ctx context.Context, linkID, token, fileURL, fileName string, fileSize int64) (*store.UploadLink, error) {
	link, err := m.Validate(ctx, linkID, token)
	if err != nil {
		return nil, err
	}

	if err := m.repo.Consume(ctx, link.ID, fileURL, fileName, fileSize); err != nil {
		// A concurrent consume won the race; report it as already used.
		if err == store.ErrNotFound {
			return nil, ErrLinkUsed
		}
		return nil, err
	}

	link.Used = true
	link.Resolved = true
	return link, nil
}

// Sweep deletes links whose expiry is older than the retention window.
func (m *Manager) Sweep(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := m.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	return m.repo.DeleteExpiredBefore(ctx, cutoff)
}

// newSecurityToken generates a high-entropy token independent of the link id.
func newSecurityToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating security token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
