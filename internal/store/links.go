package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LinkStore persists upload_links rows.
type LinkStore struct {
	db *sql.DB
}

func NewLinkStore(db *sql.DB) *LinkStore {
	return &LinkStore{db: db}
}

const linkColumns = `id, security_token, transaction_id, company_id, tenant_id,
	transaction_type, created_at, expires_at, used, used_at,
	resolved, resolved_at, file_url, file_name, file_size`

func scanLink(row *sql.Row) (*UploadLink, error) {
	var l UploadLink
	err := row.Scan(
		&l.ID, &l.SecurityToken, &l.TransactionID, &l.CompanyID, &l.TenantID,
		&l.TransactionType, &l.CreatedAt, &l.ExpiresAt, &l.Used, &l.UsedAt,
		&l.Resolved, &l.ResolvedAt, &l.FileURL, &l.FileName, &l.FileSize,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning upload link: %w", err)
	}
	return &l, nil
}

// FindActive returns the unused, unexpired link for the transaction, if any.
func (s *LinkStore) FindActive(ctx context.Context, transactionID, companyID, tenantID string) (*UploadLink, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+`
		FROM upload_links
		WHERE transaction_id = $1 AND company_id = $2 AND tenant_id = $3
		  AND used = FALSE AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`, transactionID, companyID, tenantID)
	return scanLink(row)
}

// FindExpiredUnused returns the most recent expired-but-unused link for the
// transaction, if any. Such links are extended rather than duplicated.
func (s *LinkStore) FindExpiredUnused(ctx context.Context, transactionID, companyID, tenantID string) (*UploadLink, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+`
		FROM upload_links
		WHERE transaction_id = $1 AND company_id = $2 AND tenant_id = $3
		  AND used = FALSE AND expires_at <= NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`, transactionID, companyID, tenantID)
	return scanLink(row)
}

// Get loads one link by id.
func (s *LinkStore) Get(ctx context.Context, linkID string) (*UploadLink, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+`
		FROM upload_links
		WHERE id = $1
	`, linkID)
	return scanLink(row)
}

// Insert persists a freshly issued link.
func (s *LinkStore) Insert(ctx context.Context, l *UploadLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_links
			(id, security_token, transaction_id, company_id, tenant_id,
			 transaction_type, created_at, expires_at, used, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, FALSE)
	`, l.ID, l.SecurityToken, l.TransactionID, l.CompanyID, l.TenantID,
		l.TransactionType, l.CreatedAt, l.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting upload link %s: %w", l.ID, err)
	}
	return nil
}

// Extend moves an unused link's expiry forward, preserving id and token.
// The used guard keeps consumed links immutable.
func (s *LinkStore) Extend(ctx context.Context, linkID string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE upload_links
		SET expires_at = $2
		WHERE id = $1 AND used = FALSE
	`, linkID, expiresAt)
	if err != nil {
		return fmt.Errorf("extending upload link %s: %w", linkID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Consume marks a link used and attaches file metadata. The used = FALSE
// guard makes the transition one-way; a second consume affects zero rows.
func (s *LinkStore) Consume(ctx context.Context, linkID, fileURL, fileName string, fileSize int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE upload_links
		SET used = TRUE, used_at = NOW(), resolved = TRUE, resolved_at = NOW(),
		    file_url = $2, file_name = $3, file_size = $4
		WHERE id = $1 AND used = FALSE
	`, linkID, fileURL, fileName, fileSize)
	if err != nil {
		return fmt.Errorf("consuming upload link %s: %w", linkID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredBefore removes links whose expiry is older than the cutoff,
// regardless of used state. Returns the number of rows deleted.
func (s *LinkStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM upload_links
		WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired upload links: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// ListByCompany returns a company's links, newest first.
func (s *LinkStore) ListByCompany(ctx context.Context, companyID string, limit int) ([]UploadLink, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+linkColumns+`
		FROM upload_links
		WHERE company_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing upload links for company %s: %w", companyID, err)
	}
	defer rows.Close()

	var links []UploadLink
	for rows.Next() {
		var l UploadLink
		if err := rows.Scan(
			&l.ID, &l.SecurityToken, &l.TransactionID, &l.CompanyID, &l.TenantID,
			&l.TransactionType, &l.CreatedAt, &l.ExpiresAt, &l.Used, &l.UsedAt,
			&l.Resolved, &l.ResolvedAt, &l.FileURL, &l.FileName, &l.FileSize,
		); err != nil {
			return nil, fmt.Errorf("scanning upload link row: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
