package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/receiptguard/receiptguard/pkg/crypto"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ConnectionStore persists xero_connections rows, keyed by company id.
// Client secrets go through the field encryptor when one is configured.
type ConnectionStore struct {
	db        *sql.DB
	encryptor *crypto.FieldEncryptor
}

// NewConnectionStore creates a connection store. encryptor may be nil, in
// which case secrets are stored as plaintext (local development only).
func NewConnectionStore(db *sql.DB, encryptor *crypto.FieldEncryptor) *ConnectionStore {
	return &ConnectionStore{db: db, encryptor: encryptor}
}

// Get loads one company's connection.
func (s *ConnectionStore) Get(ctx context.Context, companyID string) (*Connection, error) {
	var conn Connection
	var clientID, clientSecret, accessToken, refreshToken, tenantID, orgName sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT company_id, client_id, client_secret, access_token, refresh_token,
		       refresh_token_updated_at, token_expires_at, tenant_id,
		       organization_name, connected_at, updated_at
		FROM xero_connections
		WHERE company_id = $1
	`, companyID).Scan(
		&conn.CompanyID, &clientID, &clientSecret, &accessToken, &refreshToken,
		&conn.RefreshTokenUpdatedAt, &conn.TokenExpiresAt, &tenantID, &orgName,
		&conn.ConnectedAt, &conn.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection for company %s: %w", companyID, err)
	}

	conn.ClientID = clientID.String
	conn.AccessToken = accessToken.String
	conn.RefreshToken = refreshToken.String
	conn.TenantID = tenantID.String
	conn.OrganizationName = orgName.String

	conn.ClientSecret = clientSecret.String
	if s.encryptor != nil && conn.ClientSecret != "" {
		conn.ClientSecret, err = s.encryptor.Decrypt(conn.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("decrypting client secret for company %s: %w", companyID, err)
		}
	}

	return &conn, nil
}

// Upsert creates or replaces a company's connection. Called from the OAuth
// callback after a successful code exchange.
func (s *ConnectionStore) Upsert(ctx context.Context, conn *Connection) error {
	secret := conn.ClientSecret
	if s.encryptor != nil && secret != "" {
		var err error
		secret, err = s.encryptor.Encrypt(secret)
		if err != nil {
			return fmt.Errorf("encrypting client secret for company %s: %w", conn.CompanyID, err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO xero_connections
			(company_id, client_id, client_secret, access_token, refresh_token,
			 refresh_token_updated_at, token_expires_at, tenant_id,
			 organization_name, connected_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6, $7, $8, NOW(), NOW())
		ON CONFLICT (company_id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			refresh_token_updated_at = NOW(),
			token_expires_at = EXCLUDED.token_expires_at,
			tenant_id = EXCLUDED.tenant_id,
			organization_name = EXCLUDED.organization_name,
			connected_at = EXCLUDED.connected_at,
			updated_at = NOW()
	`, conn.CompanyID, conn.ClientID, secret, conn.AccessToken, conn.RefreshToken,
		conn.TokenExpiresAt, conn.TenantID, conn.OrganizationName)
	if err != nil {
		return fmt.Errorf("upserting connection for company %s: %w", conn.CompanyID, err)
	}
	return nil
}

// UpdateTokens overwrites the token triple after a successful refresh.
func (s *ConnectionStore) UpdateTokens(ctx context.Context, companyID, accessToken, refreshToken string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE xero_connections
		SET access_token = $2, refresh_token = $3, refresh_token_updated_at = NOW(),
		    token_expires_at = $4, updated_at = NOW()
		WHERE company_id = $1
	`, companyID, accessToken, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("updating tokens for company %s: %w", companyID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Disconnect clears the token material, keeping the row so history and
// settings survive reconnection.
func (s *ConnectionStore) Disconnect(ctx context.Context, companyID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE xero_connections
		SET access_token = NULL, refresh_token = NULL, token_expires_at = NULL, updated_at = NOW()
		WHERE company_id = $1
	`, companyID)
	if err != nil {
		return fmt.Errorf("disconnecting company %s: %w", companyID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
