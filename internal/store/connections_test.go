package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/receiptguard/receiptguard/pkg/crypto"
)

func connRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"company_id", "client_id", "client_secret", "access_token", "refresh_token",
		"refresh_token_updated_at", "token_expires_at", "tenant_id",
		"organization_name", "connected_at", "updated_at",
	})
}

func TestConnectionStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM xero_connections").
		WithArgs("co-1").
		WillReturnRows(connRows().AddRow(
			"co-1", "client-1", "plain-secret", "access", "refresh",
			now, now.Add(time.Hour), "ten-1", "Acme Pty Ltd", now, now,
		))

	conn, err := NewConnectionStore(db, nil).Get(context.Background(), "co-1")
	require.NoError(t, err)

	assert.Equal(t, "client-1", conn.ClientID)
	assert.Equal(t, "plain-secret", conn.ClientSecret)
	assert.Equal(t, "ten-1", conn.TenantID)
	assert.Equal(t, "Acme Pty Ltd", conn.OrganizationName)
	assert.True(t, conn.TokenExpiresAt.Valid)
}

func TestConnectionStore_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM xero_connections").
		WithArgs("co-404").
		WillReturnRows(connRows())

	_, err = NewConnectionStore(db, nil).Get(context.Background(), "co-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionStore_SecretRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	encryptor, err := crypto.DeriveFieldEncryptor([]byte("test-master-secret"), "xero-client-secret")
	require.NoError(t, err)
	stored, err := encryptor.Encrypt("super-secret")
	require.NoError(t, err)
	assert.True(t, crypto.IsEncrypted(stored))

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM xero_connections").
		WithArgs("co-1").
		WillReturnRows(connRows().AddRow(
			"co-1", "client-1", stored, "access", "refresh",
			now, now.Add(time.Hour), "ten-1", "Acme", now, now,
		))

	conn, err := NewConnectionStore(db, encryptor).Get(context.Background(), "co-1")
	require.NoError(t, err)
	assert.Equal(t, "super-secret", conn.ClientSecret)
}

func TestConnectionStore_UpdateTokens_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expiry := time.Now().Add(30 * time.Minute)
	mock.ExpectExec("UPDATE xero_connections").
		WithArgs("co-404", "a", "r", expiry).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewConnectionStore(db, nil).UpdateTokens(context.Background(), "co-404", "a", "r", expiry)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionStore_Disconnect(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE xero_connections").
		WithArgs("co-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewConnectionStore(db, nil).Disconnect(context.Background(), "co-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
