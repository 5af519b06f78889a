// Package store provides row-level persistence for connections, upload links
// and per-company attachment settings.
package store

import (
	"database/sql"
	"time"
)

// Connection is one company's link to a Xero organisation.
type Connection struct {
	CompanyID    string
	ClientID     string
	ClientSecret string // decrypted on read when an encryptor is configured
	AccessToken  string
	RefreshToken string
	// RefreshTokenUpdatedAt anchors the provider's refresh-token age limit.
	RefreshTokenUpdatedAt time.Time
	TokenExpiresAt        sql.NullTime
	TenantID              string
	OrganizationName      string
	ConnectedAt           time.Time
	UpdatedAt             time.Time
}

// UploadLink is a single-use permission to attach a receipt to one
// transaction.
type UploadLink struct {
	ID              string
	SecurityToken   string
	TransactionID   string
	CompanyID       string
	TenantID        string
	TransactionType string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Used            bool
	UsedAt          sql.NullTime
	Resolved        bool
	ResolvedAt      sql.NullTime
	FileURL         sql.NullString
	FileName        sql.NullString
	FileSize        sql.NullInt64
}

// Active reports whether the link can still authorize an upload.
func (l *UploadLink) Active(now time.Time) bool {
	return !l.Used && l.ExpiresAt.After(now)
}

// Settings controls detection and notification for one company.
type Settings struct {
	CompanyID              string
	Enabled                bool
	GSTThreshold           float64
	SMSEnabled             bool
	EmailEnabled           bool
	NotificationPhone      string
	NotificationEmail      string
	LinkExpiryDays         int
	DailyNotificationCap   int
	NotificationFrequency  string
	NotificationsSent      int64
	NotificationsSentToday int
	NotificationsDay       sql.NullTime
	TransactionsProcessed  int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// SettingsPatch is a partial update; only non-nil fields change.
type SettingsPatch struct {
	Enabled               *bool
	GSTThreshold          *float64
	SMSEnabled            *bool
	EmailEnabled          *bool
	NotificationPhone     *string
	NotificationEmail     *string
	LinkExpiryDays        *int
	DailyNotificationCap  *int
	NotificationFrequency *string
}
