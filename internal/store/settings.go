package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SettingsStore persists attachment_settings rows.
type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

const settingsColumns = `company_id, enabled, gst_threshold, sms_enabled, email_enabled,
	notification_phone, notification_email, link_expiry_days,
	daily_notification_cap, notification_frequency,
	notifications_sent, notifications_sent_today, notifications_day,
	transactions_processed, created_at, updated_at`

func (s *SettingsStore) scan(row *sql.Row) (*Settings, error) {
	var cfg Settings
	err := row.Scan(
		&cfg.CompanyID, &cfg.Enabled, &cfg.GSTThreshold, &cfg.SMSEnabled, &cfg.EmailEnabled,
		&cfg.NotificationPhone, &cfg.NotificationEmail, &cfg.LinkExpiryDays,
		&cfg.DailyNotificationCap, &cfg.NotificationFrequency,
		&cfg.NotificationsSent, &cfg.NotificationsSentToday, &cfg.NotificationsDay,
		&cfg.TransactionsProcessed, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning settings: %w", err)
	}
	return &cfg, nil
}

// GetOrCreate loads a company's settings, lazily inserting the defaults row
// on first access.
func (s *SettingsStore) GetOrCreate(ctx context.Context, companyID string) (*Settings, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO attachment_settings (company_id)
		VALUES ($1)
		ON CONFLICT (company_id) DO UPDATE SET updated_at = attachment_settings.updated_at
		RETURNING `+settingsColumns, companyID)
	cfg, err := s.scan(row)
	if err != nil {
		return nil, fmt.Errorf("get-or-create settings for company %s: %w", companyID, err)
	}
	return cfg, nil
}

// Update applies a partial update; only non-nil patch fields change.
func (s *SettingsStore) Update(ctx context.Context, companyID string, patch SettingsPatch) (*Settings, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE attachment_settings SET
			enabled = COALESCE($2, enabled),
			gst_threshold = COALESCE($3, gst_threshold),
			sms_enabled = COALESCE($4, sms_enabled),
			email_enabled = COALESCE($5, email_enabled),
			notification_phone = COALESCE($6, notification_phone),
			notification_email = COALESCE($7, notification_email),
			link_expiry_days = COALESCE($8, link_expiry_days),
			daily_notification_cap = COALESCE($9, daily_notification_cap),
			notification_frequency = COALESCE($10, notification_frequency),
			updated_at = NOW()
		WHERE company_id = $1
		RETURNING `+settingsColumns,
		companyID, patch.Enabled, patch.GSTThreshold, patch.SMSEnabled, patch.EmailEnabled,
		patch.NotificationPhone, patch.NotificationEmail, patch.LinkExpiryDays,
		patch.DailyNotificationCap, patch.NotificationFrequency)
	cfg, err := s.scan(row)
	if err == ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating settings for company %s: %w", companyID, err)
	}
	return cfg, nil
}

// RecordProcessed bumps the lifetime transactions-processed counter.
func (s *SettingsStore) RecordProcessed(ctx context.Context, companyID string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE attachment_settings
		SET transactions_processed = transactions_processed + $2, updated_at = NOW()
		WHERE company_id = $1
	`, companyID, count)
	if err != nil {
		return fmt.Errorf("recording processed count for company %s: %w", companyID, err)
	}
	return nil
}

// RecordNotification bumps both the lifetime and today's notification
// counters, resetting the daily counter when the day rolls over.
func (s *SettingsStore) RecordNotification(ctx context.Context, companyID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE attachment_settings
		SET notifications_sent = notifications_sent + 1,
		    notifications_sent_today = CASE
		        WHEN notifications_day = CURRENT_DATE THEN notifications_sent_today + 1
		        ELSE 1
		    END,
		    notifications_day = CURRENT_DATE,
		    updated_at = NOW()
		WHERE company_id = $1
	`, companyID)
	if err != nil {
		return fmt.Errorf("recording notification for company %s: %w", companyID, err)
	}
	return nil
}

// ListEnabled returns the ids of all companies with detection enabled.
func (s *SettingsStore) ListEnabled(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT company_id
		FROM attachment_settings
		WHERE enabled = TRUE
		ORDER BY company_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing enabled companies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning company id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SentToday returns how many notifications went out today, resetting
// implicitly when the stored day is stale.
func (s *SettingsStore) SentToday(ctx context.Context, companyID string) (int, error) {
	var sent int
	var day sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT notifications_sent_today, notifications_day
		FROM attachment_settings
		WHERE company_id = $1
	`, companyID).Scan(&sent, &day)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading daily notification count for company %s: %w", companyID, err)
	}
	if !day.Valid || !sameDay(day.Time) {
		return 0, nil
	}
	return sent, nil
}
