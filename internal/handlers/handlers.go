// Package handlers exposes the management and public upload HTTP surface.
package handlers

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/receiptguard/receiptguard/internal/detector"
	"github.com/receiptguard/receiptguard/internal/links"
	"github.com/receiptguard/receiptguard/internal/store"
	"github.com/receiptguard/receiptguard/pkg/logging"
	"github.com/receiptguard/receiptguard/pkg/middleware"
	"github.com/receiptguard/receiptguard/pkg/validation"
)

// Metrics holds custom detection metrics
type Metrics struct {
	DetectionRuns *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	Uploads       *prometheus.CounterVec

	DBQueries     *prometheus.CounterVec
	DBDuration    *prometheus.HistogramVec
	DBConnections *prometheus.GaugeVec
}

var (
	logger        logging.Logger
	metrics       *Metrics
	processor     *detector.Processor
	connStore     *store.ConnectionStore
	settingsStore *store.SettingsStore
	linkStore     *store.LinkStore
	linkManager   *links.Manager
	connector     *XeroConnector
	fileStore     FileStore
)

// Deps carries the collaborators handlers need.
type Deps struct {
	Logger      logging.Logger
	Metrics     *Metrics
	Processor   *detector.Processor
	Connections *store.ConnectionStore
	Settings    *store.SettingsStore
	Links       *store.LinkStore
	LinkManager *links.Manager
	Connector   *XeroConnector
	FileStore   FileStore
}

// Init initializes the handlers with their collaborators
func Init(deps Deps) {
	logger = deps.Logger
	metrics = deps.Metrics
	processor = deps.Processor
	connStore = deps.Connections
	settingsStore = deps.Settings
	linkStore = deps.Links
	linkManager = deps.LinkManager
	connector = deps.Connector
	fileStore = deps.FileStore
}

// Management API Endpoints

// authorizedCompanyID resolves the company a management request may act on.
// Dashboard tokens are bound to the company in their claims; service callers
// may name any company. Mismatches are rejected before any data access.
func authorizedCompanyID(c middleware.Context, requested string) (string, bool) {
	if c.GetString("role") == "service" {
		return requested, true
	}
	claimed := c.GetString("company_id")
	if claimed == "" || claimed != requested {
		c.JSON(http.StatusForbidden, middleware.H{"error": "Company access denied"})
		return "", false
	}
	return claimed, true
}

// GetSettings returns a company's attachment detection settings, creating
// the defaults row on first access.
func GetSettings(c middleware.Context) {
	companyID, ok := authorizedCompanyID(c, c.Param("id"))
	if !ok {
		return
	}

	cfg, err := settingsStore.GetOrCreate(c.Request.Context(), companyID)
	if err != nil {
		logger.WithFields(logging.Fields{
			"company_id": companyID,
			"error":      err.Error(),
		}).Error("Failed to load settings")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Failed to load settings"})
		return
	}

	c.JSON(http.StatusOK, settingsResponse(cfg))
}

type settingsPatchRequest struct {
	Enabled               *bool    `json:"enabled"`
	GSTThreshold          *float64 `json:"gstThreshold"`
	SMSEnabled            *bool    `json:"smsEnabled"`
	EmailEnabled          *bool    `json:"emailEnabled"`
	NotificationPhone     *string  `json:"notificationPhone"`
	NotificationEmail     *string  `json:"notificationEmail"`
	LinkExpiryDays        *int     `json:"linkExpiryDays"`
	DailyNotificationCap  *int     `json:"dailyNotificationCap"`
	NotificationFrequency *string  `json:"notificationFrequency"`
}

// UpdateSettings applies a partial settings update. Contact fields are
// validated before they can be stored.
func UpdateSettings(c middleware.Context) {
	companyID, ok := authorizedCompanyID(c, c.Param("id"))
	if !ok {
		return
	}

	var req settingsPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "Invalid request body"})
		return
	}

	if req.NotificationPhone != nil && *req.NotificationPhone != "" && !validation.ValidPhone(*req.NotificationPhone) {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "Invalid notification phone number"})
		return
	}
	if req.NotificationEmail != nil && *req.NotificationEmail != "" && !validation.ValidEmail(*req.NotificationEmail) {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "Invalid notification email address"})
		return
	}
	if req.GSTThreshold != nil && *req.GSTThreshold <= 0 {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "Threshold must be positive"})
		return
	}
	if req.LinkExpiryDays != nil && (*req.LinkExpiryDays < 1 || *req.LinkExpiryDays > 90) {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "Link expiry must be between 1 and 90 days"})
		return
	}

	// Make sure the row exists so PATCH-before-GET works.
	if _, err := settingsStore.GetOrCreate(c.Request.Context(), companyID); err != nil {
		logger.WithFields(logging.Fields{"company_id": companyID, "error": err.Error()}).Error("Failed to ensure settings row")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Failed to update settings"})
		return
	}

	cfg, err := settingsStore.Update(c.Request.Context(), companyID, store.SettingsPatch{
		Enabled:               req.Enabled,
		GSTThreshold:          req.GSTThreshold,
		SMSEnabled:            req.SMSEnabled,
		EmailEnabled:          req.EmailEnabled,
		NotificationPhone:     req.NotificationPhone,
		NotificationEmail:     req.NotificationEmail,
		LinkExpiryDays:        req.LinkExpiryDays,
		DailyNotificationCap:  req.DailyNotificationCap,
		NotificationFrequency: req.NotificationFrequency,
	})
	if err != nil {
		logger.WithFields(logging.Fields{
			"company_id": companyID,
			"error":      err.Error(),
		}).Error("Failed to update settings")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Failed to update settings"})
		return
	}

	c.JSON(http.StatusOK, settingsResponse(cfg))
}

func settingsResponse(cfg *store.Settings) middleware.H {
	return middleware.H{
		"companyId":             cfg.CompanyID,
		"enabled":               cfg.Enabled,
		"gstThreshold":          cfg.GSTThreshold,
		"smsEnabled":            cfg.SMSEnabled,
		"emailEnabled":          cfg.EmailEnabled,
		"notificationPhone":     cfg.NotificationPhone,
		"notificationEmail":     cfg.NotificationEmail,
		"linkExpiryDays":        cfg.LinkExpiryDays,
		"dailyNotificationCap":  cfg.DailyNotificationCap,
		"notificationFrequency": cfg.NotificationFrequency,
		"notificationsSent":     cfg.NotificationsSent,
		"transactionsProcessed": cfg.TransactionsProcessed,
	}
}

// ProcessCompany triggers a detection run for one company and returns the
// partial-success envelope.
func ProcessCompany(c middleware.Context) {
	companyID, ok := authorizedCompanyID(c, c.Param("id"))
	if !ok {
		return
	}

	result, err := processor.ProcessCompany(c.Request.Context(), companyID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, detector.ErrNotConnected):
			status = http.StatusNotFound
		case errors.Is(err, detector.ErrNoTenant),
			errors.Is(err, detector.ErrNoAccessToken),
			errors.Is(err, detector.ErrNoRefreshToken),
			errors.Is(err, detector.ErrReconnectRequired):
			status = http.StatusConflict
		case errors.Is(err, detector.ErrDetectionDisabled):
			status = http.StatusUnprocessableEntity
		}

		metrics.DetectionRuns.WithLabelValues(companyID, "error").Inc()
		logger.WithFields(logging.Fields{
			"company_id": companyID,
			"error":      err.Error(),
		}).Error("Detection run failed")
		c.JSON(status, middleware.H{"error": err.Error()})
		return
	}

	metrics.DetectionRuns.WithLabelValues(companyID, "ok").Inc()
	c.JSON(http.StatusOK, result)
}

// ListLinks returns a company's upload links, newest first. Security tokens
// are never exposed here; the full URL only leaves through notifications.
func ListLinks(c middleware.Context) {
	companyID, ok := authorizedCompanyID(c, c.Param("id"))
	if !ok {
		return
	}

	items, err := linkStore.ListByCompany(c.Request.Context(), companyID, 100)
	if err != nil {
		logger.WithFields(logging.Fields{
			"company_id": companyID,
			"error":      err.Error(),
		}).Error("Failed to list upload links")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Failed to list links"})
		return
	}

	out := make([]middleware.H, 0, len(items))
	for i := range items {
		l := &items[i]
		entry := middleware.H{
			"id":              l.ID,
			"transactionId":   l.TransactionID,
			"transactionType": l.TransactionType,
			"createdAt":       l.CreatedAt,
			"expiresAt":       l.ExpiresAt,
			"used":            l.Used,
			"resolved":        l.Resolved,
		}
		if l.FileName.Valid {
			entry["fileName"] = l.FileName.String
		}
		out = append(out, entry)
	}

	c.JSON(http.StatusOK, middleware.H{"links": out, "count": len(out)})
}

// GetConnection returns a company's Xero connection status without any
// token or secret material.
func GetConnection(c middleware.Context) {
	companyID, ok := authorizedCompanyID(c, c.Param("id"))
	if !ok {
		return
	}

	conn, err := connStore.Get(c.Request.Context(), companyID)
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, middleware.H{"error": "No Xero connection for this company"})
		return
	}
	if err != nil {
		logger.WithFields(logging.Fields{
			"company_id": companyID,
			"error":      err.Error(),
		}).Error("Failed to load connection")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Failed to load connection"})
		return
	}

	resp := middleware.H{
		"companyId":        conn.CompanyID,
		"tenantId":         conn.TenantID,
		"organizationName": conn.OrganizationName,
		"connected":        conn.RefreshToken != "",
		"connectedAt":      conn.ConnectedAt,
	}
	if conn.TokenExpiresAt.Valid {
		resp["tokenExpiresAt"] = conn.TokenExpiresAt.Time
	}

	c.JSON(http.StatusOK, resp)
}

// Disconnect clears a company's token material. Settings and link history
// survive for reconnection.
func Disconnect(c middleware.Context) {
	companyID, ok := authorizedCompanyID(c, c.Param("id"))
	if !ok {
		return
	}

	err := connStore.Disconnect(c.Request.Context(), companyID)
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, middleware.H{"error": "No Xero connection for this company"})
		return
	}
	if err != nil {
		logger.WithFields(logging.Fields{
			"company_id": companyID,
			"error":      err.Error(),
		}).Error("Failed to disconnect")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Failed to disconnect"})
		return
	}

	logger.WithFields(logging.Fields{"company_id": companyID}).Info("Company disconnected from Xero")
	c.JSON(http.StatusOK, middleware.H{"status": "disconnected"})
}
