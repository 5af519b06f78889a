package main

import (
	"context"
	"time"

	"github.com/receiptguard/receiptguard/internal/detector"
	"github.com/receiptguard/receiptguard/internal/handlers"
	"github.com/receiptguard/receiptguard/internal/links"
	"github.com/receiptguard/receiptguard/internal/notify"
	"github.com/receiptguard/receiptguard/internal/store"
	"github.com/receiptguard/receiptguard/internal/tokens"
	"github.com/receiptguard/receiptguard/internal/xero"
	"github.com/receiptguard/receiptguard/pkg/auth"
	"github.com/receiptguard/receiptguard/pkg/config"
	"github.com/receiptguard/receiptguard/pkg/crypto"
	"github.com/receiptguard/receiptguard/pkg/database"
	dbsql "github.com/receiptguard/receiptguard/pkg/database/sql"
	"github.com/receiptguard/receiptguard/pkg/email"
	"github.com/receiptguard/receiptguard/pkg/logging"
	"github.com/receiptguard/receiptguard/pkg/monitoring"
	"github.com/receiptguard/receiptguard/pkg/server"
	"github.com/receiptguard/receiptguard/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("receiptguard")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting ReceiptGuard (Attachment Compliance API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	frontendBaseURL := config.GetEnv("FRONTEND_BASE_URL", "http://localhost:3000")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(db, dbsql.Content, "schema", logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("receiptguard", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("receiptguard", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Create custom detection metrics
	metrics := &handlers.Metrics{
		DetectionRuns: metricsCollector.NewCounter("detection_runs_total", "Detection runs performed", []string{"company_id", "status"}),
		Notifications: metricsCollector.NewCounter("notifications_dispatched_total", "Alert notifications dispatched", []string{"channel", "status"}),
		Uploads:       metricsCollector.NewCounter("receipt_uploads_total", "Receipt upload attempts", []string{"company_id", "status"}),
	}
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Field encryption for stored client secrets
	var encryptor *crypto.FieldEncryptor
	if key := config.GetEnv("FIELD_ENCRYPTION_KEY", ""); key != "" {
		var err error
		encryptor, err = crypto.DeriveFieldEncryptor([]byte(key), "xero-client-secret")
		if err != nil {
			logger.WithError(err).Fatal("Invalid FIELD_ENCRYPTION_KEY")
		}
	} else {
		logger.Warn("FIELD_ENCRYPTION_KEY not set, client secrets stored unencrypted")
	}

	// Stores
	connStore := store.NewConnectionStore(db, encryptor)
	settingsStore := store.NewSettingsStore(db)
	linkStore := store.NewLinkStore(db)

	// Xero API surface
	xeroClient := xero.NewClient(xero.Config{
		BaseURL: config.GetEnv("XERO_API_URL", xero.DefaultBaseURL),
		Logger:  logger,
	})
	tokenManager := tokens.NewManager(tokens.Config{
		TokenURL: config.GetEnv("XERO_TOKEN_URL", tokens.DefaultTokenURL),
		Writer:   connStore,
		Logger:   logger,
	})
	connector := handlers.NewXeroConnector(handlers.ConnectorConfig{
		TokenURL:       config.GetEnv("XERO_TOKEN_URL", tokens.DefaultTokenURL),
		ConnectionsURL: config.GetEnv("XERO_CONNECTIONS_URL", handlers.DefaultConnectionsURL),
		Logger:         logger,
	})

	// Upload links
	linkManager := links.NewManager(linkStore, frontendBaseURL, logger)

	// Notification channels
	var smsSender notify.SMSSender
	if sid := config.GetEnv("TWILIO_ACCOUNT_SID", ""); sid != "" {
		smsSender = notify.NewTwilioSender(notify.TwilioConfig{
			AccountSID: sid,
			AuthToken:  config.RequireEnv("TWILIO_AUTH_TOKEN"),
			From:       config.RequireEnv("TWILIO_FROM_NUMBER"),
		}, logger)
	} else {
		logger.Warn("TWILIO_ACCOUNT_SID not set, SMS channel disabled")
	}

	var emailSender notify.EmailSender
	if host := config.GetEnv("SMTP_HOST", ""); host != "" {
		sender := email.NewSender(email.Config{
			Host:     host,
			Port:     config.GetEnv("SMTP_PORT", "587"),
			User:     config.GetEnv("SMTP_USER", ""),
			Password: config.GetEnv("SMTP_PASSWORD", ""),
			From:     config.RequireEnv("FROM_EMAIL"),
			FromName: config.GetEnv("FROM_NAME", "ReceiptGuard"),
		})
		emailSender = notify.NewEmailService(sender, logger)
	} else {
		logger.Warn("SMTP_HOST not set, email channel disabled")
	}

	dispatcher := notify.NewDispatcher(smsSender, emailSender, logger).WithMetrics(metrics.Notifications)

	// Detection pipeline
	processor := detector.NewProcessor(detector.Config{
		Connections:      connStore,
		Settings:         settingsStore,
		Tokens:           tokenManager,
		Fetcher:          xeroClient,
		Links:            linkManager,
		Dispatcher:       dispatcher,
		Logger:           logger,
		SoftTokenAgeDays: config.GetEnvInt("TOKEN_AGE_WARN_DAYS", detector.DefaultSoftTokenAgeDays),
		HardTokenAgeDays: config.GetEnvInt("TOKEN_AGE_FATAL_DAYS", detector.DefaultHardTokenAgeDays),
	})

	// Receipt file storage
	fileStore, err := handlers.NewLocalFileStore(
		config.GetEnv("UPLOAD_DIR", "/var/lib/receiptguard/uploads"),
		config.GetEnv("UPLOAD_BASE_URL", frontendBaseURL+"/files"),
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize file store")
	}

	// Initialize handlers
	handlers.Init(handlers.Deps{
		Logger:      logger,
		Metrics:     metrics,
		Processor:   processor,
		Connections: connStore,
		Settings:    settingsStore,
		Links:       linkStore,
		LinkManager: linkManager,
		Connector:   connector,
		FileStore:   fileStore,
	})

	// Initialize and start JobManager for scheduled detection and sweeps
	jobManager := detector.NewJobManager(detector.JobConfig{
		Processor:       processor,
		Companies:       settingsStore,
		Sweeper:         linkManager,
		Logger:          logger,
		ProcessInterval: time.Duration(config.GetEnvInt("PROCESS_INTERVAL_HOURS", 6)) * time.Hour,
		RetentionDays:   config.GetEnvInt("LINK_RETENTION_DAYS", links.DefaultRetentionDays),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - scheduled detection active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "receiptguard", healthChecker, metricsCollector)

	// API routes
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/companies/:id/settings", handlers.GetSettings)
			protected.PATCH("/companies/:id/settings", handlers.UpdateSettings)
			protected.POST("/companies/:id/process", handlers.ProcessCompany)
			protected.GET("/companies/:id/links", handlers.ListLinks)
			protected.GET("/companies/:id/connection", handlers.GetConnection)
			protected.DELETE("/companies/:id/connection", handlers.Disconnect)
			protected.POST("/connect/callback", handlers.HandleConnectCallback)
		}

		// Public upload endpoints (link id + token are the credential)
		router.GET("/upload-receipt/:linkId", handlers.GetUploadLink)
		router.POST("/upload-receipt/:linkId", handlers.UploadReceipt)

		// Internal surface for the scheduler, service token only
		if serviceToken := auth.GetServiceToken(); serviceToken != "" {
			internal := router.Group("/internal")
			internal.Use(auth.ServiceAuthMiddleware(serviceToken))
			internal.POST("/companies/:id/process", handlers.ProcessCompany)
		} else {
			logger.Warn("SERVICE_TOKEN not set, internal scheduler endpoint disabled")
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("receiptguard", "18070")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
