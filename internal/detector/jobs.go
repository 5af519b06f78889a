package detector

import (
	"context"
	"errors"
	"time"

	"github.com/receiptguard/receiptguard/pkg/logging"
)

const (
	// DefaultProcessInterval is how often every enabled company is scanned.
	DefaultProcessInterval = 6 * time.Hour

	// sweepInterval drives the expired-link retention sweep.
	sweepInterval = 24 * time.Hour
)

// CompanyLister enumerates companies eligible for scheduled runs.
type CompanyLister interface {
	ListEnabled(ctx context.Context) ([]string, error)
}

// LinkSweeper removes links past the retention window.
type LinkSweeper interface {
	Sweep(ctx context.Context, retentionDays int) (int64, error)
}

// JobManager drives scheduled detection runs and link retention.
type JobManager struct {
	processor *Processor
	companies CompanyLister
	sweeper   LinkSweeper
	logger    logging.Logger

	processInterval time.Duration
	retentionDays   int
	stopCh          chan struct{}
}

// JobConfig wires a job manager.
type JobConfig struct {
	Processor *Processor
	Companies CompanyLister
	Sweeper   LinkSweeper
	Logger    logging.Logger

	ProcessInterval time.Duration
	RetentionDays   int
}

// NewJobManager creates a job manager for scheduled detection.
func NewJobManager(cfg JobConfig) *JobManager {
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = DefaultProcessInterval
	}
	return &JobManager{
		processor:       cfg.Processor,
		companies:       cfg.Companies,
		sweeper:         cfg.Sweeper,
		logger:          cfg.Logger,
		processInterval: cfg.ProcessInterval,
		retentionDays:   cfg.RetentionDays,
		stopCh:          make(chan struct{}),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting detection job manager")

	go jm.runDetection(ctx)
	go jm.runLinkSweep(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping detection job manager")
	close(jm.stopCh)
}

func (jm *JobManager) runDetection(ctx context.Context) {
	ticker := time.NewTicker(jm.processInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting scheduled detection job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.processAllCompanies(ctx)
		}
	}
}

// processAllCompanies runs detection for every enabled company. One
// company's failure never blocks the others.
func (jm *JobManager) processAllCompanies(ctx context.Context) {
	companies, err := jm.companies.ListEnabled(ctx)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to list companies for scheduled detection")
		return
	}

	for _, companyID := range companies {
		if ctx.Err() != nil {
			return
		}

		result, err := jm.processor.ProcessCompany(ctx, companyID)
		if err != nil {
			// Companies mid-reconnect are expected to fail; keep those quiet.
			level := jm.logger.WithFields(logging.Fields{
				"company_id": companyID,
				"error":      err.Error(),
			})
			if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrDetectionDisabled) {
				level.Debug("Skipping company in scheduled detection")
			} else {
				level.Error("Scheduled detection run failed")
			}
			continue
		}

		jm.logger.WithFields(logging.Fields{
			"company_id":         companyID,
			"missing":            result.MissingAttachments,
			"notifications_sent": result.NotificationsSent,
		}).Info("Scheduled detection run finished")
	}
}

func (jm *JobManager) runLinkSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting upload link retention sweep job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			n, err := jm.sweeper.Sweep(ctx, jm.retentionDays)
			if err != nil {
				jm.logger.WithError(err).Error("Upload link sweep failed")
				continue
			}
			if n > 0 {
				jm.logger.WithFields(logging.Fields{"deleted": n}).Info("Swept expired upload links")
			}
		}
	}
}
