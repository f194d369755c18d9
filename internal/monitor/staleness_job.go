package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/portfolio-registry/internal/chain"
	"github.com/portfolio-registry/internal/logging"
	"github.com/portfolio-registry/internal/models"
	"github.com/portfolio-registry/internal/ratelimit"
	"github.com/portfolio-registry/internal/types"
)

// DefaultScanLimit bounds how many stale portfolios one cycle reports.
const DefaultScanLimit = 500

// StaleScanner is the storage surface the scan reads.
type StaleScanner interface {
	ListStalePortfolios(ctx context.Context, height, interval uint64, limit int) ([]*models.Portfolio, error)
}

// ObservationWriter records staleness observations in the event history.
type ObservationWriter interface {
	BatchInsert(ctx context.Context, events []*models.PortfolioEvent) error
}

// StalenessJob scans for active portfolios whose last rebalance checkpoint
// is more than the rebalance interval behind the chain head. Each cycle
// costs one request from the shared budget pool; the scan degrades to a
// skipped cycle rather than starving interactive height reads.
type StalenessJob struct {
	clock        chain.Clock
	store        StaleScanner
	events       ObservationWriter
	controller   *ratelimit.MonitorRateController
	schedule     string
	scanLimit    int
	recordEvents bool
	logger       *logging.Logger

	mu         sync.Mutex
	lastScan   time.Time
	lastHeight uint64
	staleCount int
	scanCount  int
}

// StalenessJobConfig holds configuration for the staleness scan.
type StalenessJobConfig struct {
	// Clock reads the chain head. Required.
	Clock chain.Clock

	// Store scans for portfolios past the interval. Required.
	Store StaleScanner

	// Events records staleness_observed rows. Optional.
	Events ObservationWriter

	// Controller paces scans against the shared request budget. Optional;
	// without it the scan runs unthrottled.
	Controller *ratelimit.MonitorRateController

	// Schedule is the cron expression the scan runs on.
	Schedule string

	// ScanLimit caps portfolios reported per cycle. Default: 500.
	ScanLimit int

	// RecordEvents writes one staleness_observed row per stale portfolio.
	RecordEvents bool
}

// NewStalenessJob creates the scan job with the given configuration.
func NewStalenessJob(cfg *StalenessJobConfig) (*StalenessJob, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("clock cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Schedule == "" {
		return nil, errors.New("schedule cannot be empty")
	}

	scanLimit := cfg.ScanLimit
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}

	return &StalenessJob{
		clock:        cfg.Clock,
		store:        cfg.Store,
		events:       cfg.Events,
		controller:   cfg.Controller,
		schedule:     cfg.Schedule,
		scanLimit:    scanLimit,
		recordEvents: cfg.RecordEvents,
		logger:       logging.GetGlobalLogger().WithField("component", "staleness_monitor"),
	}, nil
}

// Name identifies the job in logs and lookups.
func (j *StalenessJob) Name() string {
	return "staleness_scan"
}

// Schedule returns the cron expression the scan runs on.
func (j *StalenessJob) Schedule() string {
	return j.schedule
}

// Run executes one scan cycle.
func (j *StalenessJob) Run(ctx context.Context) error {
	if j.controller != nil {
		if j.controller.ShouldPause(ctx) {
			j.logger.WithField("delay", j.controller.GetCurrentDelay()).Warn("Request budget near exhaustion, skipping scan")
			return nil
		}
		if err := j.controller.WaitForBudget(ctx, 1); err != nil {
			if errors.Is(err, ratelimit.ErrContextCancelled) {
				return nil
			}
			return fmt.Errorf("failed to acquire scan budget: %w", err)
		}
	}

	height, err := j.clock.CurrentHeight(ctx)
	if err != nil {
		if j.controller != nil {
			j.controller.RecordFailure()
		}
		return fmt.Errorf("failed to read block height: %w", err)
	}
	if j.controller != nil {
		j.controller.RecordSuccess()
	}

	stale, err := j.store.ListStalePortfolios(ctx, height, types.RebalanceInterval, j.scanLimit)
	if err != nil {
		return fmt.Errorf("failed to list stale portfolios: %w", err)
	}

	j.mu.Lock()
	j.lastScan = time.Now()
	j.lastHeight = height
	j.staleCount = len(stale)
	j.scanCount++
	j.mu.Unlock()

	for _, portfolio := range stale {
		j.logger.WithFields(map[string]interface{}{
			"portfolioId":    portfolio.ID,
			"owner":          portfolio.Owner,
			"lastRebalanced": portfolio.LastRebalancedHeight,
			"blocksBehind":   height - portfolio.LastRebalancedHeight,
		}).Debug("Portfolio past its rebalance interval")
	}

	if j.recordEvents && j.events != nil && len(stale) > 0 {
		rows := make([]*models.PortfolioEvent, len(stale))
		for i, portfolio := range stale {
			rows[i] = &models.PortfolioEvent{
				EventType:   types.EventStalenessObserved,
				PortfolioID: portfolio.ID,
				Actor:       portfolio.Owner,
				SlotIndex:   -1,
				BlockHeight: height,
			}
		}
		if err := j.events.BatchInsert(ctx, rows); err != nil {
			// Observations are advisory; the next cycle re-reports them.
			j.logger.WithError(err).Warn("Failed to record staleness observations")
		}
	}

	if len(stale) > 0 {
		j.logger.WithFields(map[string]interface{}{
			"height": height,
			"stale":  len(stale),
		}).Warn("Scan found portfolios past the rebalance interval")
	} else {
		j.logger.WithField("height", height).Debug("Scan found no stale portfolios")
	}

	return nil
}

// ScanStatus is a snapshot of the most recent scan cycle.
type ScanStatus struct {
	LastScan   time.Time `json:"lastScan"`
	LastHeight uint64    `json:"lastHeight"`
	StaleCount int       `json:"staleCount"`
	ScanCount  int       `json:"scanCount"`
}

// Status reports the most recent scan outcome.
func (j *StalenessJob) Status() ScanStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	return ScanStatus{
		LastScan:   j.lastScan,
		LastHeight: j.lastHeight,
		StaleCount: j.staleCount,
		ScanCount:  j.scanCount,
	}
}
