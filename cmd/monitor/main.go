// Package main provides the staleness monitor entry point for the portfolio
// registry service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/portfolio-registry/internal/chain"
	"github.com/portfolio-registry/internal/config"
	"github.com/portfolio-registry/internal/logging"
	"github.com/portfolio-registry/internal/monitor"
	"github.com/portfolio-registry/internal/ratelimit"
	"github.com/portfolio-registry/internal/storage"
)

func main() {
	fmt.Println("Portfolio Registry Staleness Monitor")
	log.Println("Monitor starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()

	// Initialize database connections
	logger.Info("Connecting to databases...")

	// Connect to Postgres
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Connect to ClickHouse
	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer clickhouse.Close()

	// Connect to Redis
	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	// Initialize the block clock and scan pacing
	var (
		clock      chain.Clock
		controller *ratelimit.MonitorRateController
		collector  *ratelimit.MetricsCollector
	)

	switch cfg.Chain.Mode {
	case chain.ModeLocal:
		clock = chain.NewLocalClock(0, 0)
		logger.Info("Using local block clock, scans run unthrottled")

	case chain.ModeRPC:
		if len(cfg.Chain.RPCEndpoints) == 0 {
			logger.Fatal("Chain mode \"rpc\" requires CHAIN_RPC_ENDPOINTS")
		}

		rateLimitCfg := ratelimit.LoadFromEnv()
		logger.WithFields(map[string]interface{}{
			"budget": rateLimitCfg.String(),
		}).Info("Outbound request budget configured")

		// Scans draw from the shared pool; interactive height reads on the
		// API server keep the reserved pool. The monitor degrades to skipped
		// cycles if the tracker cannot be created.
		tracker, err := ratelimit.NewRPCBudgetTracker(&ratelimit.RPCBudgetTrackerConfig{
			Redis:          redis.Client(),
			TotalBudget:    rateLimitCfg.TotalRequestsPerSecond,
			ReservedBudget: rateLimitCfg.ReservedRequests,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to create request budget tracker, scans will run unthrottled")
			tracker = nil
		}

		if tracker != nil {
			collector, err = ratelimit.NewMetricsCollector(&ratelimit.MetricsCollectorConfig{
				Tracker: tracker,
				Redis:   redis.Client(),
			})
			if err != nil {
				logger.WithError(err).Warn("Failed to create request metrics collector")
				collector = nil
			}

			controller, err = ratelimit.NewMonitorRateController(&ratelimit.MonitorRateControllerConfig{
				Tracker: tracker,
			})
			if err != nil {
				logger.WithError(err).Warn("Failed to create scan rate controller, scans will run unthrottled")
				controller = nil
			}
		}

		// The controller charges each cycle against the shared pool before
		// the height read, so the clock itself runs unmetered. Giving the
		// clock its own tracker would charge every cycle twice.
		rpcClock, err := chain.NewRPCClock(context.Background(), &chain.RPCClockConfig{
			Endpoints:      cfg.Chain.RPCEndpoints,
			RequestTimeout: cfg.Chain.RequestTimeout,
			HeightCacheTTL: cfg.Chain.HeightCacheTTL,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize block clock")
		}
		clock = rpcClock

	default:
		logger.Fatalf("Unknown chain clock mode: %q", cfg.Chain.Mode)
	}
	defer clock.Close()

	// Initialize repositories
	registryRepo := storage.NewRegistryRepository(postgres)
	eventRepo := storage.NewEventRepository(clickhouse)

	// Create the staleness scan job
	job, err := monitor.NewStalenessJob(&monitor.StalenessJobConfig{
		Clock:        clock,
		Store:        registryRepo,
		Events:       eventRepo,
		Controller:   controller,
		Schedule:     cfg.Monitor.Schedule,
		ScanLimit:    cfg.Monitor.ScanLimit,
		RecordEvents: cfg.Monitor.RecordEvents,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create staleness job")
	}

	scheduler := monitor.NewScheduler()
	if err := scheduler.AddJob(job); err != nil {
		logger.WithError(err).Fatal("Failed to schedule staleness job")
	}

	scheduler.Start()
	logger.WithFields(map[string]interface{}{
		"schedule":     cfg.Monitor.Schedule,
		"scanLimit":    cfg.Monitor.ScanLimit,
		"recordEvents": cfg.Monitor.RecordEvents,
	}).Info("Staleness monitor started")

	// Run one scan at boot so a long schedule does not delay the first
	// report.
	go func() {
		if err := scheduler.RunJob(job.Name()); err != nil {
			logger.WithError(err).Warn("Boot scan could not be triggered")
		}
	}()

	// Periodic consumption summaries while the monitor shares the request
	// budget with the API server.
	var metricsLogger *ratelimit.MetricsLogger
	if collector != nil {
		metricsLogger, err = ratelimit.NewMetricsLogger(&ratelimit.MetricsLoggerConfig{
			Collector: collector,
			Logger:    metricsLogAdapter{logger: logger.WithField("component", "rpc_metrics")},
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to create metrics logger")
		} else {
			metricsLogger.Start(context.Background())
		}
	}

	// Set up graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// Wait for shutdown signal
	<-sigCh
	logger.Info("Shutdown signal received, stopping monitor...")

	scheduler.Stop()
	if metricsLogger != nil {
		metricsLogger.Stop()
	}

	status := job.Status()
	logger.WithFields(map[string]interface{}{
		"scans":      status.ScanCount,
		"stale":      status.StaleCount,
		"lastHeight": status.LastHeight,
	}).Info("Staleness monitor stopped")
}

// metricsLogAdapter bridges the structured logger to the ratelimit logging
// interface.
type metricsLogAdapter struct {
	logger *logging.Logger
}

func (a metricsLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.WithFields(fieldsFromPairs(keysAndValues)).Info(msg)
}

func (a metricsLogAdapter) Warn(msg string, keysAndValues ...interface{}) {
	a.logger.WithFields(fieldsFromPairs(keysAndValues)).Warn(msg)
}

func fieldsFromPairs(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
