// Package main provides the API server entry point for the portfolio registry service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portfolio-registry/internal/api"
	"github.com/portfolio-registry/internal/chain"
	"github.com/portfolio-registry/internal/circuitbreaker"
	"github.com/portfolio-registry/internal/config"
	"github.com/portfolio-registry/internal/logging"
	"github.com/portfolio-registry/internal/ratelimit"
	"github.com/portfolio-registry/internal/registry"
	"github.com/portfolio-registry/internal/storage"
)

func main() {
	fmt.Println("Portfolio Registry API Server")
	log.Println("Server starting...")

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
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

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

	// Initialize the block clock
	logger.WithFields(map[string]interface{}{
		"mode": cfg.Chain.Mode,
	}).Info("Initializing block clock...")

	clock, breakers, err := buildClock(cfg, redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize block clock")
	}
	defer clock.Close()

	// Initialize repositories
	registryRepo := storage.NewRegistryRepository(postgres)
	eventRepo := storage.NewEventRepository(clickhouse)

	// Initialize cache service
	cacheService := storage.NewCacheService(redis, cfg.Cache.TTL)

	// Initialize services
	logger.Info("Initializing services...")

	manager := registry.NewManager(registryRepo, clock, cacheService, eventRepo)
	querier := registry.NewQueryService(registryRepo, eventRepo, clock, cacheService)
	admin := registry.NewAdminService(registryRepo, clock, cacheService, eventRepo)

	// Seed the registry owner on first start. Seeding is idempotent, so a
	// restart never overwrites a transferred ownership.
	if cfg.Registry.Owner != "" {
		bootCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := admin.Bootstrap(bootCtx, cfg.Registry.Owner)
		cancel()
		if err != nil {
			logger.WithError(err).Fatal("Failed to seed registry owner")
		}
		logger.WithFields(map[string]interface{}{
			"owner": cfg.Registry.Owner,
		}).Info("Registry state seeded")
	} else {
		logger.Warn("REGISTRY_OWNER not set - admin operations unavailable until the state row is seeded")
	}

	logger.Info("Services initialized")

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		FreeTierRPS:     cfg.RateLimit.FreeTier,
		BasicTierRPS:    cfg.RateLimit.BasicTier,
		PremiumTierRPS:  cfg.RateLimit.PremiumTier,
	}

	// The local clock makes no outbound calls, so there are no breakers to
	// report on the health endpoint in local mode.
	var breakerStats api.BreakerStatsProvider
	if breakers != nil {
		breakerStats = breakerStatsAdapter{manager: breakers}
	}

	server := api.NewServer(serverConfig, manager, querier, admin, breakerStats)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	// Attempt graceful shutdown
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

// buildClock constructs the block clock named by the configured mode. RPC
// mode returns the shared circuit breaker manager so the health endpoint can
// report endpoint state; local mode returns a nil manager.
func buildClock(cfg *config.Config, redis *storage.RedisCache) (chain.Clock, *circuitbreaker.CircuitBreakerManager, error) {
	logger := logging.GetGlobalLogger()

	switch cfg.Chain.Mode {
	case chain.ModeLocal:
		return chain.NewLocalClock(0, 0), nil, nil

	case chain.ModeRPC:
		if len(cfg.Chain.RPCEndpoints) == 0 {
			return nil, nil, fmt.Errorf("chain mode %q requires CHAIN_RPC_ENDPOINTS", cfg.Chain.Mode)
		}

		// Height reads share the outbound request budget with the staleness
		// monitor. The server continues unmetered if the tracker cannot be
		// created.
		var metrics *ratelimit.MetricsCollector

		rateLimitCfg := ratelimit.LoadFromEnv()
		logger.WithFields(map[string]interface{}{
			"budget": rateLimitCfg.String(),
		}).Info("Outbound request budget configured")

		tracker, err := ratelimit.NewRPCBudgetTracker(&ratelimit.RPCBudgetTrackerConfig{
			Redis:          redis.Client(),
			TotalBudget:    rateLimitCfg.TotalRequestsPerSecond,
			ReservedBudget: rateLimitCfg.ReservedRequests,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to create request budget tracker, continuing without budget control")
			tracker = nil
		}

		if tracker != nil {
			metrics, err = ratelimit.NewMetricsCollector(&ratelimit.MetricsCollectorConfig{
				Tracker: tracker,
				Redis:   redis.Client(),
			})
			if err != nil {
				logger.WithError(err).Warn("Failed to create request metrics collector")
				metrics = nil
			}
		}

		breakers := circuitbreaker.NewCircuitBreakerManager()

		clock, err := chain.NewRPCClock(context.Background(), &chain.RPCClockConfig{
			Endpoints:      cfg.Chain.RPCEndpoints,
			Tracker:        tracker,
			Priority:       ratelimit.PriorityHigh,
			Breakers:       breakers,
			Metrics:        metrics,
			RequestTimeout: cfg.Chain.RequestTimeout,
			HeightCacheTTL: cfg.Chain.HeightCacheTTL,
		})
		if err != nil {
			return nil, nil, err
		}

		return clock, breakers, nil

	default:
		return nil, nil, fmt.Errorf("unknown chain clock mode: %q", cfg.Chain.Mode)
	}
}

// breakerStatsAdapter exposes the circuit breaker manager on the health
// endpoint.
type breakerStatsAdapter struct {
	manager *circuitbreaker.CircuitBreakerManager
}

func (a breakerStatsAdapter) BreakerStats() map[string]*circuitbreaker.Stats {
	return a.manager.GetAllStats()
}
