// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/portfolio-registry/internal/circuitbreaker"
	"github.com/portfolio-registry/internal/logging"
	"github.com/portfolio-registry/internal/models"
	"github.com/portfolio-registry/internal/registry"
)

// Service interfaces for dependency injection and testing

// PortfolioManager defines the portfolio mutation operations exposed over HTTP.
type PortfolioManager interface {
	CreatePortfolio(ctx context.Context, caller string, tokens []string, percentages []uint32) (int64, error)
	UpdateAllocation(ctx context.Context, caller string, portfolioID int64, slotIndex int, percentage uint32) error
	Rebalance(ctx context.Context, caller string, portfolioID int64) error
}

// PortfolioQuerier defines the read operations exposed over HTTP.
type PortfolioQuerier interface {
	GetPortfolio(ctx context.Context, id int64) (*registry.PortfolioView, error)
	GetPortfolioAsset(ctx context.Context, id int64, slotIndex int) (*models.PortfolioAsset, error)
	GetUserPortfolios(ctx context.Context, owner string) (*models.UserPortfolios, error)
	CalculateRebalanceAmounts(ctx context.Context, id int64) (*registry.RebalanceCheck, error)
	ListStalePortfolios(ctx context.Context, limit int) ([]*models.Portfolio, error)
	GetPortfolioEvents(ctx context.Context, id int64, limit, offset int) ([]*models.PortfolioEvent, error)
}

// RegistryAdmin defines the registry-level operations exposed over HTTP.
type RegistryAdmin interface {
	Initialize(ctx context.Context, caller, newOwner string) error
	SetFee(ctx context.Context, caller string, feeBasisPoints uint32) error
	GetRegistryInfo(ctx context.Context) (*models.RegistryState, error)
}

// BreakerStatsProvider reports circuit breaker state for the health endpoint.
type BreakerStatsProvider interface {
	BreakerStats() map[string]*circuitbreaker.Stats
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	manager    PortfolioManager
	querier    PortfolioQuerier
	admin      RegistryAdmin
	breakers   BreakerStatsProvider
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	FreeTierRPS     int // Requests per second for free tier
	BasicTierRPS    int // Requests per second for basic tier
	PremiumTierRPS  int // Requests per second for premium tier
}

// NewServer creates a new API server instance. breakers may be nil when the
// server runs against a local clock with no outbound RPC.
func NewServer(
	config *ServerConfig,
	manager PortfolioManager,
	querier PortfolioQuerier,
	admin RegistryAdmin,
	breakers BreakerStatsProvider,
) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		manager:  manager,
		querier:  querier,
		admin:    admin,
		breakers: breakers,
		config:   config,
		logger:   logging.GetGlobalLogger().WithField("component", "api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Create rate limiter
	rateLimiter := NewRateLimiter(s.config.FreeTierRPS, s.config.BasicTierRPS, s.config.PremiumTierRPS)

	// Set up middleware (order matters!)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter)) // Rate limiting after CORS
	s.router.Use(CompressionMiddleware)

	// Set up routes
	s.setupRoutes()

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api").Subrouter()

	// Portfolio endpoints. The literal stale route is registered before the
	// {id} routes so "stale" never binds as a portfolio id.
	api.HandleFunc("/portfolios", s.handleCreatePortfolio).Methods("POST")
	api.HandleFunc("/portfolios/stale", s.handleListStalePortfolios).Methods("GET")
	api.HandleFunc("/portfolios/{id}", s.handleGetPortfolio).Methods("GET")
	api.HandleFunc("/portfolios/{id}/assets/{slot}", s.handleGetPortfolioAsset).Methods("GET")
	api.HandleFunc("/portfolios/{id}/allocations/{slot}", s.handleUpdateAllocation).Methods("PUT")
	api.HandleFunc("/portfolios/{id}/rebalance", s.handleRebalance).Methods("POST")
	api.HandleFunc("/portfolios/{id}/rebalance-check", s.handleRebalanceCheck).Methods("GET")
	api.HandleFunc("/portfolios/{id}/events", s.handleGetPortfolioEvents).Methods("GET")

	// User endpoints
	api.HandleFunc("/users/{owner}/portfolios", s.handleGetUserPortfolios).Methods("GET")

	// Admin endpoints
	api.HandleFunc("/admin/initialize", s.handleInitialize).Methods("POST")
	api.HandleFunc("/admin/registry", s.handleGetRegistryInfo).Methods("GET")
	api.HandleFunc("/admin/fee", s.handleSetFee).Methods("PUT")
}

type healthResponse struct {
	Status   string                           `json:"status"`
	Service  string                           `json:"service"`
	Breakers map[string]*circuitbreaker.Stats `json:"breakers,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Service: "portfolio-registry",
	}
	if s.breakers != nil {
		resp.Breakers = s.breakers.BreakerStats()
	}
	respondJSON(w, http.StatusOK, resp)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
