package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/portfolio-registry/internal/circuitbreaker"
	apperrors "github.com/portfolio-registry/internal/errors"
	"github.com/portfolio-registry/internal/logging"
	"github.com/portfolio-registry/internal/ratelimit"
	"github.com/portfolio-registry/internal/retry"
)

// Default RPC clock settings.
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultHeightCacheTTL = 3 * time.Second
	// DefaultBudgetWait bounds how long a height read waits out budget
	// windows before giving up.
	DefaultBudgetWait = 2 * time.Second
)

// RPCClock reads block heights from Ethereum RPC endpoints. Reads pass
// through the shared request budget and a per-endpoint circuit breaker,
// retry with backoff across endpoint failovers, and land in a short-TTL
// cache. The clock never reports a height lower than one it has already
// reported.
type RPCClock struct {
	pool     *endpointPool
	breakers *circuitbreaker.CircuitBreakerManager
	metrics  *ratelimit.MetricsCollector
	retryCfg *retry.RetryConfig
	timeout  time.Duration
	cacheTTL time.Duration
	logger   *logging.Logger

	// refreshMu serializes cache refreshes so concurrent misses cost one
	// RPC read instead of one per caller.
	refreshMu sync.Mutex

	mu         sync.Mutex
	lastHeight uint64
	lastReadAt time.Time
}

var _ Clock = (*RPCClock)(nil)

// RPCClockConfig configures the RPC-backed block clock.
type RPCClockConfig struct {
	// Endpoints is the ordered list of RPC URLs. The first is preferred;
	// the rest serve as failover targets. Required.
	Endpoints []string

	// Tracker enforces the shared request budget on height reads.
	// Optional; without it reads are unmetered.
	Tracker *ratelimit.RPCBudgetTracker

	// Priority is the budget pool height reads draw from. Only used when
	// Tracker is set. Default: PriorityHigh.
	Priority ratelimit.Priority

	// MaxWait bounds how long a read waits for budget. Default 2s.
	MaxWait time.Duration

	// Breakers supplies per-endpoint circuit breakers. A private manager
	// is created when nil; pass a shared one to expose breaker stats.
	Breakers *circuitbreaker.CircuitBreakerManager

	// Metrics records throttle events when the budget denies a read.
	// Optional.
	Metrics *ratelimit.MetricsCollector

	// Retry overrides the backoff applied across read attempts.
	Retry *retry.RetryConfig

	// RequestTimeout bounds a single height read. Default 5s.
	RequestTimeout time.Duration

	// HeightCacheTTL is how long a fetched height is served from cache.
	// Default 3s.
	HeightCacheTTL time.Duration

	// EndpointCooldown is how long a failed endpoint sits out after
	// failover. Default 60s.
	EndpointCooldown time.Duration
}

// NewRPCClock connects to the configured endpoints and returns the clock.
func NewRPCClock(ctx context.Context, cfg *RPCClockConfig) (*RPCClock, error) {
	return newRPCClock(ctx, cfg, ethDial)
}

// ethDial connects to an Ethereum RPC endpoint.
func ethDial(ctx context.Context, rawURL, name string) (ratelimit.HeightClient, func(), error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func newRPCClock(ctx context.Context, cfg *RPCClockConfig, dial dialFunc) (*RPCClock, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("at least one RPC endpoint is required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	cacheTTL := cfg.HeightCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultHeightCacheTTL
	}

	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultBudgetWait
	}

	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = defaultClockRetry()
	}

	breakers := cfg.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewCircuitBreakerManager()
	}

	// Each endpoint's client enforces the budget first, then the circuit
	// breaker, then the raw call. Budget denials therefore never count
	// against an endpoint's breaker.
	wrapped := func(dctx context.Context, rawURL, name string) (ratelimit.HeightClient, func(), error) {
		raw, closer, err := dial(dctx, rawURL, name)
		if err != nil {
			return nil, nil, err
		}

		var client ratelimit.HeightClient = &breakerClient{
			client:  raw,
			breaker: breakers.GetOrCreate(name, nil),
		}

		if cfg.Tracker != nil {
			limited, err := ratelimit.NewRateLimitedClient(&ratelimit.RateLimitedClientConfig{
				Client:   client,
				Tracker:  cfg.Tracker,
				Priority: cfg.Priority,
				MaxWait:  maxWait,
			})
			if err != nil {
				if closer != nil {
					closer()
				}
				return nil, nil, err
			}
			client = limited
		}

		return client, closer, nil
	}

	pool, err := newEndpointPool(ctx, cfg.Endpoints, cfg.EndpointCooldown, wrapped)
	if err != nil {
		return nil, err
	}

	return &RPCClock{
		pool:     pool,
		breakers: breakers,
		metrics:  cfg.Metrics,
		retryCfg: retryCfg,
		timeout:  timeout,
		cacheTTL: cacheTTL,
		logger:   logging.WithField("component", "rpc_clock"),
	}, nil
}

// defaultClockRetry keeps height reads interactive: three attempts inside a
// couple of seconds rather than the minute-scale default.
func defaultClockRetry() *retry.RetryConfig {
	return &retry.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// breakerClient runs height reads through an endpoint's circuit breaker.
type breakerClient struct {
	client  ratelimit.HeightClient
	breaker *circuitbreaker.CircuitBreaker
}

func (b *breakerClient) BlockNumber(ctx context.Context) (uint64, error) {
	var height uint64

	err := b.breaker.Execute(ctx, func() error {
		h, err := b.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})

	return height, err
}

// CurrentHeight returns the chain head height, served from cache when the
// last read is fresh enough.
func (c *RPCClock) CurrentHeight(ctx context.Context) (uint64, error) {
	if height, ok := c.cachedHeight(); ok {
		return height, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if height, ok := c.cachedHeight(); ok {
		return height, nil
	}

	height, err := c.readHeight(ctx)
	if err != nil {
		return 0, err
	}

	return c.observe(height), nil
}

// readHeight performs a retried height read with endpoint failover.
func (c *RPCClock) readHeight(ctx context.Context) (uint64, error) {
	c.pool.tryResetToPrimary(ctx)

	var height uint64
	var budgetErr error

	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := retry.WithExponentialBackoff(retryCtx, c.retryCfg, func(rctx context.Context, attempt int) error {
		ep := c.pool.currentEndpoint()

		callCtx, done := context.WithTimeout(rctx, c.timeout)
		start := time.Now()
		h, err := ep.client.BlockNumber(callCtx)
		done()

		if err == nil {
			height = h
			return nil
		}

		if errors.Is(err, ratelimit.ErrMaxWaitExceeded) {
			// The budget is shared across endpoints and instances, so
			// neither failover nor another attempt helps until the
			// window rolls over.
			c.recordThrottle(rctx, time.Since(start))
			budgetErr = err
			cancel()
			return err
		}

		if shouldRotate(err) {
			if rotateErr := c.pool.rotate(rctx); rotateErr != nil {
				c.logger.WithError(rotateErr).Warn("No alternate RPC endpoint available")
			}
		}

		return fmt.Errorf("%s: %w", ep.name, err)
	})

	if budgetErr != nil {
		return 0, apperrors.NewProviderBudgetExceededError(c.pool.currentEndpoint().name)
	}

	if !result.Success {
		lastErr := result.LastError
		if errors.Is(lastErr, circuitbreaker.ErrCircuitOpen) || errors.Is(lastErr, circuitbreaker.ErrTooManyRequests) {
			return 0, apperrors.NewServiceUnavailableError(c.pool.currentEndpoint().name)
		}
		return 0, apperrors.NewProviderError(c.pool.currentEndpoint().name, lastErr)
	}

	return height, nil
}

// cachedHeight returns the cached height when still within TTL.
func (c *RPCClock) cachedHeight() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastHeight > 0 && time.Since(c.lastReadAt) < c.cacheTTL {
		return c.lastHeight, true
	}
	return 0, false
}

// observe folds a fresh reading into the monotonic cache.
func (c *RPCClock) observe(height uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if height < c.lastHeight {
		// A lagging endpoint after failover can trail the best height
		// already served; never go backwards.
		c.logger.WithFields(map[string]interface{}{
			"reported": height,
			"serving":  c.lastHeight,
		}).Debug("RPC endpoint reported height behind cache")
		height = c.lastHeight
	} else {
		c.lastHeight = height
	}
	c.lastReadAt = time.Now()

	return height
}

func (c *RPCClock) recordThrottle(ctx context.Context, waited time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordThrottle(ctx, waited)
}

// BreakerStats exposes per-endpoint circuit breaker statistics.
func (c *RPCClock) BreakerStats() map[string]*circuitbreaker.Stats {
	return c.breakers.GetAllStats()
}

// Close releases all endpoint connections.
func (c *RPCClock) Close() {
	c.pool.close()
}

// shouldRotate reports whether an error warrants switching endpoints.
func shouldRotate(err error) bool {
	if err == nil {
		return false
	}

	// An open breaker means this endpoint is sitting out; another one may
	// be healthy.
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return true
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return true
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") {
		return true
	}

	return false
}
