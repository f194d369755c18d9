package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Default middleware configuration values.
const (
	DefaultMaxWait = 30 * time.Second // Default max time to wait for budget
)

// MethodEthBlockNumber is the RPC method recorded for height reads.
const MethodEthBlockNumber = "eth_blockNumber"

// ErrMaxWaitExceeded is returned when the maximum wait time for budget is exceeded.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rate limit budget")

// HeightClient defines the chain client operations that we rate limit.
// The registry only reads block heights, so the surface is a single call.
// This interface allows for easier testing and mocking.
type HeightClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// RateLimitedClient wraps a chain RPC client with rate limiting.
// It intercepts outgoing height reads and enforces the request budget
// before allowing the call to proceed.
type RateLimitedClient struct {
	underlying HeightClient
	tracker    *RPCBudgetTracker
	priority   Priority
	maxWait    time.Duration
	logger     *log.Logger
}

// RateLimitedClientConfig holds configuration for the rate-limited client.
type RateLimitedClientConfig struct {
	// Client is the underlying chain client to wrap.
	// Required - middleware cannot function without an underlying client.
	Client HeightClient

	// Tracker is the request budget tracker for rate limiting.
	// Required - middleware cannot function without a tracker.
	Tracker *RPCBudgetTracker

	// Priority is the priority level for this client's requests.
	// PriorityHigh for interactive reads, PriorityLow for the monitor.
	Priority Priority

	// MaxWait is the maximum time to wait for budget availability.
	// Default: 30s. If budget is not available within this time,
	// the call returns ErrMaxWaitExceeded.
	MaxWait time.Duration

	// Logger is an optional logger for rate limit events.
	// If nil, a default logger writing to stdout is used.
	Logger *log.Logger
}

// Validate checks if the configuration is valid.
func (c *RateLimitedClientConfig) Validate() error {
	if c.Client == nil {
		return errors.New("underlying client is required")
	}
	if c.Tracker == nil {
		return errors.New("budget tracker is required")
	}
	return nil
}

// Ensure ethclient.Client implements HeightClient interface
var _ HeightClient = (*ethclient.Client)(nil)

// NewRateLimitedClient creates a rate-limited RPC client.
// Returns an error if the configuration is invalid.
func NewRateLimitedClient(cfg *RateLimitedClientConfig) (*RateLimitedClient, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &RateLimitedClient{
		underlying: cfg.Client,
		tracker:    cfg.Tracker,
		priority:   cfg.Priority,
		maxWait:    maxWait,
		logger:     logger,
	}, nil
}

// waitForBudget waits until budget is available or context/maxWait is exceeded.
// It returns nil if budget was acquired, or an error if waiting failed.
func (c *RateLimitedClient) waitForBudget(ctx context.Context, method string, n int) error {
	startTime := time.Now()
	deadline := startTime.Add(c.maxWait)

	for {
		// Check context cancellation
		select {
		case <-ctx.Done():
			c.logger.Printf("[RateLimit] %s: context cancelled while waiting for budget (priority=%s)",
				method, c.priority)
			return ctx.Err()
		default:
		}

		// Try to consume budget
		allowed, waitTime := c.tracker.TryConsume(ctx, n, c.priority)
		if allowed {
			// Record method-specific usage for monitoring
			if err := c.tracker.RecordMethodUsage(ctx, method, n); err != nil {
				// Log but don't fail - method tracking is for monitoring only
				c.logger.Printf("[RateLimit] %s: failed to record method usage: %v", method, err)
			}
			return nil
		}

		// Check if we've exceeded max wait time
		if time.Now().Add(waitTime).After(deadline) {
			c.logger.Printf("[RateLimit] %s: max wait time exceeded (priority=%s, waited=%v)",
				method, c.priority, time.Since(startTime))
			return ErrMaxWaitExceeded
		}

		// Log rate limit event
		c.logger.Printf("[RateLimit] %s: waiting for budget (priority=%s, wait=%v)",
			method, c.priority, waitTime)

		// Wait for the suggested time or context cancellation
		select {
		case <-ctx.Done():
			c.logger.Printf("[RateLimit] %s: context cancelled while waiting (priority=%s)",
				method, c.priority)
			return ctx.Err()
		case <-time.After(waitTime):
			// Continue to retry
		}
	}
}

// BlockNumber wraps eth_blockNumber with rate limiting. The call blocks
// until budget is available, the context is cancelled, or MaxWait elapses.
func (c *RateLimitedClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.waitForBudget(ctx, MethodEthBlockNumber, 1); err != nil {
		return 0, fmt.Errorf("rate limit: %w", err)
	}

	return c.underlying.BlockNumber(ctx)
}

// GetPriority returns the priority level of this client.
func (c *RateLimitedClient) GetPriority() Priority {
	return c.priority
}

// GetMaxWait returns the maximum wait time for budget availability.
func (c *RateLimitedClient) GetMaxWait() time.Duration {
	return c.maxWait
}

// Underlying returns the underlying HeightClient.
// This can be used for operations that don't need rate limiting.
func (c *RateLimitedClient) Underlying() HeightClient {
	return c.underlying
}
