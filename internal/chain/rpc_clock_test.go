package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/portfolio-registry/internal/circuitbreaker"
	apperrors "github.com/portfolio-registry/internal/errors"
	"github.com/portfolio-registry/internal/ratelimit"
	"github.com/portfolio-registry/internal/retry"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heightResult struct {
	height uint64
	err    error
}

// scriptedClient returns queued height results in order, repeating the last
// entry once the script runs out.
type scriptedClient struct {
	mu     sync.Mutex
	script []heightResult
	calls  int
}

func (s *scriptedClient) BlockNumber(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	s.calls++
	if i >= len(s.script) {
		i = len(s.script) - 1
	}

	r := s.script[i]
	return r.height, r.err
}

func (s *scriptedClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// testDial hands out stub clients keyed by endpoint URL.
func testDial(clients map[string]ratelimit.HeightClient) dialFunc {
	return func(ctx context.Context, rawURL, name string) (ratelimit.HeightClient, func(), error) {
		client, ok := clients[rawURL]
		if !ok {
			return nil, nil, fmt.Errorf("no such host: %s", rawURL)
		}
		return client, func() {}, nil
	}
}

func fastRetry() *retry.RetryConfig {
	return &retry.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestNewRPCClockValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("nil config", func(t *testing.T) {
		_, err := newRPCClock(ctx, nil, testDial(nil))
		require.Error(t, err)
	})

	t.Run("no endpoints", func(t *testing.T) {
		_, err := newRPCClock(ctx, &RPCClockConfig{}, testDial(nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one RPC endpoint")
	})

	t.Run("primary dial failure", func(t *testing.T) {
		_, err := newRPCClock(ctx, &RPCClockConfig{
			Endpoints: []string{"http://node-a"},
		}, testDial(map[string]ratelimit.HeightClient{}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary RPC endpoint")
	})
}

func TestRPCClockReadsAndCachesHeight(t *testing.T) {
	ctx := context.Background()
	node := &scriptedClient{script: []heightResult{{height: 100}}}

	clock, err := newRPCClock(ctx, &RPCClockConfig{
		Endpoints:      []string{"http://node-a"},
		HeightCacheTTL: time.Hour,
		Retry:          fastRetry(),
	}, testDial(map[string]ratelimit.HeightClient{"http://node-a": node}))
	require.NoError(t, err)
	defer clock.Close()

	height, err := clock.CurrentHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), height)
	assert.Equal(t, 1, node.callCount())

	// Within the TTL the cached height is served without another read.
	height, err = clock.CurrentHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), height)
	assert.Equal(t, 1, node.callCount())
}

func TestRPCClockHeightNeverDecreases(t *testing.T) {
	ctx := context.Background()
	node := &scriptedClient{script: []heightResult{
		{height: 100},
		{height: 90},
		{height: 150},
	}}

	clock, err := newRPCClock(ctx, &RPCClockConfig{
		Endpoints:      []string{"http://node-a"},
		HeightCacheTTL: time.Nanosecond,
		Retry:          fastRetry(),
	}, testDial(map[string]ratelimit.HeightClient{"http://node-a": node}))
	require.NoError(t, err)
	defer clock.Close()

	height, err := clock.CurrentHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), height)

	// A lagging endpoint reports 90; the clock keeps serving 100.
	height, err = clock.CurrentHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), height)

	height, err = clock.CurrentHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), height)
}

func TestRPCClockRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	node := &scriptedClient{script: []heightResult{
		{err: errors.New("boom")},
		{height: 77},
	}}

	clock, err := newRPCClock(ctx, &RPCClockConfig{
		Endpoints:      []string{"http://node-a"},
		HeightCacheTTL: time.Hour,
		Retry:          fastRetry(),
	}, testDial(map[string]ratelimit.HeightClient{"http://node-a": node}))
	require.NoError(t, err)
	defer clock.Close()

	height, err := clock.CurrentHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), height)
	assert.Equal(t, 2, node.callCount())
	assert.Equal(t, "node-a-0", clock.pool.currentEndpoint().name)
}

func TestRPCClockFailsOverOnConnectionError(t *testing.T) {
	ctx := context.Background()
	nodeA := &scriptedClient{script: []heightResult{{err: errors.New("connection refused")}}}
	nodeB := &scriptedClient{script: []heightResult{{height: 42}}}

	clock, err := newRPCClock(ctx, &RPCClockConfig{
		Endpoints:      []string{"http://node-a", "http://node-b"},
		HeightCacheTTL: time.Hour,
		Retry:          fastRetry(),
	}, testDial(map[string]ratelimit.HeightClient{
		"http://node-a": nodeA,
		"http://node-b": nodeB,
	}))
	require.NoError(t, err)
	defer clock.Close()

	height, err := clock.CurrentHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), height)
	assert.Equal(t, 1, nodeA.callCount())
	assert.Equal(t, 1, nodeB.callCount())
	assert.Equal(t, "node-b-1", clock.pool.currentEndpoint().name)
}

func TestRPCClockOpensBreakerAndReportsUnavailable(t *testing.T) {
	ctx := context.Background()
	name := endpointName("http://node-a", 0)

	manager := circuitbreaker.NewCircuitBreakerManager()
	manager.GetOrCreate(name, &circuitbreaker.Config{
		Name:             name,
		MaxFailures:      2,
		FailureThreshold: 0.5,
		Timeout:          time.Hour,
		HalfOpenMaxCalls: 1,
	})

	node := &scriptedClient{script: []heightResult{{err: errors.New("boom")}}}

	clock, err := newRPCClock(ctx, &RPCClockConfig{
		Endpoints:      []string{"http://node-a"},
		Breakers:       manager,
		HeightCacheTTL: time.Hour,
		Retry: &retry.RetryConfig{
			MaxAttempts:  4,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2.0,
		},
	}, testDial(map[string]ratelimit.HeightClient{"http://node-a": node}))
	require.NoError(t, err)
	defer clock.Close()

	_, err = clock.CurrentHeight(ctx)
	require.Error(t, err)

	catErr := apperrors.Categorize(err)
	assert.Equal(t, "SERVICE_UNAVAILABLE", catErr.Code)

	// The breaker opened after two failures and blocked the later attempts.
	assert.Equal(t, 2, node.callCount())

	stats := clock.BreakerStats()
	require.Contains(t, stats, name)
	assert.Equal(t, circuitbreaker.StateOpen, stats[name].State)
}

func TestRPCClockBudgetExceeded(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	tracker, err := ratelimit.NewRPCBudgetTracker(&ratelimit.RPCBudgetTrackerConfig{
		Redis:          client,
		TotalBudget:    2,
		ReservedBudget: 1,
		WindowSize:     time.Hour,
	})
	require.NoError(t, err)

	collector, err := ratelimit.NewMetricsCollector(&ratelimit.MetricsCollectorConfig{
		Tracker: tracker,
		Redis:   client,
	})
	require.NoError(t, err)

	ctx := context.Background()
	node := &scriptedClient{script: []heightResult{{height: 100}}}

	clock, err := newRPCClock(ctx, &RPCClockConfig{
		Endpoints:      []string{"http://node-a"},
		Tracker:        tracker,
		Priority:       ratelimit.PriorityHigh,
		MaxWait:        10 * time.Millisecond,
		Metrics:        collector,
		HeightCacheTTL: time.Nanosecond,
		Retry:          fastRetry(),
	}, testDial(map[string]ratelimit.HeightClient{"http://node-a": node}))
	require.NoError(t, err)
	defer clock.Close()

	// The first read fits within the reserved budget.
	height, err := clock.CurrentHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), height)

	// The second read is denied: the window has no budget left and the
	// clock will not wait an entire window for more.
	_, err = clock.CurrentHeight(ctx)
	require.Error(t, err)

	catErr := apperrors.Categorize(err)
	assert.Equal(t, "PROVIDER_BUDGET_EXCEEDED", catErr.Code)
	assert.Equal(t, 429, catErr.StatusCode)

	assert.Equal(t, 1, node.callCount())
	assert.Equal(t, int64(1), collector.GetLocalThrottleCount())
}

func TestEndpointPoolRotation(t *testing.T) {
	ctx := context.Background()

	nodeA := &scriptedClient{script: []heightResult{{height: 1}}}
	nodeB := &scriptedClient{script: []heightResult{{height: 2}}}
	dial := testDial(map[string]ratelimit.HeightClient{
		"http://node-a": nodeA,
		"http://node-b": nodeB,
	})

	pool, err := newEndpointPool(ctx, []string{"http://node-a", "http://node-b"}, 30*time.Millisecond, dial)
	require.NoError(t, err)
	defer pool.close()

	assert.Equal(t, 2, pool.size())
	assert.Equal(t, "node-a-0", pool.currentEndpoint().name)

	require.NoError(t, pool.rotate(ctx))
	assert.Equal(t, "node-b-1", pool.currentEndpoint().name)

	// With every endpoint cooling down, rotation fails and the current
	// endpoint stays active.
	err = pool.rotate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cooling down")
	assert.Equal(t, "node-b-1", pool.currentEndpoint().name)

	// The primary becomes preferred again once its cooldown expires.
	assert.False(t, pool.tryResetToPrimary(ctx))
	time.Sleep(40 * time.Millisecond)
	assert.True(t, pool.tryResetToPrimary(ctx))
	assert.Equal(t, "node-a-0", pool.currentEndpoint().name)
}

func TestEndpointName(t *testing.T) {
	assert.Equal(t, "eth-mainnet.g.alchemy.com-0", endpointName("https://eth-mainnet.g.alchemy.com/v2/secret-key", 0))
	assert.Equal(t, "mainnet.infura.io-1", endpointName("wss://mainnet.infura.io/ws/v3/secret", 1))
	assert.Equal(t, "endpoint-2", endpointName("localhost:8545", 2))
}
