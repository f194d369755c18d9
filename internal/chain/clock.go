// Package chain provides the block clock that supplies logical time (block
// height) to the registry. Heights come either from Ethereum RPC endpoints
// or from an in-process clock for local development.
package chain

import (
	"context"
	"sync"
	"time"
)

// Clock modes understood by the configuration.
const (
	ModeRPC   = "rpc"
	ModeLocal = "local"
)

// DefaultBlockInterval approximates mainnet block time for the local clock.
const DefaultBlockInterval = 12 * time.Second

// Clock supplies the current block height. Implementations never report a
// height lower than one they already reported.
type Clock interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	Close()
}

// LocalClock derives heights from wall time, advancing one block per
// interval. It serves local development and tests where no RPC endpoint is
// available.
type LocalClock struct {
	mu       sync.Mutex
	base     uint64
	started  time.Time
	interval time.Duration
}

var _ Clock = (*LocalClock)(nil)

// NewLocalClock creates a local clock starting at the given height. A zero
// interval falls back to DefaultBlockInterval.
func NewLocalClock(start uint64, interval time.Duration) *LocalClock {
	if interval <= 0 {
		interval = DefaultBlockInterval
	}

	return &LocalClock{
		base:     start,
		started:  time.Now(),
		interval: interval,
	}
}

// CurrentHeight returns the height implied by elapsed wall time.
func (c *LocalClock) CurrentHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.base + uint64(time.Since(c.started)/c.interval), nil
}

// Advance moves the clock forward by the given number of blocks. Useful for
// exercising staleness behavior without waiting out real block intervals.
func (c *LocalClock) Advance(blocks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.base += blocks
}

// Close implements Clock. The local clock holds no resources.
func (c *LocalClock) Close() {}
