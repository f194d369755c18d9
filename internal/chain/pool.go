package chain

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/portfolio-registry/internal/logging"
	"github.com/portfolio-registry/internal/ratelimit"
)

// DefaultEndpointCooldown is how long a failed endpoint sits out before the
// pool routes reads to it again.
const DefaultEndpointCooldown = 60 * time.Second

// dialFunc connects to an RPC endpoint, returning the height client and a
// close function for the underlying connection.
type dialFunc func(ctx context.Context, rawURL, name string) (ratelimit.HeightClient, func(), error)

// endpoint is one RPC endpoint and its connection state.
type endpoint struct {
	url    string
	name   string
	client ratelimit.HeightClient
	closer func()
}

// endpointPool manages RPC endpoints with failover.
// Strategy: stick with the current endpoint until it misbehaves, then
// switch to the next one whose cooldown has expired.
type endpointPool struct {
	mu        sync.RWMutex
	endpoints []*endpoint
	current   int
	cooldowns map[int]time.Time
	cooldown  time.Duration
	dial      dialFunc
}

// newEndpointPool builds a pool over the given endpoint URLs. The first
// endpoint is connected eagerly; the rest connect lazily on failover.
func newEndpointPool(ctx context.Context, urls []string, cooldown time.Duration, dial dialFunc) (*endpointPool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	if cooldown <= 0 {
		cooldown = DefaultEndpointCooldown
	}

	endpoints := make([]*endpoint, len(urls))
	for i, raw := range urls {
		endpoints[i] = &endpoint{url: raw, name: endpointName(raw, i)}
	}

	client, closer, err := dial(ctx, endpoints[0].url, endpoints[0].name)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	endpoints[0].client = client
	endpoints[0].closer = closer

	logging.WithField("endpoints", len(urls)).Info("RPC endpoint pool initialized")

	return &endpointPool{
		endpoints: endpoints,
		cooldowns: make(map[int]time.Time),
		cooldown:  cooldown,
		dial:      dial,
	}, nil
}

// currentEndpoint returns the active endpoint.
func (p *endpointPool) currentEndpoint() *endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.endpoints[p.current]
}

// size returns the number of endpoints in the pool.
func (p *endpointPool) size() int {
	return len(p.endpoints)
}

// rotate marks the current endpoint as cooling down and switches to the
// next available one. With every endpoint cooling it returns an error and
// leaves the current endpoint active.
func (p *endpointPool) rotate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cooldowns[p.current] = time.Now()
	from := p.endpoints[p.current].name

	for i := 0; i < len(p.endpoints); i++ {
		next := (p.current + 1 + i) % len(p.endpoints)

		if cooledAt, exists := p.cooldowns[next]; exists {
			if time.Since(cooledAt) < p.cooldown {
				continue
			}
			delete(p.cooldowns, next)
		}

		if err := p.switchTo(ctx, next); err != nil {
			logging.WithError(err).WithField("endpoint", p.endpoints[next].name).Warn("Failed to switch RPC endpoint")
			continue
		}

		logging.WithFields(map[string]interface{}{
			"from": from,
			"to":   p.endpoints[next].name,
		}).Info("Switched RPC endpoint")
		return nil
	}

	return fmt.Errorf("all %d RPC endpoints are cooling down", len(p.endpoints))
}

// switchTo activates the endpoint at index, dialing it if needed.
// Callers must hold the lock.
func (p *endpointPool) switchTo(ctx context.Context, index int) error {
	ep := p.endpoints[index]

	if ep.client == nil {
		client, closer, err := p.dial(ctx, ep.url, ep.name)
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %s: %w", ep.name, err)
		}
		ep.client = client
		ep.closer = closer
	}

	p.current = index
	return nil
}

// tryResetToPrimary switches back to the first endpoint once its cooldown
// has expired. The first configured endpoint is the preferred one.
func (p *endpointPool) tryResetToPrimary(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == 0 {
		return true
	}

	if cooledAt, exists := p.cooldowns[0]; exists {
		if time.Since(cooledAt) < p.cooldown {
			return false
		}
		delete(p.cooldowns, 0)
	}

	if err := p.switchTo(ctx, 0); err != nil {
		logging.WithError(err).Warn("Failed to reset to primary RPC endpoint")
		return false
	}

	logging.Info("Reset to primary RPC endpoint")
	return true
}

// close closes every dialed connection.
func (p *endpointPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.closer != nil {
			ep.closer()
			ep.closer = nil
			ep.client = nil
		}
	}
}

// endpointName derives a loggable endpoint identity. Provider URLs carry
// API keys in the path, so only the host appears; the index keeps two keys
// on the same host distinct.
func endpointName(rawURL string, index int) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return fmt.Sprintf("%s-%d", u.Host, index)
	}
	return fmt.Sprintf("endpoint-%d", index)
}
