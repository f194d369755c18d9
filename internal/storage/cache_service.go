package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CacheService provides high-level caching operations for registry reads
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyPortfolio is for portfolio headers
	CacheKeyPortfolio CacheKeyType = "portfolio"
	// CacheKeyAsset is for individual portfolio slots
	CacheKeyAsset CacheKeyType = "asset"
	// CacheKeyUserPortfolios is for per-owner portfolio id lists
	CacheKeyUserPortfolios CacheKeyType = "user_portfolios"
	// CacheKeyRegistryState is for the registry configuration row
	CacheKeyRegistryState CacheKeyType = "registry_state"
)

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	// Normalize all parameters to lowercase for consistency
	normalizedParams := make([]string, len(params))
	for i, param := range params {
		normalizedParams[i] = strings.ToLower(param)
	}

	parts := append([]string{string(keyType)}, normalizedParams...)
	return strings.Join(parts, ":")
}

// GeneratePortfolioKey generates a cache key for a portfolio header
// Format: portfolio:<portfolio-id>
func (c *CacheService) GeneratePortfolioKey(portfolioID int64) string {
	return c.GenerateCacheKey(CacheKeyPortfolio, strconv.FormatInt(portfolioID, 10))
}

// GenerateAssetKey generates a cache key for a portfolio slot
// Format: asset:<portfolio-id>:<slot-index>
func (c *CacheService) GenerateAssetKey(portfolioID int64, slotIndex int) string {
	return c.GenerateCacheKey(CacheKeyAsset, strconv.FormatInt(portfolioID, 10), strconv.Itoa(slotIndex))
}

// GenerateUserPortfoliosKey generates a cache key for an owner's portfolio list
// Format: user_portfolios:<owner>
func (c *CacheService) GenerateUserPortfoliosKey(owner string) string {
	return c.GenerateCacheKey(CacheKeyUserPortfolios, owner)
}

// GenerateRegistryStateKey generates the cache key for the registry state row
// Format: registry_state:current
func (c *CacheService) GenerateRegistryStateKey() string {
	return c.GenerateCacheKey(CacheKeyRegistryState, "current")
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores a value in cache with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	// Serialize value to JSON
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.redis.Set(ctx, key, data, ttl)
}

// Get retrieves a value from cache and deserializes it
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		// Key not found is not an error, just a cache miss
		if err.Error() == "redis: nil" {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	// Deserialize JSON into destination
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...)
}

// InvalidatePattern removes all keys matching a pattern
// Pattern examples: "portfolio:42*", "user_portfolios:*"
func (c *CacheService) InvalidatePattern(ctx context.Context, pattern string) error {
	keys, err := c.redis.Keys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to find keys matching pattern: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	return c.redis.Del(ctx, keys...)
}

// InvalidatePortfolio invalidates the header and all slot entries for a portfolio
func (c *CacheService) InvalidatePortfolio(ctx context.Context, portfolioID int64) error {
	if err := c.Invalidate(ctx, c.GeneratePortfolioKey(portfolioID)); err != nil {
		return fmt.Errorf("failed to invalidate portfolio cache: %w", err)
	}

	pattern := fmt.Sprintf("asset:%d:*", portfolioID)
	if err := c.InvalidatePattern(ctx, pattern); err != nil {
		return fmt.Errorf("failed to invalidate asset cache: %w", err)
	}

	return nil
}

// InvalidateOwner invalidates the portfolio list for an owner
func (c *CacheService) InvalidateOwner(ctx context.Context, owner string) error {
	return c.Invalidate(ctx, c.GenerateUserPortfoliosKey(owner))
}

// InvalidateRegistryState invalidates the cached registry state row
func (c *CacheService) InvalidateRegistryState(ctx context.Context) error {
	return c.Invalidate(ctx, c.GenerateRegistryStateKey())
}

// Exists checks if a key exists in cache
func (c *CacheService) Exists(ctx context.Context, key string) (bool, error) {
	return c.redis.Exists(ctx, key)
}

// Refresh updates the TTL on an existing key
func (c *CacheService) Refresh(ctx context.Context, key string) error {
	return c.redis.Expire(ctx, key, c.ttl)
}

// GetTTL returns the configured TTL for this cache service
func (c *CacheService) GetTTL() time.Duration {
	return c.ttl
}

// SetTTL updates the default TTL for this cache service
func (c *CacheService) SetTTL(ttl time.Duration) {
	c.ttl = ttl
}
