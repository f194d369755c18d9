package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/portfolio-registry/internal/types"
)

// RateLimiter manages rate limiting for API requests
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	// Rate limits per tier (requests per second)
	freeTierLimit    rate.Limit
	basicTierLimit   rate.Limit
	premiumTierLimit rate.Limit

	// Burst size (number of requests that can be made in a burst)
	burstSize int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(freeTierRPS, basicTierRPS, premiumTierRPS int) *RateLimiter {
	return &RateLimiter{
		limiters:         make(map[string]*rate.Limiter),
		freeTierLimit:    rate.Limit(freeTierRPS),
		basicTierLimit:   rate.Limit(basicTierRPS),
		premiumTierLimit: rate.Limit(premiumTierRPS),
		burstSize:        10, // Allow bursts of 10 requests
	}
}

// getLimiter returns the rate limiter for a specific caller and tier
func (rl *RateLimiter) getLimiter(caller string, tier types.CallerTier) *rate.Limiter {
	key := caller

	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	// Determine rate limit based on tier
	var limit rate.Limit
	switch tier {
	case types.TierPremium:
		limit = rl.premiumTierLimit
	case types.TierBasic:
		limit = rl.basicTierLimit
	default:
		limit = rl.freeTierLimit
	}

	// Create new limiter
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(limit, rl.burstSize)
	rl.limiters[key] = limiter

	return limiter
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Get caller identity and tier from headers
			caller := r.Header.Get("X-Caller-Address")
			if caller == "" {
				// Anonymous reads still get limited, keyed by source address
				caller = r.RemoteAddr
			}

			tier := types.CallerTier(r.Header.Get("X-Caller-Tier"))
			if tier == "" {
				tier = types.TierFree // Default to free tier
			}

			// Get limiter for this caller
			limiter := rl.getLimiter(caller, tier)

			// Check if request is allowed
			if !limiter.Allow() {
				respondError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded. Please try again later.", map[string]interface{}{
					"tier":  tier,
					"limit": limiter.Limit(),
				})
				return
			}

			// Request allowed - proceed
			next.ServeHTTP(w, r)
		})
	}
}
