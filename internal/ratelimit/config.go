// Package ratelimit coordinates the chain RPC request budget shared by all
// registry instances. Interactive reads draw from a reserved pool while the
// background staleness monitor draws from a best-effort shared pool.
package ratelimit

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
)

// Default configuration values for rate limiting.
const (
	DefaultTotalRequestsPerSecond = 50   // Total requests/s budget
	DefaultReservedRequests       = 30   // Reserved for interactive reads
	DefaultSharedRequests         = 20   // Available for the staleness monitor
	DefaultWindowSizeMs           = 1000 // 1 second sliding window
	DefaultWarningThreshold       = 80   // Percentage at which to emit warning
	DefaultPauseThreshold         = 90   // Percentage at which the monitor should pause
)

// Environment variable names for rate limit configuration.
const (
	EnvTotalRequestsPerSecond = "CHAIN_RPC_PER_SECOND"
	EnvReservedRequests       = "CHAIN_RPC_RESERVED"
	EnvSharedRequests         = "CHAIN_RPC_SHARED"
	EnvWindowSizeMs           = "CHAIN_RPC_WINDOW_SIZE_MS"
	EnvWarningThreshold       = "CHAIN_RPC_WARNING_THRESHOLD"
	EnvPauseThreshold         = "CHAIN_RPC_PAUSE_THRESHOLD"
)

// RateLimitConfig holds all rate limiting configuration.
// Configuration is loaded from environment variables with fallback to defaults.
type RateLimitConfig struct {
	// TotalRequestsPerSecond is the total request budget per second.
	// Environment: CHAIN_RPC_PER_SECOND, Default: 50
	TotalRequestsPerSecond int

	// ReservedRequests is the budget reserved for interactive height reads.
	// Environment: CHAIN_RPC_RESERVED, Default: 30
	ReservedRequests int

	// SharedRequests is the budget available for the staleness monitor.
	// Environment: CHAIN_RPC_SHARED, Default: 20
	SharedRequests int

	// WindowSizeMs is the sliding window size in milliseconds.
	// Environment: CHAIN_RPC_WINDOW_SIZE_MS, Default: 1000
	WindowSizeMs int

	// WarningThreshold is the percentage of budget usage at which to emit warnings.
	// Environment: CHAIN_RPC_WARNING_THRESHOLD, Default: 80
	WarningThreshold int

	// PauseThreshold is the percentage of budget usage at which the monitor should pause.
	// Environment: CHAIN_RPC_PAUSE_THRESHOLD, Default: 90
	PauseThreshold int
}

// NewRateLimitConfig creates a new RateLimitConfig with default values.
func NewRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		TotalRequestsPerSecond: DefaultTotalRequestsPerSecond,
		ReservedRequests:       DefaultReservedRequests,
		SharedRequests:         DefaultSharedRequests,
		WindowSizeMs:           DefaultWindowSizeMs,
		WarningThreshold:       DefaultWarningThreshold,
		PauseThreshold:         DefaultPauseThreshold,
	}
}

// LoadFromEnv loads configuration from environment variables.
// Invalid values are logged as warnings and defaults are used instead.
// Returns a new RateLimitConfig with values from environment or defaults.
func LoadFromEnv() *RateLimitConfig {
	cfg := NewRateLimitConfig()

	if val := getEnvInt(EnvTotalRequestsPerSecond, DefaultTotalRequestsPerSecond); val > 0 {
		cfg.TotalRequestsPerSecond = val
	} else if os.Getenv(EnvTotalRequestsPerSecond) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvTotalRequestsPerSecond, DefaultTotalRequestsPerSecond)
	}

	if val := getEnvInt(EnvReservedRequests, DefaultReservedRequests); val >= 0 {
		cfg.ReservedRequests = val
	} else if os.Getenv(EnvReservedRequests) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvReservedRequests, DefaultReservedRequests)
	}

	if val := getEnvInt(EnvSharedRequests, DefaultSharedRequests); val >= 0 {
		cfg.SharedRequests = val
	} else if os.Getenv(EnvSharedRequests) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvSharedRequests, DefaultSharedRequests)
	}

	if val := getEnvInt(EnvWindowSizeMs, DefaultWindowSizeMs); val > 0 {
		cfg.WindowSizeMs = val
	} else if os.Getenv(EnvWindowSizeMs) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvWindowSizeMs, DefaultWindowSizeMs)
	}

	if val := getEnvInt(EnvWarningThreshold, DefaultWarningThreshold); val >= 0 && val <= 100 {
		cfg.WarningThreshold = val
	} else if os.Getenv(EnvWarningThreshold) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvWarningThreshold, DefaultWarningThreshold)
	}

	if val := getEnvInt(EnvPauseThreshold, DefaultPauseThreshold); val >= 0 && val <= 100 {
		cfg.PauseThreshold = val
	} else if os.Getenv(EnvPauseThreshold) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvPauseThreshold, DefaultPauseThreshold)
	}

	// Validate the loaded configuration
	if err := cfg.Validate(); err != nil {
		log.Printf("WARNING: Configuration validation failed: %v. Using defaults.", err)
		return NewRateLimitConfig()
	}

	return cfg
}

// Validate ensures configuration is valid.
// Returns an error if:
// - TotalRequestsPerSecond is not positive
// - ReservedRequests or SharedRequests is negative
// - ReservedRequests + SharedRequests exceeds TotalRequestsPerSecond
// - WindowSizeMs is not positive
// - WarningThreshold or PauseThreshold is not in range [0, 100]
// - WarningThreshold is greater than PauseThreshold
func (c *RateLimitConfig) Validate() error {
	if c.TotalRequestsPerSecond <= 0 {
		return errors.New("TotalRequestsPerSecond must be positive")
	}

	if c.ReservedRequests < 0 {
		return errors.New("ReservedRequests cannot be negative")
	}

	if c.SharedRequests < 0 {
		return errors.New("SharedRequests cannot be negative")
	}

	if c.ReservedRequests+c.SharedRequests > c.TotalRequestsPerSecond {
		return fmt.Errorf("ReservedRequests (%d) + SharedRequests (%d) = %d exceeds TotalRequestsPerSecond (%d)",
			c.ReservedRequests, c.SharedRequests, c.ReservedRequests+c.SharedRequests, c.TotalRequestsPerSecond)
	}

	if c.WindowSizeMs <= 0 {
		return errors.New("WindowSizeMs must be positive")
	}

	if c.WarningThreshold < 0 || c.WarningThreshold > 100 {
		return fmt.Errorf("WarningThreshold must be between 0 and 100, got %d", c.WarningThreshold)
	}

	if c.PauseThreshold < 0 || c.PauseThreshold > 100 {
		return fmt.Errorf("PauseThreshold must be between 0 and 100, got %d", c.PauseThreshold)
	}

	if c.WarningThreshold > c.PauseThreshold {
		return fmt.Errorf("WarningThreshold (%d) cannot be greater than PauseThreshold (%d)",
			c.WarningThreshold, c.PauseThreshold)
	}

	return nil
}

// getEnvInt reads an environment variable and parses it as an integer.
// Returns the default value if the environment variable is not set or cannot be parsed.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return -1 // Signal invalid value
	}

	return intVal
}

// String returns a string representation of the configuration for logging.
func (c *RateLimitConfig) String() string {
	return fmt.Sprintf(
		"RateLimitConfig{TotalRequestsPerSecond: %d, ReservedRequests: %d, SharedRequests: %d, WindowSizeMs: %d, WarningThreshold: %d%%, PauseThreshold: %d%%}",
		c.TotalRequestsPerSecond, c.ReservedRequests, c.SharedRequests, c.WindowSizeMs,
		c.WarningThreshold, c.PauseThreshold,
	)
}
