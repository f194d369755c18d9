// Package config provides configuration management for the portfolio registry
// application. It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Chain     ChainConfig
	Registry  RegistryConfig
	Monitor   MonitorConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CacheConfig holds read-cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// RateLimitConfig holds inbound rate limiting configuration (requests per second)
type RateLimitConfig struct {
	FreeTier    int
	BasicTier   int
	PremiumTier int
}

// ChainConfig holds block clock configuration. Mode "rpc" reads the height
// from an Ethereum endpoint; mode "local" uses an in-process counter. The
// outbound RPC request budget is configured separately via the ratelimit
// package's CHAIN_RPC_* variables.
type ChainConfig struct {
	Mode           string
	RPCEndpoints   []string
	RequestTimeout time.Duration
	HeightCacheTTL time.Duration
}

// RegistryConfig holds protocol-level registry configuration
type RegistryConfig struct {
	// Owner seeds the registry owner identity on first start; later transfers
	// go through the admin initialize operation only.
	Owner string
}

// MonitorConfig holds the staleness monitor configuration
type MonitorConfig struct {
	Schedule     string
	ScanLimit    int
	RecordEvents bool
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "portfolio_registry"),
				User:           getEnv("POSTGRES_USER", "registry"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 100),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "portfolio_registry"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 20*time.Second),
		},
		RateLimit: RateLimitConfig{
			FreeTier:    getEnvAsInt("RATE_LIMIT_FREE_TIER", 1000),
			BasicTier:   getEnvAsInt("RATE_LIMIT_BASIC_TIER", 10000),
			PremiumTier: getEnvAsInt("RATE_LIMIT_PREMIUM_TIER", 100000),
		},
		Chain: ChainConfig{
			Mode:           getEnv("CHAIN_CLOCK_MODE", "local"),
			RPCEndpoints:   splitList(getEnv("CHAIN_RPC_ENDPOINTS", "")),
			RequestTimeout: getEnvAsDuration("CHAIN_REQUEST_TIMEOUT", 5*time.Second),
			HeightCacheTTL: getEnvAsDuration("CHAIN_HEIGHT_CACHE_TTL", 3*time.Second),
		},
		Registry: RegistryConfig{
			Owner: getEnv("REGISTRY_OWNER", ""),
		},
		Monitor: MonitorConfig{
			Schedule:     getEnv("MONITOR_SCHEDULE", "@every 10m"),
			ScanLimit:    getEnvAsInt("MONITOR_SCAN_LIMIT", 500),
			RecordEvents: getEnvAsBool("MONITOR_RECORD_EVENTS", true),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// splitList splits a comma-separated environment value into trimmed entries
func splitList(value string) []string {
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	entries := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			entries = append(entries, p)
		}
	}
	return entries
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
