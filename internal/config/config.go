package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for Compoundr
type Config struct {
	// Redis configuration
	RedisURL string

	// Database configuration
	DBName     string
	DBHost     string
	DBUser     string
	DBPassword string
	DBPort     string
	DBSSLMode  string

	// RPC configuration
	RPCEndpoints []string

	// DLMM transaction service configuration
	DLMMAPIURL string

	// Price feed configuration
	HermesURL    string
	PriceFeedIDs map[string]string // pool address -> Pyth price feed ID
	PriceMaxAge  time.Duration

	// Wallets whose positions are compounded
	Wallets []string

	// Worker configuration
	MinWorkers int
	MaxWorkers int

	// Cycle configuration
	DefaultStrategy string
	DefaultPadding  int
	SwapOnEntry     bool
	MaxAttempts     int
	CycleInterval   time.Duration
	GatewayTimeout  time.Duration

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsPort string
}

// Load reads configuration from environment variables and validates it
func Load() (Config, error) {
	cfg := Config{
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379"),
		DBName:          getEnv("DB_NAME", ""),
		DBHost:          getEnv("DB_HOST", ""),
		DBUser:          getEnv("DB_USER", ""),
		DBPassword:      getEnv("DB_PASSWORD", ""),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBSSLMode:       getEnv("DB_SSL_MODE", "disable"),
		DLMMAPIURL:      getEnv("DLMM_API_URL", ""),
		HermesURL:       getEnv("HERMES_URL", "https://hermes.pyth.network"),
		DefaultStrategy: getEnv("DEFAULT_STRATEGY", "spot"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		MetricsPort:     getEnv("METRICS_PORT", "9100"),
	}

	// Parse RPC endpoints
	rpcEndpointsStr := getEnv("RPC_ENDPOINTS", "")
	if rpcEndpointsStr == "" {
		return cfg, fmt.Errorf("RPC_ENDPOINTS environment variable is required")
	}
	cfg.RPCEndpoints = splitAndTrim(rpcEndpointsStr)

	// Parse wallets
	walletsStr := getEnv("WALLETS", "")
	if walletsStr != "" {
		cfg.Wallets = splitAndTrim(walletsStr)
	}

	// Parse price feed mappings ("pool=feedID" pairs)
	cfg.PriceFeedIDs = map[string]string{}
	for _, pair := range splitAndTrim(getEnv("PRICE_FEED_IDS", "")) {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return cfg, fmt.Errorf("invalid PRICE_FEED_IDS entry: %q (expected pool=feedID)", pair)
		}
		cfg.PriceFeedIDs[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	// Parse worker configuration
	var err error
	cfg.MinWorkers, err = parseIntEnv("MIN_WORKERS", 2)
	if err != nil {
		return cfg, fmt.Errorf("invalid MIN_WORKERS: %w", err)
	}

	cfg.MaxWorkers, err = parseIntEnv("MAX_WORKERS", 16)
	if err != nil {
		return cfg, fmt.Errorf("invalid MAX_WORKERS: %w", err)
	}

	// Parse cycle configuration
	cfg.DefaultPadding, err = parseIntEnv("DEFAULT_PADDING", 5)
	if err != nil {
		return cfg, fmt.Errorf("invalid DEFAULT_PADDING: %w", err)
	}

	cfg.MaxAttempts, err = parseIntEnv("MAX_ATTEMPTS", 3)
	if err != nil {
		return cfg, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
	}

	cfg.SwapOnEntry = getEnv("SWAP_ON_ENTRY", "false") == "true"

	cfg.CycleInterval, err = parseDurationEnv("CYCLE_INTERVAL", 15*time.Minute)
	if err != nil {
		return cfg, fmt.Errorf("invalid CYCLE_INTERVAL: %w", err)
	}

	cfg.GatewayTimeout, err = parseDurationEnv("GATEWAY_TIMEOUT", 30*time.Second)
	if err != nil {
		return cfg, fmt.Errorf("invalid GATEWAY_TIMEOUT: %w", err)
	}

	cfg.PriceMaxAge, err = parseDurationEnv("PRICE_MAX_AGE", 30*time.Second)
	if err != nil {
		return cfg, fmt.Errorf("invalid PRICE_MAX_AGE: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks that the configuration is valid
func (c Config) validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DBName == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if c.DLMMAPIURL == "" {
		return fmt.Errorf("DLMM_API_URL is required")
	}

	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required")
	}

	if c.MinWorkers < 1 {
		return fmt.Errorf("MIN_WORKERS must be at least 1")
	}

	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("MAX_WORKERS must be greater than or equal to MIN_WORKERS")
	}

	if c.DefaultPadding < 0 {
		return fmt.Errorf("DEFAULT_PADDING must not be negative")
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
		"panic": true,
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be one of: trace, debug, info, warn, error, fatal, panic)", c.LogLevel)
	}

	return nil
}

// getEnv retrieves an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an integer environment variable with a default value
func parseIntEnv(key string, defaultValue int) (int, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(str)
}

// parseDurationEnv parses a duration environment variable with a default value
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(str)
}

// splitAndTrim splits a comma-separated list and trims each entry
func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
