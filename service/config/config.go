package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Storage configuration. An empty DatabaseURL selects the in-memory ledger.
	DatabaseURL string

	// NATS configuration. An empty NATSURL disables the change feed.
	NATSURL string

	// Solana configuration
	SolanaRPCURL        string
	SolanaRPCRPS        int
	SignatureFetchLimit int

	// Gateway configuration
	GatewayURL    string
	GatewayAPIKey string

	// Polling configuration
	PollInterval    time.Duration
	MinPollInterval time.Duration
	MaxPollBackoff  time.Duration

	// Demo configuration
	DemoPayerAddress string

	// Analytics configuration
	TrendWindowBuckets int
	AnalyticsCache     bool
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error listing every missing or invalid setting.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = multierr.Append(errs, errors.New("SOLANA_RPC_URL is required"))
	}

	cfg.GatewayURL = os.Getenv("GATEWAY_URL")
	if cfg.GatewayURL == "" {
		errs = multierr.Append(errs, errors.New("GATEWAY_URL is required"))
	}
	cfg.GatewayAPIKey = os.Getenv("GATEWAY_API_KEY")
	cfg.DemoPayerAddress = os.Getenv("DEMO_PAYER_ADDRESS")

	var err error
	cfg.SolanaRPCRPS, err = parseInt("SOLANA_RPC_RPS", 2)
	errs = multierr.Append(errs, err)
	cfg.SignatureFetchLimit, err = parseInt("SIGNATURE_FETCH_LIMIT", 100)
	errs = multierr.Append(errs, err)
	cfg.TrendWindowBuckets, err = parseInt("TREND_WINDOW_BUCKETS", 24)
	errs = multierr.Append(errs, err)
	cfg.AnalyticsCache, err = parseBool("ANALYTICS_CACHE", true)
	errs = multierr.Append(errs, err)

	cfg.PollInterval, err = parseDuration("POLL_INTERVAL", "15s")
	errs = multierr.Append(errs, err)
	cfg.MinPollInterval, err = parseDuration("MIN_POLL_INTERVAL", "5s")
	errs = multierr.Append(errs, err)
	cfg.MaxPollBackoff, err = parseDuration("MAX_POLL_BACKOFF", "2m")
	errs = multierr.Append(errs, err)

	// Range checks only make sense once every value parsed.
	if errs == nil {
		errs = multierr.Append(errs, cfg.checkRanges())
	}

	if errs != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", errs)
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs error

	if c.SolanaRPCURL == "" {
		errs = multierr.Append(errs, errors.New("SolanaRPCURL is required"))
	}
	if c.GatewayURL == "" {
		errs = multierr.Append(errs, errors.New("GatewayURL is required"))
	}
	errs = multierr.Append(errs, c.checkRanges())

	if errs != nil {
		return fmt.Errorf("configuration validation failed: %w", errs)
	}
	return nil
}

func (c *Config) checkRanges() error {
	var errs error

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("LOG_LEVEL %q must be one of debug, info, warn, error", c.LogLevel))
	}
	if c.MinPollInterval < time.Second {
		errs = multierr.Append(errs, errors.New("MIN_POLL_INTERVAL must be at least 1 second"))
	}
	if c.MinPollInterval > c.PollInterval {
		errs = multierr.Append(errs, fmt.Errorf("MIN_POLL_INTERVAL (%v) cannot be greater than POLL_INTERVAL (%v)",
			c.MinPollInterval, c.PollInterval))
	}
	if c.MaxPollBackoff < c.PollInterval {
		errs = multierr.Append(errs, fmt.Errorf("MAX_POLL_BACKOFF (%v) cannot be less than POLL_INTERVAL (%v)",
			c.MaxPollBackoff, c.PollInterval))
	}
	if c.SolanaRPCRPS < 1 {
		errs = multierr.Append(errs, errors.New("SOLANA_RPC_RPS must be at least 1"))
	}
	if c.SignatureFetchLimit < 1 || c.SignatureFetchLimit > 1000 {
		errs = multierr.Append(errs, errors.New("SIGNATURE_FETCH_LIMIT must be between 1 and 1000"))
	}
	if c.TrendWindowBuckets < 1 || c.TrendWindowBuckets > 500 {
		errs = multierr.Append(errs, errors.New("TREND_WINDOW_BUCKETS must be between 1 and 500"))
	}
	return errs
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
