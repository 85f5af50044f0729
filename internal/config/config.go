// Package config handles application configuration from environment variables
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
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement
	SettlementCurrency string // Currency escrow accounts are held in, e.g. "CRD"
	FeeBps             int    // Platform fee on escrow release, basis points
	MinBid             string // Smallest accepted bid price
	ReputationDivisor  int64  // Released amount / divisor = reputation delta

	// Staking & cashout
	MinStake      string // Minimum stake principal
	HouseFeeBps   int    // House fee on cashout earnings, basis points
	WinMultiplier int    // Payout multiplier on a cashout win

	// External adapters
	PriceFeedURL    string        // HTTP price feed endpoint (optional, static rate if not set)
	PriceStaleAfter time.Duration // Reject quotes older than this
	RandomSourceURL string        // HTTP randomness beacon (optional, local entropy if not set)
	RandomStale     time.Duration // Reject beacon values older than this
	AdapterTimeout  time.Duration // Deadline for any external adapter call

	// Attestation
	AttesterAllowList []string // Addresses allowed to submit delivery attestations

	// Webhooks
	WebhookTimeout time.Duration // Per-delivery HTTP timeout

	// Security
	RateLimitRPM int
	AdminSecret  string // Admin API secret
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultSettlementCurrency = "CRD"
	DefaultFeeBps             = 200
	DefaultMinBid             = "0.000001"
	DefaultReputationDivisor  = 10
	DefaultMinStake           = "10.00"
	DefaultHouseFeeBps        = 500
	DefaultWinMultiplier      = 2
	DefaultRateLimit          = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		SettlementCurrency: getEnv("SETTLEMENT_CURRENCY", DefaultSettlementCurrency),
		FeeBps:             getEnvInt("FEE_BPS", DefaultFeeBps),
		MinBid:             getEnv("MIN_BID", DefaultMinBid),
		ReputationDivisor:  getEnvInt64("REPUTATION_DIVISOR", DefaultReputationDivisor),
		MinStake:           getEnv("MIN_STAKE", DefaultMinStake),
		HouseFeeBps:        getEnvInt("HOUSE_FEE_BPS", DefaultHouseFeeBps),
		WinMultiplier:      getEnvInt("WIN_MULTIPLIER", DefaultWinMultiplier),
		PriceFeedURL:       os.Getenv("PRICE_FEED_URL"),
		PriceStaleAfter:    getEnvDuration("PRICE_STALE_AFTER", 5*time.Minute),
		RandomSourceURL:    os.Getenv("RANDOM_SOURCE_URL"),
		RandomStale:        getEnvDuration("RANDOM_STALE_AFTER", 30*time.Second),
		AdapterTimeout:     getEnvDuration("ADAPTER_TIMEOUT", 5*time.Second),
		AttesterAllowList:  getEnvList("ATTESTER_ALLOW_LIST"),
		WebhookTimeout:     getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.FeeBps < 0 || c.FeeBps >= 10000 {
		return fmt.Errorf("FEE_BPS must be in [0, 10000)")
	}
	if c.HouseFeeBps < 0 || c.HouseFeeBps >= 10000 {
		return fmt.Errorf("HOUSE_FEE_BPS must be in [0, 10000)")
	}
	if c.WinMultiplier < 1 {
		return fmt.Errorf("WIN_MULTIPLIER must be at least 1")
	}
	if c.ReputationDivisor <= 0 {
		return fmt.Errorf("REPUTATION_DIVISOR must be positive")
	}
	if c.PriceStaleAfter <= 0 || c.RandomStale <= 0 {
		return fmt.Errorf("staleness windows must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(strings.ToLower(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
