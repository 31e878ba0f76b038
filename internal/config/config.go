// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
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

	// Ledger settings
	RPCURL       string // JSON-RPC endpoint for receipt lookups
	SignerURL    string // custody signer service for outbound transfers
	VaultAddress string // custody address buyers pay into

	// Escrow settings
	FeePercent       float64       // platform fee as a percentage of amount (0.5 = 0.5%)
	LockTolerancePct float64       // accepted shortfall on lock receipts (5 = 5%)
	ExpiryWindow     time.Duration // pending escrow lifetime
	OracleAutoVerify bool          // auto-verify claims when the seller has no verify URL
	OracleTimeout    time.Duration // verify endpoint call timeout

	// Webhook queue settings
	WebhookMaxAttempts      int
	WebhookBatchSize        int
	WebhookAttemptTimeout   time.Duration // per delivery attempt in the retry worker
	WebhookImmediateTimeout time.Duration // send-now fast path
	WebhookRetryInterval    time.Duration // worker cadence

	// Security
	CronSecret   string // guards the cron endpoints
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultRPCURL           = "https://api.mainnet-beta.solana.com"
	DefaultFeePercent       = 0.5
	DefaultLockTolerancePct = 5.0
	DefaultExpiryHours      = 24
	DefaultRateLimit        = 100
)

// Webhook queue defaults
const (
	DefaultWebhookMaxAttempts   = 5
	DefaultWebhookBatchSize     = 20
	DefaultWebhookRetryInterval = 5 * time.Minute
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:             os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:                  getEnv("RPC_URL", DefaultRPCURL),
		SignerURL:               os.Getenv("SIGNER_URL"),
		VaultAddress:            os.Getenv("VAULT_ADDRESS"),
		FeePercent:              getEnvFloat("FEE_PERCENT", DefaultFeePercent),
		LockTolerancePct:        getEnvFloat("LOCK_TOLERANCE_PERCENT", DefaultLockTolerancePct),
		ExpiryWindow:            getEnvDuration("ESCROW_EXPIRY", time.Duration(DefaultExpiryHours)*time.Hour),
		OracleAutoVerify:        getEnvBool("ORACLE_AUTO_VERIFY", false),
		OracleTimeout:           getEnvDuration("ORACLE_TIMEOUT", 15*time.Second),
		WebhookMaxAttempts:      int(getEnvInt64("WEBHOOK_MAX_ATTEMPTS", DefaultWebhookMaxAttempts)),
		WebhookBatchSize:        int(getEnvInt64("WEBHOOK_BATCH_SIZE", DefaultWebhookBatchSize)),
		WebhookAttemptTimeout:   getEnvDuration("WEBHOOK_ATTEMPT_TIMEOUT", 10*time.Second),
		WebhookImmediateTimeout: getEnvDuration("WEBHOOK_IMMEDIATE_TIMEOUT", 5*time.Second),
		WebhookRetryInterval:    getEnvDuration("WEBHOOK_RETRY_INTERVAL", DefaultWebhookRetryInterval),
		CronSecret:              os.Getenv("CRON_SECRET"),
		RateLimitRPS:            int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.VaultAddress == "" {
		return fmt.Errorf("VAULT_ADDRESS is required")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.FeePercent < 0 || c.FeePercent >= 100 {
		return fmt.Errorf("FEE_PERCENT must be in [0, 100)")
	}
	if c.LockTolerancePct < 0 || c.LockTolerancePct >= 100 {
		return fmt.Errorf("LOCK_TOLERANCE_PERCENT must be in [0, 100)")
	}
	if c.WebhookMaxAttempts <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be positive")
	}
	if c.ExpiryWindow <= 0 {
		return fmt.Errorf("ESCROW_EXPIRY must be positive")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
