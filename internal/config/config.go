// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/meterd/x402gw/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// External collaborators
	EscrowURL   string // escrow/payment-routing service base URL
	UpstreamURL string // backing service the gateway proxies to
	OracleURL   string // independent metering oracle

	// Receipt verification
	TrustedIssuer        string // provider signing address receipts must recover to
	ReceiptMaxPastAge    time.Duration
	ReceiptMaxFutureSkew time.Duration
	NonceRetention       time.Duration

	// Settlement
	SettlementRecipient string // where settled funds land
	TargetChain         string
	Token               string // asset symbol quoted in challenges

	// Payment surface
	MeteredPrefixes []string // route prefixes behind the paywall
	PricingTable    string   // JSON pricing bands; empty uses built-in defaults
	ReconcileRules  string   // JSON reconciliation rules; empty uses built-in defaults

	// Timers and limits
	SweepInterval   time.Duration
	UpstreamTimeout time.Duration
	EscrowTimeout   time.Duration
	OracleTimeout   time.Duration
	RateLimitRPS    int

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector, empty disables tracing
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultTargetChain  = "base"
	DefaultToken        = "USDC"
	DefaultRateLimit    = 100
	DefaultSweepSeconds = 30
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		EscrowURL:            os.Getenv("ESCROW_URL"),
		UpstreamURL:          os.Getenv("UPSTREAM_URL"),
		OracleURL:            os.Getenv("ORACLE_URL"),
		TrustedIssuer:        os.Getenv("TRUSTED_ISSUER"),
		ReceiptMaxPastAge:    getEnvDuration("RECEIPT_MAX_PAST_AGE", time.Hour),
		ReceiptMaxFutureSkew: getEnvDuration("RECEIPT_MAX_FUTURE_SKEW", 5*time.Minute),
		NonceRetention:       getEnvDuration("NONCE_RETENTION", 24*time.Hour),
		SettlementRecipient:  os.Getenv("SETTLEMENT_RECIPIENT"),
		TargetChain:          getEnv("TARGET_CHAIN", DefaultTargetChain),
		Token:                getEnv("TOKEN", DefaultToken),
		MeteredPrefixes:      splitList(getEnv("METERED_PREFIXES", "/ai")),
		PricingTable:         os.Getenv("PRICING_TABLE"),
		ReconcileRules:       os.Getenv("RECONCILE_RULES"),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepSeconds*time.Second),
		UpstreamTimeout:      getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		EscrowTimeout:        getEnvDuration("ESCROW_TIMEOUT", 10*time.Second),
		OracleTimeout:        getEnvDuration("ORACLE_TIMEOUT", 10*time.Second),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EscrowURL == "" {
		return fmt.Errorf("ESCROW_URL is required")
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_URL is required")
	}
	if c.OracleURL == "" {
		return fmt.Errorf("ORACLE_URL is required")
	}
	if c.TrustedIssuer == "" {
		return fmt.Errorf("TRUSTED_ISSUER is required")
	}

	// Accept with or without 0x prefix; normalize before checking
	c.TrustedIssuer = validation.SanitizeAddress(c.TrustedIssuer)
	if !validation.IsValidEthAddress(c.TrustedIssuer) {
		return fmt.Errorf("TRUSTED_ISSUER must be a 20-byte hex address (with or without 0x prefix)")
	}

	if c.SettlementRecipient == "" {
		return fmt.Errorf("SETTLEMENT_RECIPIENT is required")
	}
	c.SettlementRecipient = validation.SanitizeAddress(c.SettlementRecipient)
	if !validation.IsValidEthAddress(c.SettlementRecipient) {
		return fmt.Errorf("SETTLEMENT_RECIPIENT must be a 20-byte hex address")
	}
	if len(c.MeteredPrefixes) == 0 {
		return fmt.Errorf("METERED_PREFIXES must name at least one route prefix")
	}
	for _, p := range c.MeteredPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("metered prefix %q must start with /", p)
		}
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
