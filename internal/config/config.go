// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Blockchain settings
	RPCURL              string
	ChainID             int64
	PrivateKey          string // Hex-encoded custodial signer key
	HotWalletAddress    string
	MarketplaceContract string
	AssetTokenContract  string
	Confirmations       int64 // Confirmations required before a tx counts as final

	// Payment gateway
	GatewayAPIKey        string
	GatewayWebhookSecret string
	Currency             string // ISO currency code for gateway orders

	// Settlement settings
	MinTopupMinor      int64 // Smallest accepted top-up, in minor units
	CryptoIntentTTLMin int64 // Minutes before a crypto deposit intent expires

	// Security
	AdminSecret  string
	RateLimitRPS int

	// Observability
	OTLPEndpoint string
}

// Defaults for a local development chain.
const (
	DefaultRPCURL    = "http://localhost:8545"
	DefaultChainID   = 31337
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultCurrency  = "inr"
	DefaultMinTopup  = 5000 // 50.00 in minor units
	DefaultIntentTTL = 60
	DefaultRateLimit = 100
	DefaultConfirms  = 1
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
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:           os.Getenv("PRIVATE_KEY"), // Required, no default
		HotWalletAddress:     os.Getenv("HOT_WALLET_ADDRESS"),
		MarketplaceContract:  os.Getenv("MARKETPLACE_CONTRACT"),
		AssetTokenContract:   os.Getenv("ASSET_TOKEN_CONTRACT"),
		Confirmations:        getEnvInt64("CONFIRMATIONS", DefaultConfirms),
		GatewayAPIKey:        os.Getenv("GATEWAY_API_KEY"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		Currency:             getEnv("CURRENCY", DefaultCurrency),
		MinTopupMinor:        getEnvInt64("MIN_TOPUP_MINOR", DefaultMinTopup),
		CryptoIntentTTLMin:   getEnvInt64("CRYPTO_INTENT_TTL_MIN", DefaultIntentTTL),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
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
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.MarketplaceContract == "" {
		return fmt.Errorf("MARKETPLACE_CONTRACT is required")
	}
	if c.AssetTokenContract == "" {
		return fmt.Errorf("ASSET_TOKEN_CONTRACT is required")
	}

	if c.MinTopupMinor <= 0 {
		return fmt.Errorf("MIN_TOPUP_MINOR must be positive")
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
