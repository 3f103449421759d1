// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math/big"
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

	// Blockchain settings
	RPCURL          string
	ChainID         int64
	PrivateKey      string // Hex-encoded, no 0x prefix
	EscrowContract  string // Arbitrable escrow contract address
	ReceiverAddress string // Platform wallet that receives reservation fees

	// Reservation settings
	ReservationFeeWei string        // Fixed reservation fee in wei, converted once at load
	TimeoutPayment    time.Duration // Sender may reclaim funds after this window
	AttemptTTL        time.Duration // Checkout attempt expiry

	// Reconciliation
	ReconcileInterval time.Duration

	// Traditional payment (Stripe)
	StripeSecretKey string

	// Notifications
	NotifyWebhookURL string
	NotifySecret     string // HMAC key for webhook signatures

	// Security
	RateLimitRPM int
}

// Base Sepolia defaults
const (
	DefaultRPCURL            = "https://sepolia.base.org"
	DefaultChainID           = 84532 // Base Sepolia
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultReservationFee    = "200000000000000000" // 0.2 ETH in wei
	DefaultTimeoutPayment    = 7 * 24 * time.Hour
	DefaultAttemptTTL        = 30 * time.Minute
	DefaultReconcileInterval = 2 * time.Minute
	DefaultRateLimit         = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:        os.Getenv("PRIVATE_KEY"), // Required, no default
		EscrowContract:    os.Getenv("ESCROW_CONTRACT"),
		ReceiverAddress:   os.Getenv("RECEIVER_ADDRESS"),
		ReservationFeeWei: getEnv("RESERVATION_FEE_WEI", DefaultReservationFee),
		TimeoutPayment:    getEnvDuration("TIMEOUT_PAYMENT", DefaultTimeoutPayment),
		AttemptTTL:        getEnvDuration("ATTEMPT_TTL", DefaultAttemptTTL),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		StripeSecretKey:   os.Getenv("STRIPE_SECRET_KEY"),
		NotifyWebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifySecret:      os.Getenv("NOTIFY_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
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

	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}

	if c.ReceiverAddress == "" {
		return fmt.Errorf("RECEIVER_ADDRESS is required")
	}

	fee, ok := new(big.Int).SetString(c.ReservationFeeWei, 10)
	if !ok || fee.Sign() <= 0 {
		return fmt.Errorf("RESERVATION_FEE_WEI must be a positive integer in wei")
	}

	if c.TimeoutPayment <= 0 {
		return fmt.Errorf("TIMEOUT_PAYMENT must be positive")
	}

	return nil
}

// ReservationFee returns the fixed reservation fee in wei.
// The fee is converted from its fiat quote exactly once, at configuration
// time; settlement paths never recompute it.
func (c *Config) ReservationFee() *big.Int {
	fee, _ := new(big.Int).SetString(c.ReservationFeeWei, 10)
	return fee
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
