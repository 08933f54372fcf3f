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

	// Payment provider (mobile money)
	ProviderBaseURL       string // Base URL of the mobile money aggregator API
	ProviderAPIKey        string
	ProviderTimeout       time.Duration
	ProviderWebhookSecret string // HMAC secret for verifying provider webhooks

	// Card payments
	StripeSecretKey string // Optional, card checkout disabled if not set

	// Order settings
	PaymentDeadline time.Duration // How long an order may stay unpaid before auto-cancel
	MinOrderAmount  string        // Minimum order total in KES
	MaxOrderAmount  string

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, tracing disabled when empty
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultProviderTimeout = 10 * time.Second
	DefaultPaymentDeadline = 30 * time.Minute
	DefaultMinOrder        = "1.00"
	DefaultMaxOrder        = "1000000.00"
	DefaultRateLimit       = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ProviderBaseURL:       os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIKey:        os.Getenv("PROVIDER_API_KEY"),
		ProviderTimeout:       getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		ProviderWebhookSecret: os.Getenv("PROVIDER_WEBHOOK_SECRET"),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		PaymentDeadline:       getEnvDuration("PAYMENT_DEADLINE", DefaultPaymentDeadline),
		MinOrderAmount:        getEnv("MIN_ORDER_AMOUNT", DefaultMinOrder),
		MaxOrderAmount:        getEnv("MAX_ORDER_AMOUNT", DefaultMaxOrder),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PaymentDeadline < time.Minute {
		return fmt.Errorf("PAYMENT_DEADLINE must be at least 1m")
	}

	if c.IsProduction() {
		if c.ProviderBaseURL == "" {
			return fmt.Errorf("PROVIDER_BASE_URL is required in production")
		}
		if c.ProviderWebhookSecret == "" {
			return fmt.Errorf("PROVIDER_WEBHOOK_SECRET is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
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
