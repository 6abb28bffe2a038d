// Package config handles service configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Gateway providers
const (
	ProviderFake   = "fake"   // in-process gateway, development only
	ProviderREST   = "rest"   // order/payment REST gateway (key id + secret)
	ProviderStripe = "stripe" // Stripe PaymentIntents
)

// Config holds all service configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" env-default:"8080"`
	Env       string `env:"ENV" env-default:"development"` // development, staging, production
	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"LOG_FORMAT" env-default:"text"`

	// Storage. Without DATABASE_URL every store is in-memory.
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" env-default:"false"`
	RedisURL    string `env:"REDIS_URL"` // shared refund locks across replicas

	// Event fan-out (all optional)
	KafkaBrokers []string `env:"KAFKA_BROKERS" env-separator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" env-default:"ecollect.events"`
	NATSURL      string   `env:"NATS_URL"`
	NATSSubject  string   `env:"NATS_SUBJECT" env-default:"ecollect.events"`

	// Tracing
	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Payment gateway
	GatewayProvider  string        `env:"GATEWAY_PROVIDER" env-default:"fake"`
	GatewayBaseURL   string        `env:"GATEWAY_BASE_URL" env-default:"https://api.razorpay.com/v1"`
	GatewayKeyID     string        `env:"GATEWAY_KEY_ID"`
	GatewayKeySecret string        `env:"GATEWAY_KEY_SECRET"`
	GatewayTimeout   time.Duration `env:"GATEWAY_TIMEOUT" env-default:"10s"`
	StripeAPIKey     string        `env:"STRIPE_API_KEY"`
	Currency         string        `env:"CURRENCY" env-default:"INR"`

	// PaymentSecret keys the interactive-callback HMAC. WebhookSecret keys
	// webhook deliveries and falls back to PaymentSecret when unset.
	PaymentSecret string `env:"PAYMENT_SECRET"`
	WebhookSecret string `env:"GATEWAY_WEBHOOK_SECRET"`

	// Reconciliation
	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL" env-default:"5m"`
	ReconcileStaleAfter time.Duration `env:"RECONCILE_STALE_AFTER" env-default:"15m"`

	// Security
	// BootstrapOperatorKey, when set, is registered as an operator API key at
	// startup so the first participants and keys can be created.
	BootstrapOperatorKey string `env:"BOOTSTRAP_OPERATOR_KEY"`

	RateLimitRPM   int      `env:"RATE_LIMIT_RPM" env-default:"120"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" env-separator:","`
}

// Defaults referenced by tests and by callers that build a Config by hand.
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultCurrency          = "INR"
	DefaultReconcileInterval = 5 * time.Minute
	DefaultGatewayTimeout    = 10 * time.Second
)

// Load reads configuration from the environment, loading .env first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.GatewayProvider {
	case ProviderFake:
		if c.IsProduction() {
			return fmt.Errorf("GATEWAY_PROVIDER=fake is not allowed in production")
		}
	case ProviderREST:
		if c.GatewayKeyID == "" || c.GatewayKeySecret == "" {
			return fmt.Errorf("GATEWAY_KEY_ID and GATEWAY_KEY_SECRET are required for the rest gateway")
		}
	case ProviderStripe:
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required for the stripe gateway")
		}
	default:
		return fmt.Errorf("GATEWAY_PROVIDER must be one of %s, %s, %s", ProviderFake, ProviderREST, ProviderStripe)
	}

	if c.PaymentSecret == "" {
		if !c.IsDevelopment() {
			return fmt.Errorf("PAYMENT_SECRET is required")
		}
	} else if len(c.PaymentSecret) < 16 {
		return fmt.Errorf("PAYMENT_SECRET must be at least 16 characters")
	}

	if c.BootstrapOperatorKey != "" && len(c.BootstrapOperatorKey) < 24 {
		return fmt.Errorf("BOOTSTRAP_OPERATOR_KEY must be at least 24 characters")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
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
