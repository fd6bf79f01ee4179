// Package config loads and validates runtime configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the core needs. Credentials are required only
// when the caller intends to authenticate; RequireCredentials enforces that.
type Config struct {
	ClientID     string `env:"DERIBIT_CLIENT_ID"`
	ClientSecret string `env:"DERIBIT_CLIENT_SECRET"`

	Testnet bool `env:"DERIBIT_TESTNET" envDefault:"true"`

	InboundQueueSize  int `env:"DERIBIT_INBOUND_QUEUE_SIZE" envDefault:"4096"`
	OutboundQueueSize int `env:"DERIBIT_OUTBOUND_QUEUE_SIZE" envDefault:"1024"`

	RateLimitMaxTokens  float64 `env:"DERIBIT_RATE_MAX_TOKENS" envDefault:"20"`
	RateLimitRefillRate float64 `env:"DERIBIT_RATE_REFILL_RATE" envDefault:"5"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	MetricsAddr string `env:"DERIBIT_METRICS_ADDR" envDefault:":9090"`
}

// Load reads a .env file if present, then parses environment variables
// into a Config, applying defaults. It does not require credentials to be
// set — callers that only subscribe to public channels never authenticate.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is a normal deployment shape, not an error.
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if err := cfg.validateShape(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateShape checks invariants that hold regardless of whether
// authentication will be attempted.
func (c *Config) validateShape() error {
	if c.InboundQueueSize <= 0 {
		return fmt.Errorf("config: DERIBIT_INBOUND_QUEUE_SIZE must be > 0, got %d", c.InboundQueueSize)
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("config: DERIBIT_OUTBOUND_QUEUE_SIZE must be > 0, got %d", c.OutboundQueueSize)
	}
	if c.RateLimitMaxTokens <= 0 {
		return fmt.Errorf("config: DERIBIT_RATE_MAX_TOKENS must be > 0, got %f", c.RateLimitMaxTokens)
	}
	if c.RateLimitRefillRate <= 0 {
		return fmt.Errorf("config: DERIBIT_RATE_REFILL_RATE must be > 0, got %f", c.RateLimitRefillRate)
	}
	return nil
}

// RequireCredentials fails fast if the caller is about to authenticate but
// no client ID/secret are configured.
func (c *Config) RequireCredentials() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("config: DERIBIT_CLIENT_ID and DERIBIT_CLIENT_SECRET are required to authenticate")
	}
	return nil
}

// LogFields logs the non-secret configuration fields at startup.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Bool("testnet", c.Testnet).
		Int("inbound_queue_size", c.InboundQueueSize).
		Int("outbound_queue_size", c.OutboundQueueSize).
		Float64("rate_max_tokens", c.RateLimitMaxTokens).
		Float64("rate_refill_rate", c.RateLimitRefillRate).
		Str("log_level", c.LogLevel).
		Str("metrics_addr", c.MetricsAddr).
		Bool("credentials_configured", c.ClientID != "" && c.ClientSecret != "").
		Msg("configuration loaded")
}
