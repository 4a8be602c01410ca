// Package config loads the market engine's settings from the environment.
// A .env file is loaded first if present, then envconfig reads the
// AGORA_-prefixed variables.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds all runtime settings. DatabaseURL empty → in-memory store;
// RedisURL empty → no cache layer.
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`

	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"30s"`

	// StartingBalance is granted to every new user.
	StartingBalance decimal.Decimal `envconfig:"STARTING_BALANCE" default:"1000"`

	// DefaultLiquidity is the LMSR b parameter for markets created without
	// an explicit one. Higher b means deeper liquidity and slower prices.
	DefaultLiquidity decimal.Decimal `envconfig:"DEFAULT_LIQUIDITY" default:"100"`

	TradeMaxRetries   int           `envconfig:"TRADE_MAX_RETRIES" default:"3"`
	TradeRetryBackoff time.Duration `envconfig:"TRADE_RETRY_BACKOFF" default:"50ms"`
}

// Load reads configuration from .env (if present) and the environment.
func Load() (*Config, error) {
	// Missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("agora", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
