// Package config loads runtime configuration from the environment, the way
// the teacher engine loads DB_DSN via godotenv before dialing MySQL.
package config

import (
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

var validate = validator.New()

// Config is the full set of environment-driven settings for the exchange
// server.
type Config struct {
	// DSN is the MySQL data source name, e.g.
	// "user:pass@tcp(127.0.0.1:3306)/exchange?parseTime=true".
	DSN string `validate:"required"`
	// ListenAddr is the TCP address the exchange listens on for
	// length-prefixed XML connections.
	ListenAddr string `validate:"required"`
	// MetricsAddr is the address the Prometheus /metrics endpoint listens
	// on.
	MetricsAddr string `validate:"required"`
	// MaxOpenConns/MaxIdleConns bound the MySQL connection pool.
	MaxOpenConns int `validate:"min=1"`
	MaxIdleConns int `validate:"min=0"`
}

// Load reads configuration from a .env file (if present, non-fatal when
// missing) and the process environment, then validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Missing .env is expected in production; fall through to the
		// process environment.
		_ = err
	}

	cfg := &Config{
		DSN:          os.Getenv("EXCHANGE_DB_DSN"),
		ListenAddr:   envOr("EXCHANGE_LISTEN_ADDR", ":12345"),
		MetricsAddr:  envOr("EXCHANGE_METRICS_ADDR", ":9090"),
		MaxOpenConns: envIntOr("EXCHANGE_DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns: envIntOr("EXCHANGE_DB_MAX_IDLE_CONNS", 10),
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
