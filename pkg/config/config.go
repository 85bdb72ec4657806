// Package config loads settlementd's process configuration from the
// environment and its governance bootstrap from YAML.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds server configuration.
type Config struct {
	Addr     string `env:"SETTLEMENT_ADDR" envDefault:":8080"`
	LogLevel string `env:"SETTLEMENT_LOG_LEVEL" envDefault:"INFO"`

	// DatabaseURL selects Postgres for escrows and budgets. When empty,
	// escrows live in SQLitePath and budgets in Redis or memory.
	DatabaseURL   string `env:"SETTLEMENT_DATABASE_URL"`
	SQLitePath    string `env:"SETTLEMENT_SQLITE_PATH" envDefault:"settlement.db"`
	RedisAddr     string `env:"SETTLEMENT_REDIS_ADDR"`
	RedisPassword string `env:"SETTLEMENT_REDIS_PASSWORD"`
	RedisDB       int    `env:"SETTLEMENT_REDIS_DB" envDefault:"0"`
	AuditPath     string `env:"SETTLEMENT_AUDIT_PATH" envDefault:"settlement-audit.db"`
	// AuditStdout also writes each audit entry to stdout as a JSON line.
	AuditStdout bool `env:"SETTLEMENT_AUDIT_STDOUT" envDefault:"false"`

	JWTSecret      string        `env:"SETTLEMENT_JWT_SECRET"`
	TokenTTL       time.Duration `env:"SETTLEMENT_TOKEN_TTL" envDefault:"1h"`
	GovernanceFile string        `env:"SETTLEMENT_GOVERNANCE_FILE" envDefault:"governance.yaml"`

	OTelEnabled  bool   `env:"SETTLEMENT_OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint string `env:"SETTLEMENT_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	// OTLPInsecure dials the collector without TLS.
	OTLPInsecure bool `env:"SETTLEMENT_OTLP_INSECURE" envDefault:"false"`

	RateRPS   float64 `env:"SETTLEMENT_RATE_RPS" envDefault:"20"`
	RateBurst int     `env:"SETTLEMENT_RATE_BURST" envDefault:"40"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.RateRPS <= 0 || cfg.RateBurst <= 0 {
		return nil, fmt.Errorf("config: rate limit must be positive (rps=%v burst=%d)", cfg.RateRPS, cfg.RateBurst)
	}
	return &cfg, nil
}
