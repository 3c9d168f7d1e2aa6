package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

type config struct {
	NatsURL        string        `env:"NATS_URL"`
	PostgresDSN    string        `env:"POSTGRES_DSN"`
	PostgresDriver string        `env:"POSTGRES_DRIVER" envDefault:"pgx"`
	MetricsAddr    string        `env:"METRICS_ADDR" envDefault:":2121"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryDelay     time.Duration `env:"RETRY_DELAY" envDefault:"100ms"`
	BagTTL         time.Duration `env:"BAG_TTL" envDefault:"24h"`
	LogLevel       slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
}

func parseConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	switch cfg.PostgresDriver {
	case "pgx", "sqlx":
	default:
		return cfg, fmt.Errorf("unknown postgres driver %q", cfg.PostgresDriver)
	}
	return cfg, nil
}
