// Package config loads process settings from the environment and the
// optional dispatch tuning file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/unclebandit/campaign-dispatcher/internal/db"
	"github.com/unclebandit/campaign-dispatcher/internal/gateway"
	"github.com/unclebandit/campaign-dispatcher/internal/statesync"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	DBUser      string `env:"DB_USER" envDefault:"postgres"`
	DBPassword  string `env:"DB_PASSWORD"`
	DBHost      string `env:"DB_HOST" envDefault:"localhost"`
	DBPort      string `env:"DB_PORT" envDefault:"5432"`
	DBName      string `env:"DB_NAME" envDefault:"campaigns"`
	DBMaxOpen   int    `env:"DB_MAX_OPEN" envDefault:"10"`

	// AMQPURL selects RabbitMQ for commands and events; empty keeps them in process.
	AMQPURL string `env:"AMQP_URL"`

	GatewayURL         string        `env:"GATEWAY_URL" envDefault:"http://localhost:3000"`
	GatewayTimeout     time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"30s"`
	GatewayRate        int           `env:"GATEWAY_RATE" envDefault:"5"`
	DefaultCountryCode string        `env:"DEFAULT_COUNTRY_CODE" envDefault:"55"`

	SyncInterval    time.Duration `env:"SYNC_INTERVAL" envDefault:"30s"`
	StaleLockAfter  time.Duration `env:"STALE_LOCK_AFTER" envDefault:"10m"`
	SyncAutoCorrect bool          `env:"SYNC_AUTO_CORRECT" envDefault:"false"`

	TuningFile string `env:"DISPATCH_TUNING_FILE"`
}

// LoadDotEnv loads the given .env files (".env" when none) into the process
// environment. It reports false when no file was found.
func LoadDotEnv(files ...string) (bool, error) {
	if err := godotenv.Load(files...); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load .env: %w", err)
	}
	return true, nil
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreDriver)
	}
	if c.GatewayURL == "" {
		return errors.New("GATEWAY_URL is required")
	}
	if c.SyncInterval <= 0 || c.StaleLockAfter <= 0 {
		return errors.New("SYNC_INTERVAL and STALE_LOCK_AFTER must be positive")
	}
	return nil
}

func (c *Config) DBOptions() db.Options {
	return db.Options{
		URL:      c.DatabaseURL,
		User:     c.DBUser,
		Password: c.DBPassword,
		Host:     c.DBHost,
		Port:     c.DBPort,
		Name:     c.DBName,
		MaxOpen:  c.DBMaxOpen,
	}
}

func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{BaseURL: c.GatewayURL, Timeout: c.GatewayTimeout, RatePerSec: c.GatewayRate}
}

func (c *Config) SyncConfig() statesync.Config {
	return statesync.Config{Interval: c.SyncInterval, StaleLock: c.StaleLockAfter, AutoCorrect: c.SyncAutoCorrect}
}
