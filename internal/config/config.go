package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	LockLocal = "local"
	LockRedis = "redis"

	RestockOrigin = "origin"
	RestockLatest = "latest"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`

	StoreBackend string `envconfig:"STORE_BACKEND" default:"memory"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`
	SQLitePath   string `envconfig:"SQLITE_PATH" default:"posledger.db"`
	SeedDemo     bool   `envconfig:"SEED_DEMO" default:"true"`

	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	StockCacheTTL time.Duration `envconfig:"STOCK_CACHE_TTL" default:"15s"`

	LockBackend string        `envconfig:"LOCK_BACKEND" default:"local"`
	LockTTL     time.Duration `envconfig:"LOCK_TTL" default:"10s"`

	ReturnRestockPolicy string `envconfig:"RETURN_RESTOCK_POLICY" default:"origin"`
	DefaultTaxPercent   string `envconfig:"DEFAULT_TAX_PERCENT" default:"0"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"600"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
}

// Load reads the environment, after merging an optional .env file from the
// working directory. Variables already set win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.LockBackend = strings.ToLower(strings.TrimSpace(cfg.LockBackend))
	cfg.ReturnRestockPolicy = strings.ToLower(strings.TrimSpace(cfg.ReturnRestockPolicy))
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_BACKEND=postgres"))
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required when STORE_BACKEND=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.LockBackend {
	case LockLocal:
	case LockRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when LOCK_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL must be positive"))
	}

	switch c.ReturnRestockPolicy {
	case RestockOrigin, RestockLatest:
	default:
		errs = append(errs, fmt.Errorf("unknown RETURN_RESTOCK_POLICY %q", c.ReturnRestockPolicy))
	}

	if tax, err := decimal.NewFromString(c.DefaultTaxPercent); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_TAX_PERCENT: %w", err))
	} else if tax.IsNegative() || tax.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, errors.New("DEFAULT_TAX_PERCENT must be between 0 and 100"))
	}

	if c.RateLimitPerMinute < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE must be at least 1"))
	}
	return errors.Join(errs...)
}

// TaxPercent is DefaultTaxPercent parsed. Call Validate first.
func (c Config) TaxPercent() decimal.Decimal {
	tax, err := decimal.NewFromString(c.DefaultTaxPercent)
	if err != nil {
		return decimal.Zero
	}
	return tax
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
