// Package config loads the catalog engine configuration from the environment,
// optionally seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrInvalidConfig is returned when a loaded value is out of range
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	App       AppConfig       `envPrefix:"APP_"`
	Store     StoreConfig     `envPrefix:"STORE_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Embedding EmbeddingConfig `envPrefix:"EMBEDDING_"`
	Search    SearchConfig    `envPrefix:"SEARCH_"`
	Upstream  UpstreamConfig  `envPrefix:"UPSTREAM_"`
	Sync      SyncConfig      `envPrefix:"SYNC_"`
	Retry     RetryConfig     `envPrefix:"RETRY_"`
}

type AppConfig struct {
	Env      string `env:"ENV" envDefault:"development"`
	LogMode  string `env:"LOG_MODE" envDefault:"development"` // production → JSON
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type StoreConfig struct {
	Driver      string `env:"DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"catalog.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	MaxConns    int32  `env:"MAX_CONNS" envDefault:"8"`
}

// RedisConfig is optional. An empty Addr selects the in-process cache and lease.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type EmbeddingConfig struct {
	Provider      string        `env:"PROVIDER" envDefault:"local"`
	APIKey        string        `env:"API_KEY"`
	BaseURL       string        `env:"BASE_URL"`
	Model         string        `env:"MODEL"`
	Dimension     int           `env:"DIMENSION"` // 0 → provider default
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"30s"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"50"`
	Concurrency   int           `env:"CONCURRENCY" envDefault:"4"`
	RatePerSecond float64       `env:"RATE_PER_SECOND" envDefault:"5"`
	CacheSize     int           `env:"CACHE_SIZE" envDefault:"10000"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"168h"`
}

type SearchConfig struct {
	DefaultLimit        int           `env:"DEFAULT_LIMIT" envDefault:"10"`
	MaxLimit            int           `env:"MAX_LIMIT" envDefault:"100"`
	DefaultThreshold    float64       `env:"DEFAULT_THRESHOLD" envDefault:"0.3"`
	MinVectorSimilarity float64       `env:"MIN_VECTOR_SIMILARITY" envDefault:"0.1"`
	VectorWeight        float64       `env:"VECTOR_WEIGHT" envDefault:"0.7"`
	LexicalWeight       float64       `env:"LEXICAL_WEIGHT" envDefault:"0.3"`
	SingleSignalPenalty float64       `env:"SINGLE_SIGNAL_PENALTY" envDefault:"0.8"`
	CandidateMultiplier int           `env:"CANDIDATE_MULTIPLIER" envDefault:"3"`
	SignalTimeout       time.Duration `env:"SIGNAL_TIMEOUT" envDefault:"3s"`
	CacheTTL            time.Duration `env:"CACHE_TTL" envDefault:"60s"`
	HideOutOfStock      bool          `env:"HIDE_OUT_OF_STOCK" envDefault:"false"`
	LowWaterMark        int64         `env:"LOW_WATER_MARK" envDefault:"10"`
	CurrencySymbol      string        `env:"CURRENCY_SYMBOL" envDefault:"₮"`
	CurrencyDecimals    int32         `env:"CURRENCY_DECIMALS" envDefault:"0"`
}

type UpstreamConfig struct {
	BaseURL      string        `env:"BASE_URL"`
	Path         string        `env:"PATH" envDefault:"/products"`
	Token        string        `env:"TOKEN"`
	StoreID      string        `env:"STORE_ID"`
	PageSize     int           `env:"PAGE_SIZE" envDefault:"100"`
	MaxPages     int           `env:"MAX_PAGES" envDefault:"1000"`
	LookbackDays int           `env:"LOOKBACK_DAYS" envDefault:"0"` // 0 → no date window
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"30s"`
	PageParam    string        `env:"PAGE_PARAM" envDefault:"page"`
	SizeParam    string        `env:"SIZE_PARAM" envDefault:"size"`
	FromParam    string        `env:"FROM_PARAM" envDefault:"startDate"`
	ToParam      string        `env:"TO_PARAM" envDefault:"endDate"`
	StoreParam   string        `env:"STORE_PARAM" envDefault:"storeId"`
	FirstPage    int           `env:"FIRST_PAGE" envDefault:"1"`
}

type SyncConfig struct {
	Schedule          string        `env:"SCHEDULE" envDefault:"@every 30m"` // empty disables the scheduler
	RunOnStart        bool          `env:"RUN_ON_START" envDefault:"false"`
	LeaseTTL          time.Duration `env:"LEASE_TTL" envDefault:"30m"`
	DeactivateMissing bool          `env:"DEACTIVATE_MISSING" envDefault:"false"`
}

type RetryConfig struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay   time.Duration `env:"BASE_DELAY" envDefault:"100ms"`
	MaxDelay    time.Duration `env:"MAX_DELAY" envDefault:"5s"`
	Multiplier  float64       `env:"MULTIPLIER" envDefault:"2"`
	Jitter      float64       `env:"JITTER" envDefault:"0.2"`
}

// Load reads optional .env files, then parses and validates the environment.
// Files that do not exist are skipped; existing variables are never overridden.
func Load(files ...string) (*Config, error) {
	for _, f := range files {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Embedding.Provider = strings.ToLower(strings.TrimSpace(cfg.Embedding.Provider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			fail("STORE_SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			fail("STORE_POSTGRES_DSN is required for the postgres driver")
		}
	default:
		fail("unknown STORE_DRIVER %q", c.Store.Driver)
	}

	if c.Embedding.Dimension < 0 {
		fail("EMBEDDING_DIMENSION must be >= 0")
	}
	if c.Embedding.BatchSize <= 0 || c.Embedding.Concurrency <= 0 {
		fail("EMBEDDING_BATCH_SIZE and EMBEDDING_CONCURRENCY must be positive")
	}

	s := c.Search
	if s.DefaultLimit <= 0 || s.MaxLimit < s.DefaultLimit {
		fail("SEARCH_DEFAULT_LIMIT must be positive and <= SEARCH_MAX_LIMIT")
	}
	for name, v := range map[string]float64{
		"SEARCH_DEFAULT_THRESHOLD":     s.DefaultThreshold,
		"SEARCH_MIN_VECTOR_SIMILARITY": s.MinVectorSimilarity,
		"SEARCH_VECTOR_WEIGHT":         s.VectorWeight,
		"SEARCH_LEXICAL_WEIGHT":        s.LexicalWeight,
		"SEARCH_SINGLE_SIGNAL_PENALTY": s.SingleSignalPenalty,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			fail("%s must be within [0, 1], got %v", name, v)
		}
	}
	if s.VectorWeight+s.LexicalWeight == 0 {
		fail("SEARCH_VECTOR_WEIGHT and SEARCH_LEXICAL_WEIGHT cannot both be 0")
	}
	if s.CandidateMultiplier < 1 {
		fail("SEARCH_CANDIDATE_MULTIPLIER must be >= 1")
	}
	if s.LowWaterMark < 0 {
		fail("SEARCH_LOW_WATER_MARK must be >= 0")
	}

	if c.Upstream.PageSize <= 0 || c.Upstream.MaxPages <= 0 {
		fail("UPSTREAM_PAGE_SIZE and UPSTREAM_MAX_PAGES must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		fail("RETRY_MAX_ATTEMPTS must be positive")
	}
	if math.IsNaN(c.Retry.Jitter) || c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		fail("RETRY_JITTER must be within [0, 1), got %v", c.Retry.Jitter)
	}

	return errors.Join(errs...)
}
