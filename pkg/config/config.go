package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

type RunMode string

const (
	Development RunMode = "development"
	Production  RunMode = "production"
	Test        RunMode = "test"
)

type Database struct {
	URL              string        `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/helios"`
	MaxConnections   int32         `env:"DATABASE_MAX_CONNECTIONS" envDefault:"5"`
	MinConnections   int32         `env:"DATABASE_MIN_CONNECTIONS" envDefault:"1"`
	MaxLifetime      time.Duration `env:"DATABASE_MAX_LIFETIME" envDefault:"1800s"`
	OperationTimeout time.Duration `env:"DATABASE_OP_TIMEOUT" envDefault:"5s"`
}

type MemoryCache struct {
	MaxTicksPerSymbol int           `env:"CACHE_MEMORY_MAX_TICKS_PER_SYMBOL" envDefault:"1000"`
	TTL               time.Duration `env:"CACHE_MEMORY_TTL_SECONDS" envDefault:"300s"`
}

type RedisCache struct {
	URL               string        `env:"CACHE_URL"`
	PoolSize          int           `env:"CACHE_REDIS_POOL_SIZE" envDefault:"10"`
	TTL               time.Duration `env:"CACHE_REDIS_TTL_SECONDS" envDefault:"3600s"`
	MaxTicksPerSymbol int           `env:"CACHE_REDIS_MAX_TICKS_PER_SYMBOL" envDefault:"10000"`
	OperationTimeout  time.Duration `env:"CACHE_REDIS_OP_TIMEOUT" envDefault:"200ms"`
}

type Ingest struct {
	BatchMaxSize     int           `env:"INGEST_BATCH_MAX_SIZE" envDefault:"100"`
	BatchMaxAge      time.Duration `env:"INGEST_BATCH_MAX_AGE_MS" envDefault:"200ms"`
	ChannelCapacity  int           `env:"INGEST_CHANNEL_CAPACITY" envDefault:"10000"`
	ReconnectBase    time.Duration `env:"INGEST_RECONNECT_BASE" envDefault:"500ms"`
	ReconnectMax     time.Duration `env:"INGEST_RECONNECT_MAX" envDefault:"30s"`
	ShutdownGrace    time.Duration `env:"INGEST_SHUTDOWN_GRACE" envDefault:"5s"`
	LateWindow       time.Duration `env:"INGEST_LATE_WINDOW" envDefault:"2s"`
	ClockDriftWindow time.Duration `env:"INGEST_CLOCK_DRIFT_WINDOW" envDefault:"5m"`
	ConnectTimeout   time.Duration `env:"INGEST_CONNECT_TIMEOUT" envDefault:"10s"`
}

type Backtest struct {
	CommissionRate  string        `env:"BACKTEST_COMMISSION_RATE" envDefault:"0.001"`
	ForceCloseAtEnd bool          `env:"BACKTEST_FORCE_CLOSE_AT_END" envDefault:"true"`
	ReturnInterval  time.Duration `env:"BACKTEST_RETURN_INTERVAL_SECS" envDefault:"60s"`
	ReportEvery     int           `env:"BACKTEST_REPORT_EVERY" envDefault:"1000"`
}

type Config struct {
	RunMode  RunMode  `env:"RUN_MODE" envDefault:"development"`
	LogLevel string   `env:"LOG_LEVEL"`
	Symbols  []string `env:"SYMBOLS" envDefault:"BTCUSDT"`

	Database Database
	Memory   MemoryCache
	Redis    RedisCache
	Ingest   Ingest
	Backtest Backtest
}

// Load reads .env when present, then the environment. A config that does
// not validate is a fatal startup error, never a default.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.RunMode {
	case Development, Production, Test:
	default:
		return fmt.Errorf("invalid RUN_MODE %q", c.RunMode)
	}
	if len(c.Symbols) == 0 {
		return errors.New("at least one symbol must be configured")
	}
	if c.Database.MaxConnections < c.Database.MinConnections {
		return errors.New("database max_connections below min_connections")
	}
	if c.Memory.MaxTicksPerSymbol <= 0 {
		return errors.New("cache.memory.max_ticks_per_symbol must be positive")
	}
	if c.Ingest.BatchMaxSize <= 0 || c.Ingest.ChannelCapacity <= 0 {
		return errors.New("ingest batch size and channel capacity must be positive")
	}
	if rate, err := fixed.FromString(c.Backtest.CommissionRate); err != nil || rate.IsNeg() {
		return fmt.Errorf("backtest commission_rate %q is not a non-negative decimal", c.Backtest.CommissionRate)
	}
	return nil
}
