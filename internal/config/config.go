// Package config loads the finance engine settings from the environment and
// an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"port"`
	DatabaseURL string `mapstructure:"database_url"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	RedisURL    string `mapstructure:"redis_url"`
	LogLevel    string `mapstructure:"log_level"`

	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	QuoteBaseURL string        `mapstructure:"quote_base_url"`
	QuoteAPIKey  string        `mapstructure:"quote_api_key"`
	QuoteTimeout time.Duration `mapstructure:"quote_timeout"`

	// StartingCash is kept as text so the balance never passes through a float.
	StartingCashRaw string          `mapstructure:"starting_cash"`
	StartingCash    decimal.Decimal `mapstructure:"-"`

	// TickerSchedule is a cron expression with a seconds field; empty disables the ticker.
	TickerSchedule string `mapstructure:"ticker_schedule"`
}

// Load reads settings from the environment (PORT, DATABASE_URL, ...) layered
// over the file at path. An empty path reads the environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so Unmarshal picks up its env override.
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("sqlite_path", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("quote_base_url", "")
	v.SetDefault("quote_api_key", "")
	v.SetDefault("quote_timeout", "5s")
	v.SetDefault("starting_cash", "10000")
	v.SetDefault("ticker_schedule", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cash, err := decimal.NewFromString(strings.TrimSpace(cfg.StartingCashRaw))
	if err != nil {
		return Config{}, fmt.Errorf("starting_cash %q: %w", cfg.StartingCashRaw, err)
	}
	if !cash.IsPositive() {
		return Config{}, fmt.Errorf("starting_cash must be positive, got %s", cash)
	}
	cfg.StartingCash = cash

	if cfg.CacheTTL <= 0 {
		return Config{}, fmt.Errorf("cache_ttl must be positive, got %s", cfg.CacheTTL)
	}
	return cfg, nil
}
