// Package config loads engine settings from a YAML file and environment
// variables. Environment variables override file values: ARB_FEED_URL maps
// to feed.url, and so on.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all settings for the arbitrage engine.
type Config struct {
	Port    string        `mapstructure:"port"`
	Trading TradingConfig `mapstructure:"trading"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Store   StoreConfig   `mapstructure:"store"`
	Signals SignalsConfig `mapstructure:"signals"`
}

// TradingConfig defines entry and exit parameters. Monetary and price
// values are decimal strings so no precision is lost before they reach
// decimal parsing.
type TradingConfig struct {
	FeeRate       string `mapstructure:"fee_rate"`
	OrderQuantity string `mapstructure:"order_quantity"`
	ExitStrategy  string `mapstructure:"exit_strategy"`
	ExitThreshold string `mapstructure:"exit_threshold"`
	StopType      string `mapstructure:"stop_type"`
	StopPct       string `mapstructure:"stop_pct"`
	StopFloor     string `mapstructure:"stop_floor"`
}

// BreakerConfig defines the circuit breaker limits.
type BreakerConfig struct {
	DailyLossLimit       string        `mapstructure:"daily_loss_limit"`
	MaxDrawdown          string        `mapstructure:"max_drawdown"`
	MaxConsecutiveLosses int           `mapstructure:"max_consecutive_losses"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	RecoveryRequired     bool          `mapstructure:"recovery_required"`
}

// FeedConfig defines the market-data subscription.
type FeedConfig struct {
	URL     string   `mapstructure:"url"`
	Markets []string `mapstructure:"markets"`
}

// StoreConfig defines persistence. An empty DatabaseURL selects the
// in-memory store.
type StoreConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
}

// SignalsConfig defines external signal delivery. An empty RedisURL
// disables the Redis dispatcher.
type SignalsConfig struct {
	RedisURL string `mapstructure:"redis_url"`
	Channel  string `mapstructure:"channel"`
}

// Load reads configuration from config.yaml in the given path, overlaid
// with ARB_-prefixed environment variables. A missing file is not an
// error; environment variables alone are enough to run.
func Load(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("trading.fee_rate", "0.02")
	v.SetDefault("trading.order_quantity", "100")
	v.SetDefault("trading.exit_strategy", "exit_on_correction")
	v.SetDefault("trading.exit_threshold", "0.005")
	v.SetDefault("trading.stop_type", "percentage")
	v.SetDefault("trading.stop_pct", "0.20")
	v.SetDefault("breaker.cooldown", "1h")
	v.SetDefault("signals.channel", "arb.signals")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
