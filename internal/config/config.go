// Package config defines all configuration for the grid bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via GRID_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Strategy names accepted by the trading.strategy key.
const (
	StrategyGridHODL = "GridHODL"
	StrategyGridSell = "GridSell"
	StrategySwing    = "SWING"
	StrategyCDCA     = "cDCA"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Name     string         `mapstructure:"name"`
	Userref  int64          `mapstructure:"userref"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Store    StoreConfig    `mapstructure:"store"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig holds the exchange adapter selection, credentials, and
// endpoints. Only "Kraken" is implemented.
type ExchangeConfig struct {
	Name      string `mapstructure:"name"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	RESTURL   string `mapstructure:"rest_url"`
	WSURL     string `mapstructure:"ws_url"`
}

// TradingConfig tunes the grid.
//
//   - Strategy:       GridHODL, GridSell, SWING, or cDCA.
//   - Interval:       fractional price step between grid levels (0.02 = 2%).
//   - AmountPerGrid:  quote amount committed per grid level.
//   - MaxInvestment:  cap on total open-buy notional in quote currency.
//   - NOpenBuyOrders: target number of concurrently open buy orders.
//   - Fee:            optional maker fee override; if zero, the top maker
//     fee tier reported by the exchange is used.
type TradingConfig struct {
	Strategy       string  `mapstructure:"strategy"`
	BaseCurrency   string  `mapstructure:"base_currency"`
	QuoteCurrency  string  `mapstructure:"quote_currency"`
	Interval       float64 `mapstructure:"interval"`
	AmountPerGrid  float64 `mapstructure:"amount_per_grid"`
	MaxInvestment  float64 `mapstructure:"max_investment"`
	NOpenBuyOrders int     `mapstructure:"n_open_buy_orders"`
	Fee            float64 `mapstructure:"fee"`
}

// StoreConfig sets where the SQLite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// TelegramConfig enables the Telegram notification channel when both
// fields are set.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GRID_API_KEY, GRID_API_SECRET,
// GRID_TELEGRAM_BOT_TOKEN, GRID_TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("exchange.name", "Kraken")
	v.SetDefault("exchange.rest_url", "https://api.kraken.com")
	v.SetDefault("exchange.ws_url", "wss://ws-auth.kraken.com/v2")
	v.SetDefault("store.path", "data/gridbot.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("GRID_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("GRID_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if token := os.Getenv("GRID_TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if chat := os.Getenv("GRID_TELEGRAM_CHAT_ID"); chat != "" {
		cfg.Telegram.ChatID = chat
	}
	if os.Getenv("GRID_DRY_RUN") == "true" || os.Getenv("GRID_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.Name != "Kraken" {
		return fmt.Errorf("exchange.name %q is not supported (only Kraken)", c.Exchange.Name)
	}
	if !c.DryRun {
		if c.Exchange.APIKey == "" {
			return fmt.Errorf("exchange.api_key is required (set GRID_API_KEY)")
		}
		if c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_secret is required (set GRID_API_SECRET)")
		}
	}
	if c.Userref < 0 {
		return fmt.Errorf("userref must be >= 0")
	}
	switch c.Trading.Strategy {
	case StrategyGridHODL, StrategyGridSell, StrategySwing, StrategyCDCA:
	default:
		return fmt.Errorf("trading.strategy must be one of: GridHODL, GridSell, SWING, cDCA")
	}
	if c.Trading.BaseCurrency == "" || c.Trading.QuoteCurrency == "" {
		return fmt.Errorf("trading.base_currency and trading.quote_currency are required")
	}
	if c.Trading.Interval <= 0 || c.Trading.Interval >= 1 {
		return fmt.Errorf("trading.interval must be in (0, 1)")
	}
	if c.Trading.AmountPerGrid <= 0 {
		return fmt.Errorf("trading.amount_per_grid must be > 0")
	}
	if c.Trading.MaxInvestment <= 0 {
		return fmt.Errorf("trading.max_investment must be > 0")
	}
	if c.Trading.NOpenBuyOrders < 1 {
		return fmt.Errorf("trading.n_open_buy_orders must be >= 1")
	}
	if c.Trading.Fee < 0 || c.Trading.Fee >= 0.5 {
		return fmt.Errorf("trading.fee must be in [0, 0.5)")
	}
	return nil
}
