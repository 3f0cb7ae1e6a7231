// Package config loads and validates the bot configuration. The YAML file is
// the source of truth; credentials and deployment-specific settings can be
// overridden from the environment so the file never has to hold secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"atrbot/featureflag"
)

// RiskConfig holds the guard rails for one bot.
type RiskConfig struct {
	MaxTradesPerDay int     `yaml:"max_trades_per_day"`
	CooldownSeconds int     `yaml:"cooldown_seconds"`
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
	StartEquity     float64 `yaml:"start_equity"`
}

// SizingConfig selects the order sizing policy.
type SizingConfig struct {
	Mode     string  `yaml:"mode"` // "notional" or "quantity"
	Notional float64 `yaml:"notional"`
	Quantity float64 `yaml:"quantity"`
}

// BotConfig configures one symbol's trading loop.
type BotConfig struct {
	ID     string `yaml:"id"`
	Symbol string `yaml:"symbol"`

	Interval            string `yaml:"interval"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	ATRWindow           int    `yaml:"atr_window"`

	K               float64  `yaml:"k"`
	StopLossEnabled *bool    `yaml:"stop_loss_enabled"`
	StopLossATR     float64  `yaml:"stop_loss_atr"`

	Sizing SizingConfig `yaml:"sizing"`
	Risk   RiskConfig   `yaml:"risk"`

	OrderType   string  `yaml:"order_type"` // "market" or "limit"
	SlippageBps float64 `yaml:"slippage_bps"`

	PaperTrading   bool    `yaml:"paper_trading"`
	InitialBalance float64 `yaml:"initial_balance"`
	TakerFeeBps    float64 `yaml:"taker_fee_bps"`
}

// Config is the top-level file layout.
type Config struct {
	Bots []BotConfig `yaml:"bots"`

	APIServerPort int `yaml:"api_server_port"`

	PersistenceBackend string `yaml:"persistence_backend"` // "file" or "postgres"
	SnapshotDir        string `yaml:"snapshot_dir"`
	JournalDir         string `yaml:"journal_dir"`
	PostgresURL        string `yaml:"postgres_url"`

	BinanceAPIKey    string `yaml:"binance_api_key"`
	BinanceSecretKey string `yaml:"binance_secret_key"`

	// FeatureFlags seeds the runtime flag set; absent means everything on.
	FeatureFlags *featureflag.State `yaml:"feature_flags"`
}

// LoadConfig reads, env-overrides and validates the configuration.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// applyEnv lets deployment environments override file values. Only secrets
// and infrastructure endpoints are overridable; strategy parameters stay in
// the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.BinanceAPIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		c.BinanceSecretKey = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		c.PostgresURL = v
	}
	if v := os.Getenv("PERSISTENCE_BACKEND"); v != "" {
		c.PersistenceBackend = v
	}
	if v := os.Getenv("API_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.APIServerPort = port
		}
	}

	if c.FeatureFlags == nil {
		d := featureflag.DefaultState()
		c.FeatureFlags = &d
	}
	applyBoolEnv("ENABLE_ORDER_PLACEMENT", &c.FeatureFlags.EnableOrderPlacement)
	applyBoolEnv("ENABLE_RISK_ENFORCEMENT", &c.FeatureFlags.EnableRiskEnforcement)
	applyBoolEnv("USE_STATE_MUTEX", &c.FeatureFlags.EnableMutexProtection)
	applyBoolEnv("ENABLE_PERSISTENCE", &c.FeatureFlags.EnablePersistence)
}

func applyBoolEnv(key string, target *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return
	}
	*target = parsed
}

// Validate checks the configuration and fills defaults in place.
func (c *Config) Validate() error {
	if len(c.Bots) == 0 {
		return fmt.Errorf("at least one bot must be configured")
	}

	ids := make(map[string]bool)
	for i := range c.Bots {
		b := &c.Bots[i]

		if b.Symbol == "" {
			return fmt.Errorf("bot[%d]: symbol is required", i)
		}
		if b.ID == "" {
			b.ID = b.Symbol
		}
		if ids[b.ID] {
			return fmt.Errorf("bot[%d]: duplicate id %q", i, b.ID)
		}
		ids[b.ID] = true

		if b.Interval == "" {
			b.Interval = "1m"
		}
		if b.PollIntervalSeconds <= 0 {
			b.PollIntervalSeconds = 30
		}
		if b.ATRWindow <= 0 {
			b.ATRWindow = 14
		}
		if b.K <= 0 {
			return fmt.Errorf("bot[%s]: k must be positive, got %v", b.ID, b.K)
		}
		if b.StopLossATR <= 0 {
			b.StopLossATR = 1.0
		}

		switch b.Sizing.Mode {
		case "notional":
			if b.Sizing.Notional <= 0 {
				return fmt.Errorf("bot[%s]: sizing.notional must be positive in notional mode", b.ID)
			}
		case "quantity":
			if b.Sizing.Quantity <= 0 {
				return fmt.Errorf("bot[%s]: sizing.quantity must be positive in quantity mode", b.ID)
			}
		case "":
			return fmt.Errorf("bot[%s]: sizing.mode is required", b.ID)
		default:
			return fmt.Errorf("bot[%s]: sizing.mode must be 'notional' or 'quantity', got %q", b.ID, b.Sizing.Mode)
		}

		switch b.OrderType {
		case "":
			b.OrderType = "market"
		case "market", "limit":
		default:
			return fmt.Errorf("bot[%s]: order_type must be 'market' or 'limit', got %q", b.ID, b.OrderType)
		}
		if b.SlippageBps < 0 {
			return fmt.Errorf("bot[%s]: slippage_bps must not be negative", b.ID)
		}

		if b.Risk.CooldownSeconds < 0 || b.Risk.MaxTradesPerDay < 0 || b.Risk.MaxDailyLossPct < 0 {
			return fmt.Errorf("bot[%s]: risk limits must not be negative", b.ID)
		}
		if b.Risk.MaxDailyLossPct > 0 && b.Risk.StartEquity <= 0 {
			return fmt.Errorf("bot[%s]: risk.start_equity is required when max_daily_loss_pct is set", b.ID)
		}

		if b.PaperTrading && b.InitialBalance <= 0 {
			b.InitialBalance = 10000
		}
		if !b.PaperTrading && (c.BinanceAPIKey == "" || c.BinanceSecretKey == "") {
			return fmt.Errorf("bot[%s]: live trading requires binance_api_key and binance_secret_key", b.ID)
		}
	}

	c.PersistenceBackend = strings.ToLower(strings.TrimSpace(c.PersistenceBackend))
	switch c.PersistenceBackend {
	case "":
		c.PersistenceBackend = "file"
	case "file":
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("persistence_backend 'postgres' requires postgres_url")
		}
	default:
		return fmt.Errorf("persistence_backend must be 'file' or 'postgres', got %q", c.PersistenceBackend)
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = "data"
	}
	if c.JournalDir == "" {
		c.JournalDir = c.SnapshotDir
	}
	if c.APIServerPort <= 0 {
		c.APIServerPort = 8090
	}

	return nil
}

// StopEnabled resolves the stop-loss toggle, defaulting to on.
func (b *BotConfig) StopEnabled() bool {
	if b.StopLossEnabled == nil {
		return true
	}
	return *b.StopLossEnabled
}

// PollInterval returns the cycle cadence.
func (b *BotConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSeconds) * time.Second
}

// Cooldown returns the minimum spacing between trades.
func (r *RiskConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}
