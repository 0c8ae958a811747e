// Package config loads and validates the trading system configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the helmsman trading core. It is
// an immutable value: components receive it (or a sub-struct) at construction
// and never write it back, so multiple isolated engine instances can coexist.
type Config struct {
	Broker  string        `yaml:"broker"` // "alpaca" or "sim"
	Alpaca  Alpaca        `yaml:"alpaca"`
	Risk    RiskConfig    `yaml:"risk"`
	Market  MarketConfig  `yaml:"market"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Logging Logging       `yaml:"logging"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// RiskConfig defines capital-preservation limits enforced before and during
// order placement.
type RiskConfig struct {
	MaxPositionSizePct    float64 `yaml:"max_position_size_pct"`   // fraction of portfolio per symbol
	DailyLossLimitPct     float64 `yaml:"daily_loss_limit_pct"`    // fraction of start-of-day value
	MinOrderValue         float64 `yaml:"min_order_value"`         // dollars
	MaxOrderValue         float64 `yaml:"max_order_value"`         // dollars
	MaxDailyTrades        int     `yaml:"max_daily_trades"`
	EmergencyStopEnabled  bool    `yaml:"emergency_stop_enabled"`
	EmergencyStopLossPct  float64 `yaml:"emergency_stop_loss_pct"` // fraction of initial balance
	LiveTradingEnabled    bool    `yaml:"live_trading_enabled"`
}

// MarketConfig defines the local trading-hours model used when the broker
// clock is unavailable. There is no holiday calendar; weekday membership and
// time-of-day are the whole check.
type MarketConfig struct {
	TradingDays []string `yaml:"trading_days"` // e.g. ["Mon", ..., "Fri"]
	OpenTime    string   `yaml:"open_time"`    // "09:30"
	CloseTime   string   `yaml:"close_time"`   // "16:00"
	Timezone    string   `yaml:"timezone"`     // "America/New_York"
}

// EngineConfig holds polling intervals and backoff for the engine's
// background monitoring loops.
type EngineConfig struct {
	MarketPollInterval   time.Duration `yaml:"-"`
	PositionPollInterval time.Duration `yaml:"-"`
	ErrorBackoff         time.Duration `yaml:"-"`
	BrokerCallTimeout    time.Duration `yaml:"-"`
	SkipPreflight        bool          `yaml:"skip_preflight"`
}

// UnmarshalYAML decodes the interval fields from duration strings ("60s",
// "2m"). Fields absent from the document keep their current values.
func (e *EngineConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MarketPollInterval   string `yaml:"market_poll_interval"`
		PositionPollInterval string `yaml:"position_poll_interval"`
		ErrorBackoff         string `yaml:"error_backoff"`
		BrokerCallTimeout    string `yaml:"broker_call_timeout"`
		SkipPreflight        *bool  `yaml:"skip_preflight"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	for _, f := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"market_poll_interval", raw.MarketPollInterval, &e.MarketPollInterval},
		{"position_poll_interval", raw.PositionPollInterval, &e.PositionPollInterval},
		{"error_backoff", raw.ErrorBackoff, &e.ErrorBackoff},
		{"broker_call_timeout", raw.BrokerCallTimeout, &e.BrokerCallTimeout},
	} {
		if f.in == "" {
			continue
		}
		d, err := time.ParseDuration(f.in)
		if err != nil {
			return fmt.Errorf("engine.%s: %w", f.name, err)
		}
		*f.out = d
	}
	if raw.SkipPreflight != nil {
		e.SkipPreflight = *raw.SkipPreflight
	}
	return nil
}

// Storage holds paths for the trade journal and bar archive.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration for the read-only status API.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns a Config with conservative paper-trading defaults.
func Default() Config {
	return Config{
		Broker: "alpaca",
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
			DataURL: "https://data.alpaca.markets",
		},
		Risk: RiskConfig{
			MaxPositionSizePct:   0.10,
			DailyLossLimitPct:    0.03,
			MinOrderValue:        100,
			MaxOrderValue:        10000,
			MaxDailyTrades:       10,
			EmergencyStopEnabled: true,
			EmergencyStopLossPct: 0.05,
		},
		Market: MarketConfig{
			TradingDays: []string{"Mon", "Tue", "Wed", "Thu", "Fri"},
			OpenTime:    "09:30",
			CloseTime:   "16:00",
			Timezone:    "America/New_York",
		},
		Engine: EngineConfig{
			MarketPollInterval:   60 * time.Second,
			PositionPollInterval: 30 * time.Second,
			ErrorBackoff:         10 * time.Second,
			BrokerCallTimeout:    15 * time.Second,
		},
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/helmsman.db",
		},
		Server:  Server{Host: "127.0.0.1", Port: 8080},
		Logging: Logging{Level: "info", Format: "json"},
	}
}

// Load reads the YAML configuration file at the given path on top of the
// defaults, then applies environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HELMSMAN_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Live trading must be requested both in config and by env; the env side
	// is an explicit operator acknowledgement.
	if v := os.Getenv("HELMSMAN_LIVE_TRADING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Risk.LiveTradingEnabled = b
		}
	}

	// Standard Alpaca env vars take highest priority; the SDK uses these names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks the configuration for values that would make trading
// unsafe. Any error here is fatal at startup.
func (c Config) Validate() error {
	switch c.Broker {
	case "alpaca", "sim":
	default:
		return fmt.Errorf("unknown broker %q", c.Broker)
	}

	if c.Broker == "alpaca" {
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			return fmt.Errorf("alpaca credentials are not configured")
		}
		if c.Alpaca.BaseURL == "" {
			return fmt.Errorf("alpaca base_url is not configured")
		}
	}

	r := c.Risk
	if r.DailyLossLimitPct <= 0 {
		return fmt.Errorf("daily_loss_limit_pct must be > 0, got %v", r.DailyLossLimitPct)
	}
	if r.MaxPositionSizePct <= 0 || r.MaxPositionSizePct > 1 {
		return fmt.Errorf("max_position_size_pct must be in (0, 1], got %v", r.MaxPositionSizePct)
	}
	if r.MinOrderValue <= 0 {
		return fmt.Errorf("min_order_value must be > 0, got %v", r.MinOrderValue)
	}
	if r.MaxOrderValue <= r.MinOrderValue {
		return fmt.Errorf("max_order_value (%v) must exceed min_order_value (%v)", r.MaxOrderValue, r.MinOrderValue)
	}
	if r.MaxDailyTrades <= 0 {
		return fmt.Errorf("max_daily_trades must be > 0, got %d", r.MaxDailyTrades)
	}
	if r.EmergencyStopEnabled && r.EmergencyStopLossPct <= 0 {
		return fmt.Errorf("emergency_stop_loss_pct must be > 0 when the emergency stop is enabled")
	}

	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("invalid market timezone %q: %w", c.Market.Timezone, err)
	}
	if _, err := ParseClockTime(c.Market.OpenTime); err != nil {
		return fmt.Errorf("invalid market open_time: %w", err)
	}
	if _, err := ParseClockTime(c.Market.CloseTime); err != nil {
		return fmt.Errorf("invalid market close_time: %w", err)
	}
	if len(c.Market.TradingDays) == 0 {
		return fmt.Errorf("market trading_days must not be empty")
	}
	for _, d := range c.Market.TradingDays {
		if _, err := ParseWeekday(d); err != nil {
			return err
		}
	}

	if c.Engine.MarketPollInterval <= 0 || c.Engine.PositionPollInterval <= 0 {
		return fmt.Errorf("engine poll intervals must be > 0")
	}

	return nil
}

// ClockTime is a time of day with minute resolution.
type ClockTime struct {
	Hour, Minute int
}

// Minutes returns the time of day as minutes after midnight.
func (t ClockTime) Minutes() int { return t.Hour*60 + t.Minute }

// ParseClockTime parses "HH:MM" into a ClockTime.
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("parsing clock time %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// ParseWeekday parses a three-letter weekday abbreviation ("Mon".."Sun").
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if d.String()[:3] == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
