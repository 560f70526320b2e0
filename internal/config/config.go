// Package config loads the kistrader YAML configuration and applies
// environment variable overrides and documented defaults.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the kistrader engine.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	KIS     KIS           `yaml:"kis"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Gateway GatewayConfig `yaml:"gateway"`
	Trading TradingConfig `yaml:"trading"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds the status API listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// KIS holds credentials and endpoints for the Korea Investment & Securities
// OpenAPI venue.
type KIS struct {
	AppKey    string `yaml:"app_key"`
	AppSecret string `yaml:"app_secret"`
	AccountNo string `yaml:"account_no"`
	BaseURL   string `yaml:"base_url"`
	Mock      bool   `yaml:"mock"` // paper-trading endpoint
}

// Alpaca holds credentials and endpoints for the Alpaca venue.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatewayConfig tunes outbound venue traffic: retries, timeouts, token
// refresh, and per-endpoint-class rate ceilings.
type GatewayConfig struct {
	RetryMaxAttempts    int `yaml:"retry_max_attempts"`     // default 4
	RetryBaseDelayMs    int `yaml:"retry_base_delay_ms"`    // default 250
	RequestTimeoutMs    int `yaml:"request_timeout_ms"`     // default 5000
	AuthRefreshMarginS  int `yaml:"auth_refresh_margin_s"`  // default 60
	OrderRatePerMin     int `yaml:"order_rate_per_min"`     // default 120
	QuoteRatePerMin     int `yaml:"quote_rate_per_min"`     // default 600
	RateBurst           int `yaml:"rate_burst"`             // default 5
}

// TradingConfig defines execution and risk parameters.
type TradingConfig struct {
	Broker             string  `yaml:"broker"` // "kis", "alpaca", or "simulator"
	PaperMode          bool    `yaml:"paper_mode"`
	MaxPositionPct     float64 `yaml:"max_position_pct"`      // default 0.20
	MaxRiskPerTradePct float64 `yaml:"max_risk_per_trade_pct"` // default 0.01
	MaxDailyLossPct    float64 `yaml:"max_daily_loss_pct"`    // default 0.03
	MaxDailyTrades     int     `yaml:"max_daily_trades"`      // default 10
	SymbolOrderPolicy  string  `yaml:"symbol_order_policy"`   // "reject" (default) or "queue"
	SimulatorCash      float64 `yaml:"simulator_cash"`        // default 10_000_000
}

// MonitorConfig tunes the recurring loops: risk evaluation, fill polling, and
// reconciliation.
type MonitorConfig struct {
	RiskIntervalS      int     `yaml:"risk_interval_s"`      // default 5
	RiskCooldownS      int     `yaml:"risk_cooldown_s"`      // default 300
	FillPollIntervalS  int     `yaml:"fill_poll_interval_s"` // default 2
	ReconcileIntervalS int     `yaml:"reconcile_interval_s"` // default 60
	DriftTolerance     float64 `yaml:"drift_tolerance"`      // default 1.00 currency units
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults fills zero-valued tunables with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.RetryMaxAttempts == 0 {
		cfg.Gateway.RetryMaxAttempts = 4
	}
	if cfg.Gateway.RetryBaseDelayMs == 0 {
		cfg.Gateway.RetryBaseDelayMs = 250
	}
	if cfg.Gateway.RequestTimeoutMs == 0 {
		cfg.Gateway.RequestTimeoutMs = 5000
	}
	if cfg.Gateway.AuthRefreshMarginS == 0 {
		cfg.Gateway.AuthRefreshMarginS = 60
	}
	if cfg.Gateway.OrderRatePerMin == 0 {
		cfg.Gateway.OrderRatePerMin = 120
	}
	if cfg.Gateway.QuoteRatePerMin == 0 {
		cfg.Gateway.QuoteRatePerMin = 600
	}
	if cfg.Gateway.RateBurst == 0 {
		cfg.Gateway.RateBurst = 5
	}

	if cfg.Trading.Broker == "" {
		cfg.Trading.Broker = "simulator"
	}
	if cfg.Trading.MaxPositionPct == 0 {
		cfg.Trading.MaxPositionPct = 0.20
	}
	if cfg.Trading.MaxRiskPerTradePct == 0 {
		cfg.Trading.MaxRiskPerTradePct = 0.01
	}
	if cfg.Trading.MaxDailyLossPct == 0 {
		cfg.Trading.MaxDailyLossPct = 0.03
	}
	if cfg.Trading.MaxDailyTrades == 0 {
		cfg.Trading.MaxDailyTrades = 10
	}
	if cfg.Trading.SymbolOrderPolicy == "" {
		cfg.Trading.SymbolOrderPolicy = "reject"
	}
	if cfg.Trading.SimulatorCash == 0 {
		cfg.Trading.SimulatorCash = 10_000_000
	}

	if cfg.Monitor.RiskIntervalS == 0 {
		cfg.Monitor.RiskIntervalS = 5
	}
	if cfg.Monitor.RiskCooldownS == 0 {
		cfg.Monitor.RiskCooldownS = 300
	}
	if cfg.Monitor.FillPollIntervalS == 0 {
		cfg.Monitor.FillPollIntervalS = 2
	}
	if cfg.Monitor.ReconcileIntervalS == 0 {
		cfg.Monitor.ReconcileIntervalS = 60
	}
	if cfg.Monitor.DriftTolerance == 0 {
		cfg.Monitor.DriftTolerance = 1.00
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("KIS_APP_KEY"); v != "" {
		cfg.KIS.AppKey = v
	}
	if v := os.Getenv("KIS_APP_SECRET"); v != "" {
		cfg.KIS.AppSecret = v
	}
	if v := os.Getenv("KIS_ACCOUNT_NO"); v != "" {
		cfg.KIS.AccountNo = v
	}
	if v := os.Getenv("KIS_BASE_URL"); v != "" {
		cfg.KIS.BaseURL = v
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

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
