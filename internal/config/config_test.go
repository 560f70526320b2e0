package config

import (
	"os"
	"testing"
)

func TestLoadFull(t *testing.T) {
	yamlContent := []byte(`
storage:
  data_dir: "/tmp/kistrader/data"
  sqlite_path: "/tmp/kistrader/kistrader.db"
server:
  host: "0.0.0.0"
  port: 8080
kis:
  app_key: "test-key"
  app_secret: "test-secret"
  account_no: "12345678-01"
  base_url: "https://openapivts.koreainvestment.com:29443"
  mock: true
logging:
  level: "info"
  format: "json"
gateway:
  retry_max_attempts: 3
  retry_base_delay_ms: 100
  order_rate_per_min: 60
trading:
  broker: "kis"
  paper_mode: true
  max_position_pct: 0.1
  max_daily_loss_pct: 0.02
monitor:
  risk_interval_s: 10
  risk_cooldown_s: 120
  drift_tolerance: 0.5
`)

	tmpFile, err := os.CreateTemp("", "kistrader-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(yamlContent); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}

	// Clear any environment overrides that might interfere.
	os.Unsetenv("KIS_APP_KEY")
	os.Unsetenv("KIS_APP_SECRET")
	os.Unsetenv("KIS_ACCOUNT_NO")
	os.Unsetenv("DATA_DIR")
	os.Unsetenv("SQLITE_PATH")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.DataDir != "/tmp/kistrader/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/kistrader/data")
	}
	if cfg.Storage.SQLitePath != "/tmp/kistrader/kistrader.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/kistrader/kistrader.db")
	}

	// -- Server --
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}

	// -- KIS --
	if cfg.KIS.AppKey != "test-key" {
		t.Errorf("KIS.AppKey = %q, want %q", cfg.KIS.AppKey, "test-key")
	}
	if cfg.KIS.AccountNo != "12345678-01" {
		t.Errorf("KIS.AccountNo = %q, want %q", cfg.KIS.AccountNo, "12345678-01")
	}
	if !cfg.KIS.Mock {
		t.Error("KIS.Mock = false, want true")
	}

	// -- Gateway: explicit values kept, the rest defaulted --
	if cfg.Gateway.RetryMaxAttempts != 3 {
		t.Errorf("Gateway.RetryMaxAttempts = %d, want 3", cfg.Gateway.RetryMaxAttempts)
	}
	if cfg.Gateway.OrderRatePerMin != 60 {
		t.Errorf("Gateway.OrderRatePerMin = %d, want 60", cfg.Gateway.OrderRatePerMin)
	}
	if cfg.Gateway.QuoteRatePerMin != 600 {
		t.Errorf("Gateway.QuoteRatePerMin = %d, want default 600", cfg.Gateway.QuoteRatePerMin)
	}
	if cfg.Gateway.AuthRefreshMarginS != 60 {
		t.Errorf("Gateway.AuthRefreshMarginS = %d, want default 60", cfg.Gateway.AuthRefreshMarginS)
	}

	// -- Trading --
	if cfg.Trading.Broker != "kis" {
		t.Errorf("Trading.Broker = %q, want %q", cfg.Trading.Broker, "kis")
	}
	if cfg.Trading.MaxPositionPct != 0.1 {
		t.Errorf("Trading.MaxPositionPct = %f, want 0.1", cfg.Trading.MaxPositionPct)
	}
	if cfg.Trading.SymbolOrderPolicy != "reject" {
		t.Errorf("Trading.SymbolOrderPolicy = %q, want default %q", cfg.Trading.SymbolOrderPolicy, "reject")
	}
	if cfg.Trading.MaxDailyTrades != 10 {
		t.Errorf("Trading.MaxDailyTrades = %d, want default 10", cfg.Trading.MaxDailyTrades)
	}

	// -- Monitor --
	if cfg.Monitor.RiskIntervalS != 10 {
		t.Errorf("Monitor.RiskIntervalS = %d, want 10", cfg.Monitor.RiskIntervalS)
	}
	if cfg.Monitor.DriftTolerance != 0.5 {
		t.Errorf("Monitor.DriftTolerance = %f, want 0.5", cfg.Monitor.DriftTolerance)
	}
	if cfg.Monitor.FillPollIntervalS != 2 {
		t.Errorf("Monitor.FillPollIntervalS = %d, want default 2", cfg.Monitor.FillPollIntervalS)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	yamlContent := []byte(`
kis:
  app_key: "yaml-key"
  app_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	tmpFile, err := os.CreateTemp("", "kistrader-config-env-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(yamlContent); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	tmpFile.Close()

	os.Setenv("KIS_APP_KEY", "env-key")
	os.Setenv("DATA_DIR", "/env/data")
	defer os.Unsetenv("KIS_APP_KEY")
	defer os.Unsetenv("DATA_DIR")

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.KIS.AppKey != "env-key" {
		t.Errorf("KIS.AppKey = %q, want %q (env override)", cfg.KIS.AppKey, "env-key")
	}
	// app_secret should remain from YAML since no env override was set.
	if cfg.KIS.AppSecret != "yaml-secret" {
		t.Errorf("KIS.AppSecret = %q, want %q (from YAML)", cfg.KIS.AppSecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
}
