package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"kistrader/internal/broker"
	"kistrader/internal/config"
	"kistrader/internal/domain"
	"kistrader/internal/engine"
	"kistrader/internal/httpapi"
	"kistrader/internal/ledger"
	"kistrader/internal/portfolio"
	"kistrader/internal/store"
	"kistrader/internal/strategy"
	"kistrader/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfgPath := "config/kistrader.yaml"
	if p := os.Getenv("KISTRADER_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Error("opening sqlite store", "path", cfg.Storage.SQLitePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	archive := store.NewParquetFillArchive(cfg.Storage.DataDir)

	gateway, err := buildGateway(cfg)
	if err != nil {
		logger.Error("building gateway", "broker", cfg.Trading.Broker, "error", err)
		os.Exit(1)
	}
	logger.Info("gateway selected", "venue", gateway.Name(), "paperMode", cfg.Trading.PaperMode)

	lg := ledger.New(db, db, archive)
	tracker := portfolio.NewTracker(db)
	halts := portfolio.NewHaltList()
	reconciler := portfolio.NewReconciler(gateway, tracker, db, lg, halts,
		decimal.NewFromFloat(cfg.Monitor.DriftTolerance))
	hub := httpapi.NewHub()
	risk := engine.NewRiskMonitor(gateway, tracker,
		time.Duration(cfg.Monitor.RiskCooldownS)*time.Second, hub)
	// Session-hours enforcement only makes sense against the real KRX venue.
	var calendar *util.TradingCalendar
	if cfg.Trading.Broker == "kis" {
		calendar = util.NewTradingCalendar()
	}
	coordinator := engine.NewCoordinator(gateway, lg, tracker, halts, engine.CoordinatorConfig{
		MaxPositionPct:     cfg.Trading.MaxPositionPct,
		MaxRiskPerTradePct: cfg.Trading.MaxRiskPerTradePct,
		MaxDailyLossPct:    cfg.Trading.MaxDailyLossPct,
		MaxDailyTrades:     cfg.Trading.MaxDailyTrades,
		SymbolPolicy:       cfg.Trading.SymbolOrderPolicy,
		SubmitMaxAttempts:  cfg.Gateway.RetryMaxAttempts,
		Calendar:           calendar,
	}, hub)
	eng := engine.New(engine.Config{
		FillPollInterval:  time.Duration(cfg.Monitor.FillPollIntervalS) * time.Second,
		RiskInterval:      time.Duration(cfg.Monitor.RiskIntervalS) * time.Second,
		ReconcileInterval: time.Duration(cfg.Monitor.ReconcileIntervalS) * time.Second,
	}, gateway, lg, tracker, reconciler, risk, coordinator, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Error("starting engine", "error", err)
		os.Exit(1)
	}

	manual := strategy.NewManualSource(64)
	registry := strategy.NewRegistry()
	registry.Register(manual)
	runSources(ctx, registry, eng, logger)

	api := httpapi.NewServer(eng, lg, tracker, reconciler, db, manual, hub)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: api.Handler()}
	go func() {
		logger.Info("api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigc:
		logger.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	eng.Stop()
}

// buildGateway selects the venue gateway from configuration.
func buildGateway(cfg *config.Config) (broker.Gateway, error) {
	limits := broker.Limits{
		RetryMaxAttempts:  cfg.Gateway.RetryMaxAttempts,
		RetryBaseDelay:    time.Duration(cfg.Gateway.RetryBaseDelayMs) * time.Millisecond,
		RequestTimeout:    time.Duration(cfg.Gateway.RequestTimeoutMs) * time.Millisecond,
		AuthRefreshMargin: time.Duration(cfg.Gateway.AuthRefreshMarginS) * time.Second,
		OrderRatePerMin:   cfg.Gateway.OrderRatePerMin,
		QuoteRatePerMin:   cfg.Gateway.QuoteRatePerMin,
		RateBurst:         cfg.Gateway.RateBurst,
	}

	switch cfg.Trading.Broker {
	case "kis":
		if cfg.KIS.AppKey == "" || cfg.KIS.AppSecret == "" {
			return nil, fmt.Errorf("kis credentials missing (KIS_APP_KEY / KIS_APP_SECRET)")
		}
		mock := cfg.KIS.Mock || cfg.Trading.PaperMode
		return broker.NewKISGateway(cfg.KIS.AppKey, cfg.KIS.AppSecret, cfg.KIS.AccountNo,
			cfg.KIS.BaseURL, mock, limits), nil
	case "alpaca":
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return nil, fmt.Errorf("alpaca credentials missing (APCA_API_KEY_ID / APCA_API_SECRET_KEY)")
		}
		return broker.NewAlpacaGateway(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret,
			cfg.Alpaca.BaseURL, cfg.Alpaca.DataURL, limits), nil
	case "simulator":
		return broker.NewSimulatorGateway(decimal.NewFromFloat(cfg.Trading.SimulatorCash)), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Trading.Broker)
	}
}

// runSources starts every registered signal source and pumps its output into
// the engine queue.
func runSources(ctx context.Context, registry *strategy.Registry, eng *engine.Engine, logger *slog.Logger) {
	out := make(chan domain.Signal, 64)
	for _, name := range registry.List() {
		src, _ := registry.Get(name)
		go func() {
			if err := src.Run(ctx, out); err != nil && ctx.Err() == nil {
				logger.Error("signal source stopped", "source", src.Name(), "error", err)
			}
		}()
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-out:
				if err := eng.Submit(sig); err != nil {
					logger.Error("submitting signal", "signalID", sig.ID, "error", err)
				}
			}
		}
	}()
}
