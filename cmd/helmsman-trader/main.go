// helmsman-trader runs the trading engine: pre-flight validation, broker
// session, risk-gated order flow, background monitoring, and the read-only
// status API.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"helmsman/internal/broker"
	"helmsman/internal/config"
	"helmsman/internal/engine"
	"helmsman/internal/httpapi"
	"helmsman/internal/preflight"
	"helmsman/internal/risk"
	"helmsman/internal/store"
	"helmsman/internal/util"
)

func main() {
	// Credentials are commonly kept in a local .env; absence is fine.
	_ = godotenv.Load()

	cfgPath := "config/helmsman.yaml"
	if p := os.Getenv("HELMSMAN_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	client, err := broker.New(cfg)
	if err != nil {
		log.Fatalf("creating broker client: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The risk manager is seeded with the account value at startup; that
	// baseline anchors the cumulative emergency-stop trigger for the life of
	// the process.
	if err := client.Connect(ctx); err != nil {
		log.Fatalf("connecting to %s: %v", client.Name(), err)
	}
	account, err := client.GetAccount(ctx)
	if err != nil {
		log.Fatalf("fetching account: %v", err)
	}

	riskMgr, err := risk.NewManager(cfg.Risk, cfg.Market, account.PortfolioValue)
	if err != nil {
		log.Fatalf("creating risk manager: %v", err)
	}

	journal, err := store.NewSQLiteJournal(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening trade journal: %v", err)
	}
	defer journal.Close()
	riskMgr.SetJournal(journal)

	validator := preflight.New(cfg, client, cfg.Risk.LiveTradingEnabled)

	eng := engine.New(cfg, client, riskMgr, validator)
	eng.SetOrderLog(journal)
	eng.SetBarStore(store.NewParquetBarStore(cfg.Storage.DataDir))

	if err := eng.Initialize(ctx); err != nil {
		log.Fatalf("initializing engine: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("starting engine: %v", err)
	}

	// Daily counters reset at midnight exchange time, so the loss limit and
	// trade budget re-arm for each session.
	loc, err := time.LoadLocation(cfg.Market.Timezone)
	if err != nil {
		log.Fatalf("loading timezone %q: %v", cfg.Market.Timezone, err)
	}
	scheduler := cron.New(cron.WithLocation(loc))
	if _, err := scheduler.AddFunc("0 0 * * *", func() {
		riskMgr.ResetDailyCounters()
		logger.Info("daily risk counters reset")
	}); err != nil {
		log.Fatalf("scheduling daily reset: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	statusSrv := httpapi.NewStatusServer(cfg.Broker, eng, riskMgr, validator, journal)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: statusSrv.Handler(),
	}
	go func() {
		logger.Info("status API listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	eng.Stop()
}
