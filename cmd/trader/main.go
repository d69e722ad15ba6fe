package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"auto-trade-bot-go/internal/account"
	"auto-trade-bot-go/internal/audit"
	"auto-trade-bot-go/internal/broker"
	"auto-trade-bot-go/internal/broker/kis"
	"auto-trade-bot-go/internal/broker/upbit"
	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/database"
	"auto-trade-bot-go/internal/execution"
	"auto-trade-bot-go/internal/guard"
	"auto-trade-bot-go/internal/liquidation"
	"auto-trade-bot-go/internal/logger"
	"auto-trade-bot-go/internal/notify"
	"auto-trade-bot-go/internal/ops"
	"auto-trade-bot-go/internal/risk"
	"auto-trade-bot-go/internal/rules"
	"auto-trade-bot-go/internal/trader"
)

func main() {
	// Local runs keep credentials in .env; absence is not an error.
	_ = godotenv.Load()

	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Broker clients for the venues the configuration enables. The KIS
	// session token survives restarts through the guard store.
	guardStore := guard.NewStore(db)
	registry := broker.NewRegistry()
	if cfg.Markets.Crypto.Enabled {
		upbitClient := upbit.NewClient(&cfg.Upbit, log)
		if err := pingBroker(ctx, upbitClient); err != nil {
			log.Fatal("Failed to connect to Upbit API", zap.Error(err))
		}
		registry.Register(upbitClient)
		log.Info("Successfully connected to Upbit API.")
	}
	if cfg.Markets.KRX.Enabled || cfg.Markets.US.Enabled {
		kisClient := kis.NewClient(&cfg.KIS, guardStore, log)
		if err := pingBroker(ctx, kisClient); err != nil {
			log.Fatal("Failed to connect to KIS API", zap.Error(err))
		}
		registry.Register(kisClient)
		log.Info("Successfully connected to KIS API.")
	}

	// Shared services.
	accountReader := account.NewReader(db, log)
	outbox := notify.NewOutbox(db, log)
	guardSvc := guard.NewService(guardStore, &cfg.Guard, outbox, log)
	gatekeeper := risk.NewGatekeeper(accountReader, guardSvc, risk.NewCalendarStore(db), db, &cfg.Trading, log)
	ruleEngine := rules.NewEngine(&cfg.Trading)
	executor := execution.NewExecutor(registry, db, &cfg.Trading, log)
	auditLog := audit.NewLogger(db, &cfg.Audit, log)
	liquidator := liquidation.NewLiquidator(registry, executor, accountReader, outbox, &cfg.Liquidation, log)

	// Background reconcilers: broker costs onto trade rows, exit fills onto
	// audit outcomes.
	costReconciler := execution.NewCostReconciler(registry, db, &cfg.Audit, log)
	go costReconciler.Run(ctx)
	outcomeReconciler := audit.NewReconciler(db, auditLog, &cfg.Audit, log)
	go outcomeReconciler.Run(ctx)

	// Operational endpoints.
	opsServer := ops.NewServer(&cfg, db, guardSvc, log)
	opsServer.Start()

	// Initialize and run the trading engine
	engine := trader.NewEngine(log, &cfg, db,
		accountReader, guardSvc, gatekeeper, ruleEngine, executor, auditLog, liquidator)
	engine.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := opsServer.Stop(shutdownCtx); err != nil {
		log.Error("Ops server shutdown failed", zap.Error(err))
	}
	log.Info("Bot has been shut down.")
}

func pingBroker(ctx context.Context, client broker.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.Ping(pingCtx)
}
