package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kobopeer/kobopeer/api"
	"github.com/kobopeer/kobopeer/internal/config"
	"github.com/kobopeer/kobopeer/internal/database"
	"github.com/kobopeer/kobopeer/internal/dispute"
	"github.com/kobopeer/kobopeer/internal/escrow"
	"github.com/kobopeer/kobopeer/internal/ledger"
	"github.com/kobopeer/kobopeer/internal/notification"
	"github.com/kobopeer/kobopeer/internal/payment"
	"github.com/kobopeer/kobopeer/internal/risk"
	"github.com/kobopeer/kobopeer/internal/trade"
	"github.com/kobopeer/kobopeer/internal/withdrawal"
	"github.com/kobopeer/kobopeer/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer log.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	var notifier notification.Sink = notification.NewStoreSink(log, db)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		notifier = notification.MultiSink{
			notification.NewStoreSink(log, db),
			notification.NewRedisSink(log, rdb),
		}
	}

	var gateway payment.Gateway
	if cfg.Payment.SecretKey != "" {
		gateway = payment.NewRESTGateway(log, cfg.Payment.BaseURL, cfg.Payment.SecretKey)
	}

	ledgerSvc := ledger.NewService(log, db)
	escrowCtl := escrow.NewController(log, db, ledgerSvc)
	riskGate := risk.NewEngine(log, db)
	compliance := risk.NewAMLEngine(log, db)
	tradeSvc := trade.NewService(log, db, ledgerSvc, escrowCtl, riskGate, compliance,
		notifier, gateway, cfg.Gates.Timeout)
	disputeHandler := dispute.NewHandler(log, db, escrowCtl, tradeSvc, notifier)
	withdrawalSvc := withdrawal.NewService(log, db, ledgerSvc, riskGate)

	worker := withdrawal.NewWorker(log, db, ledgerSvc,
		withdrawal.NewSimulatedBackend(cfg.Withdrawal.SuccessRate), notifier,
		withdrawal.WorkerConfig{
			Interval:    cfg.Withdrawal.Interval,
			GraceWindow: cfg.Withdrawal.GraceWindow,
			BatchSize:   cfg.Withdrawal.BatchSize,
		})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go worker.Run(ctx)

	server := api.NewServer(log, ledgerSvc, tradeSvc, disputeHandler, withdrawalSvc, cfg.JWT.Secret)
	go func() {
		if err := server.Start(cfg.Server.Addr); err != nil {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
