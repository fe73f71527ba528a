package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartwait/mediqueue/internal/config"
	"github.com/smartwait/mediqueue/internal/db"
	"github.com/smartwait/mediqueue/internal/offers"
	"github.com/smartwait/mediqueue/internal/redisclient"
	"github.com/smartwait/mediqueue/internal/sms"
	"github.com/smartwait/mediqueue/pkg/logging"
)

// The expiry worker is a reconciliation sweep: active-offer queries already
// treat SENT offers past their deadline as dead, this just makes the
// EXPIRED status visible on dashboards and in metrics.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger := logging.New(cfg.LogLevel).Named("expiry-worker")
	logger.Info("starting up", "env", cfg.Env, "interval", cfg.WorkerInterval.String())

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() { _ = rdb.Close() }()

	repo := offers.NewPgRepository(pgPool)
	locker := redisclient.NewRedisAppointmentLocker(rdb, cfg.LockTTL)
	svc := offers.NewService(repo, locker, sms.NewSimulatedSender(logger), nil, cfg, logger)

	runOnce(rootCtx, svc, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *offers.Service, logger *logging.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.ExpireStaleOffers(runCtx)
	if err != nil {
		logger.Error("expiry run failed", "error", err)
		return
	}
	logger.Info("expiry run complete", "expired", n, "duration", time.Since(start).String())
}
