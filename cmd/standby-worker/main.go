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

// The standby worker scans upcoming appointments, and for those at high
// no-show risk warms the top waitlist candidates so a replacement is ready
// if the slot opens up.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger := logging.New(cfg.LogLevel).Named("standby-worker")
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
	sender := sms.NewSenderFromConfig(sms.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
	}, logger)
	svc := offers.NewService(repo, locker, sender, nil, cfg, logger)

	runOnce(rootCtx, svc, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping standby worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *offers.Service, logger *logging.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	start := time.Now()
	notified, err := svc.PrepStandby(runCtx)
	if err != nil {
		logger.Error("standby run failed", "error", err)
		return
	}
	logger.Info("standby run complete", "notified", notified, "duration", time.Since(start).String())
}
