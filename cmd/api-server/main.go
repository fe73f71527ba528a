package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartwait/mediqueue/internal/api"
	"github.com/smartwait/mediqueue/internal/config"
	"github.com/smartwait/mediqueue/internal/db"
	"github.com/smartwait/mediqueue/internal/observability/metrics"
	"github.com/smartwait/mediqueue/internal/offers"
	"github.com/smartwait/mediqueue/internal/redisclient"
	"github.com/smartwait/mediqueue/internal/risk"
	"github.com/smartwait/mediqueue/internal/sms"
	"github.com/smartwait/mediqueue/pkg/logging"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger := logging.New(cfg.LogLevel).Named("api-server")
	logger.Info("starting up", "env", cfg.Env, "http_port", cfg.HTTPPort)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()
	logger.Info("connected to Redis")

	scorer, err := risk.NewGeminiScorer(rootCtx, cfg.GeminiAPIKey, logger)
	if err != nil {
		log.Fatalf("gemini client error: %v", err)
	}
	defer scorer.Close()

	repo := offers.NewPgRepository(pgPool)
	locker := redisclient.NewRedisAppointmentLocker(rdb, cfg.LockTTL)
	sender := sms.NewSenderFromConfig(sms.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
	}, logger)
	offerMetrics := metrics.NewOfferMetrics(nil)

	svc := offers.NewService(repo, locker, sender, offerMetrics, cfg, logger)

	router := api.NewRouter(api.RouterConfig{
		Service: svc,
		Reader:  repo,
		Risk:    scorer,
		PgPool:  pgPool,
		Redis:   rdb,
		Logger:  logger,
		Env:     cfg.Env,
		Version: version,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("api-server stopped")
}
