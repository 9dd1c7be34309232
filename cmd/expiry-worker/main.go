package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/doctor-scheduling/internal/config"
	"github.com/hackgods/doctor-scheduling/internal/db"
	"github.com/hackgods/doctor-scheduling/internal/logging"
	"github.com/hackgods/doctor-scheduling/internal/notify"
	"github.com/hackgods/doctor-scheduling/internal/reminder"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
	"github.com/hackgods/doctor-scheduling/internal/waitlist"
)

// The worker expires stale waitlist entries and publishes due reminders.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("expiry worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4})
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	pub, closePub, err := notify.Dial(cfg.RabbitMQURL, cfg.NotificationQueue, logger)
	if err != nil {
		logger.Fatal("notification publisher error", zap.Error(err))
	}
	defer func() { _ = closePub() }()

	repo := scheduling.NewPgRepository(pgPool, cfg.TxTimeout)
	w := &worker{
		waitlist:  waitlist.NewManager(repo, pub, logger.Named("waitlist"), nil, cfg.WaitlistTTL),
		reminders: reminder.NewScheduler(repo, pub, logger.Named("reminder"), nil),
		batchSize: cfg.ReminderBatchSize,
		logger:    logger,
	}

	// Run once at startup
	w.runOnce(rootCtx)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			w.runOnce(rootCtx)
		}
	}
}

type worker struct {
	waitlist  *waitlist.Manager
	reminders *reminder.Scheduler
	batchSize int
	logger    *zap.Logger
}

func (w *worker) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	expired, err := w.waitlist.ExpireStale(runCtx)
	if err != nil {
		w.logger.Error("waitlist expiry failed", zap.Error(err))
	}

	sent := 0
	for {
		n, err := w.reminders.Dispatch(runCtx, w.batchSize)
		sent += n
		if err != nil {
			w.logger.Error("reminder dispatch failed", zap.Error(err))
			break
		}
		if n < w.batchSize {
			break
		}
	}

	w.logger.Info("expiry run complete",
		zap.Int64("waitlist_expired", expired),
		zap.Int("reminders_published", sent),
		zap.Duration("took", time.Since(start)),
	)
}
