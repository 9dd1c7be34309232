package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-scheduling/internal/api"
	"github.com/hackgods/doctor-scheduling/internal/audit"
	"github.com/hackgods/doctor-scheduling/internal/booking"
	"github.com/hackgods/doctor-scheduling/internal/config"
	"github.com/hackgods/doctor-scheduling/internal/db"
	"github.com/hackgods/doctor-scheduling/internal/logging"
	"github.com/hackgods/doctor-scheduling/internal/metrics"
	"github.com/hackgods/doctor-scheduling/internal/notify"
	redisclient "github.com/hackgods/doctor-scheduling/internal/redis"
	"github.com/hackgods/doctor-scheduling/internal/reminder"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
	"github.com/hackgods/doctor-scheduling/internal/slots"
	"github.com/hackgods/doctor-scheduling/internal/waitlist"
)

var version = "dev"

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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api-server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Redis only backs the booking rate limiter; run without it rather than refuse to start.
	var (
		limiter     redisclient.Limiter
		redisHealth api.Pinger
	)
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.Warn("redis unavailable, booking rate limit disabled", zap.Error(err))
		redisHealth = api.Unreachable(err)
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", zap.Error(err))
			}
		}()
		limiter = redisclient.NewFixedWindowLimiter(rdb, cfg.BookingRateLimit, cfg.BookingRateWindow)
		redisHealth = pingRedis(rdb)
		logger.Info("connected to Redis")
	}

	pub, closePub, err := notify.Dial(cfg.RabbitMQURL, cfg.NotificationQueue, logger)
	if err != nil {
		return fmt.Errorf("notification publisher: %w", err)
	}
	defer func() {
		if err := closePub(); err != nil {
			logger.Warn("error closing publisher", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewSchedulingMetrics(reg)

	repo := scheduling.NewPgRepository(pgPool, cfg.TxTimeout)
	trail := audit.NewTrail(repo, logger.Named("audit"), m).
		WithRetryInterval(cfg.AuditRetryInterval).
		WithBufferSize(cfg.AuditBufferSize)
	reminders := reminder.NewScheduler(repo, pub, logger.Named("reminder"), m)
	wl := waitlist.NewManager(repo, pub, logger.Named("waitlist"), m, cfg.WaitlistTTL)
	engine := booking.NewEngine(repo, trail, reminders, wl, logger.Named("booking"), m)

	go trail.Run(rootCtx)

	router := api.NewRouter(api.RouterConfig{
		Slots:             slots.NewManager(repo, logger.Named("slots")),
		Engine:            engine,
		Waitlist:          wl,
		Reminders:         reminders,
		Limiter:           limiter,
		Health:            api.NewHealthHandler(pgPool, redisHealth, cfg.Env, version),
		Metrics:           m,
		Gatherer:          reg,
		Logger:            logger.Named("http"),
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		HTTPRateLimit:     cfg.HTTPRateLimit,
		ReminderBatchSize: cfg.ReminderBatchSize,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, trusting X-Actor-* headers")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if n := trail.Flush(shutdownCtx); n > 0 {
		logger.Warn("audit rows still buffered at shutdown", zap.Int("pending", n))
	}
	return nil
}

func pingRedis(rdb *redis.Client) api.Pinger {
	return api.PingFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
}
