// watcher-service
//
// Polls marketplace catalog searches on per-search schedules, filters the
// listings, caches seller profiles, stores unseen items and fans them out to
// Telegram, Discord, a generic webhook and the Redis event bus. Two
// maintenance jobs keep the item table bounded.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketwatch/watcher-service/internal/config"
	"marketwatch/watcher-service/internal/db"
	"marketwatch/watcher-service/internal/logger"
	"marketwatch/watcher-service/internal/maintenance"
	"marketwatch/watcher-service/internal/metrics"
	"marketwatch/watcher-service/internal/notify"
	"marketwatch/watcher-service/internal/scheduler"
	"marketwatch/watcher-service/internal/scraper"
	"marketwatch/watcher-service/internal/server"
	"marketwatch/watcher-service/internal/settings"
	"marketwatch/watcher-service/internal/store"
)

const version = "1.0.0"

// appStore is everything the components need from persistence. Both
// *store.Postgres and *store.Memory satisfy it.
type appStore interface {
	scheduler.Store
	scraper.Store
	notify.DeliveryStore
	maintenance.Store
	server.RunLister
	settings.Source
}

func main() {
	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[watcher-service] Config error: %v", err)
	}

	zlog, err := logger.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("[watcher-service] Logger error: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("watcher-service exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──────────────────────────────────────────────────────────────
	var st appStore
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		zlog.Info("connecting to PostgreSQL")
		pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns:          cfg.DBMaxConns,
			MinConns:          cfg.DBMinConns,
			MaxConnLifetime:   cfg.DBMaxConnLifetime,
			HealthCheckPeriod: cfg.DBHealthCheckPeriod,
			PingTimeout:       cfg.DBPingTimeout,
		})
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		st = store.NewPostgres(pool)
		zlog.Info("PostgreSQL connected")
	default:
		zlog.Warn("using in-memory store, data is lost on restart")
		st = store.NewMemory()
	}

	// ── Redis (optional) ─────────────────────────────────────────────────────
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		zlog.Info("connecting to Redis")
		var err error
		rdb, err = db.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		zlog.Info("Redis connected")
	}

	// ── Settings ─────────────────────────────────────────────────────────────
	provider, err := settings.NewProvider(st, overrides(cfg), zlog)
	if err != nil {
		return err
	}
	if _, err := provider.Reload(ctx); err != nil {
		zlog.Warn("initial settings load failed, using defaults", zap.Error(err))
	}

	// ── Notification ─────────────────────────────────────────────────────────
	met := metrics.New()
	registry := notify.NewRegistry(func() settings.Channels { return provider.Current().Channels }, notify.RegistryOptions{
		HTTPClient:      &http.Client{Timeout: cfg.RequestTimeout},
		Redis:           rdb,
		TelegramAPIBase: cfg.TelegramAPIBase,
		EventPrefix:     cfg.EventChannelPrefix,
	})
	fanout := notify.NewFanout(registry, st, notify.FanoutOptions{
		Concurrency:   cfg.NotifyConcurrency,
		RetryAfterMax: cfg.RetryAfterMax,
		Observer:      met,
	}, zlog)

	// ── Pipeline ─────────────────────────────────────────────────────────────
	clientOpts := scraper.ClientOptions{
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     cfg.RequestTimeout,
	}
	if cfg.RequestsPerSecond > 0 {
		clientOpts.Limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	worker := scraper.NewWorker(st, fanout, clientOpts, cfg.SellerFreshness, zlog)
	sweeper := maintenance.NewSweeper(st, cfg.SweepBatchSize, zlog)

	// ── Scheduler ────────────────────────────────────────────────────────────
	var counter scheduler.ErrorCounter = scheduler.NewMemoryCounter()
	if cfg.CounterBackend == config.CounterBackendRedis {
		counter = scheduler.NewRedisCounter(rdb, cfg.EventChannelPrefix+":job_errors")
	}
	sched := scheduler.New(scheduler.Deps{
		Store:      st,
		Settings:   provider,
		Runner:     worker,
		Maintainer: sweeper,
		Alerter:    fanout,
		Counter:    counter,
		Metrics:    met,
	}, scheduler.Options{
		CleanupCron:          cfg.CleanupCron,
		AgingIntervalMinutes: cfg.AgingIntervalMinutes,
	}, zlog)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	h := server.NewHandler(server.Deps{
		Scheduler:     sched,
		Runs:          st,
		Settings:      provider,
		Metrics:       met.Handler(),
		Version:       version,
		StatusPreview: cfg.StatusPreview,
	}, zlog)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      h.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		zlog.Info("listening", zap.String("version", version), zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		zlog.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		zlog.Error("HTTP server error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("HTTP shutdown error", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		zlog.Warn("scheduler did not stop cleanly", zap.Error(err))
	}
	zlog.Info("stopped")
	return nil
}

// overrides turns the environment's settings values into a Patch that wins
// over the stored row.
func overrides(cfg *config.Config) settings.Patch {
	var p settings.Patch
	if cfg.ScraperDomain != "" {
		p.Domain = settings.Ptr(cfg.ScraperDomain)
	}
	if cfg.TelegramToken != "" {
		p.TelegramToken = settings.Ptr(cfg.TelegramToken)
	}
	if cfg.TelegramChatID != "" {
		p.TelegramChatID = settings.Ptr(cfg.TelegramChatID)
	}
	if cfg.DiscordWebhook != "" {
		p.DiscordWebhookURL = settings.Ptr(cfg.DiscordWebhook)
	}
	if cfg.GenericWebhook != "" {
		p.WebhookURL = settings.Ptr(cfg.GenericWebhook)
	}
	return p
}
