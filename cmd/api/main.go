package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"mentorly/api/internal/app"
	"mentorly/api/internal/archive"
	"mentorly/api/internal/config"
	"mentorly/api/internal/email"
	"mentorly/api/internal/metrics"
	"mentorly/api/internal/moderation"
	"mentorly/api/internal/purge"
	"mentorly/api/internal/ratelimit"
	"mentorly/api/internal/realtime"
	"mentorly/api/internal/search"
	"mentorly/api/internal/store"
)

const auditReindexWindow = 30 * 24 * time.Hour

func main() {
	// A missing .env is fine outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("database_connection_failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger)
	if err != nil {
		logger.Error("migrations_failed", "applied", applied, "error", err)
		os.Exit(1)
	}
	dataStore := store.NewPostgresStore(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("redis_url_invalid", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		// Quota checks fail open and realtime degrades to polling.
		logger.Warn("redis_unavailable", "error", err)
	}
	cancelPing()

	limiter := ratelimit.New(ratelimit.NewRedisQuotaWithClient(redisClient), cfg.RateLimitNamespace, cfg.RateLimits, logger, m)

	pgfts := search.NewPgFTS(db)
	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, pgfts, logger)
		go searchService.Reindex(ctx, pgfts, auditReindexWindow)
	} else {
		searchService = search.NewService(nil, pgfts, logger)
	}

	auditor := moderation.NewAuditor(dataStore, searchService, logger, m)
	broker := realtime.NewBroker(redisClient, logger)

	alerts := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !alerts.IsConfigured() {
		logger.Info("email_alerts_disabled")
	}

	runnerOpts := purge.Options{
		MessageRetention: cfg.MessageRetention,
		ReportRetention:  cfg.ReportRetention,
		Logger:           logger,
		Metrics:          m,
	}
	if cfg.ArchiveConfigured() {
		archiveStore, err := archive.New(archive.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.Error("archive_init_failed", "error", err)
			os.Exit(1)
		}
		runnerOpts.Archiver = archiveStore
	}
	runner := purge.NewRunner(dataStore, runnerOpts)
	gateway := purge.NewGateway(cfg.PurgeSecret, runner)
	if !gateway.Configured() {
		logger.Warn("purge_endpoint_disabled", "reason", "PURGE_SECRET not set")
	}
	if cfg.PurgeCron != "" {
		scheduler, err := purge.NewScheduler(cfg.PurgeCron, runner, logger)
		if err != nil {
			logger.Error("purge_schedule_invalid", "expr", cfg.PurgeCron, "error", err)
			os.Exit(1)
		}
		stopSchedule := scheduler.Start(ctx)
		defer stopSchedule()
	}

	service := app.New(cfg, app.Deps{
		Store:     dataStore,
		Limiter:   limiter,
		Audit:     auditor,
		Publisher: broker,
		Search:    searchService,
		Alerts:    alerts,
		Purge:     gateway,
		Logger:    logger,
		Metrics:   m,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger).
		WithMetrics(m).
		WithStreamer(realtime.NewStreamer(broker, cfg.CORSOrigin, logger, m))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server_failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
