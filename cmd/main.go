/**
 * @description
 * This is the main entry point for the subscription-ledger service.
 * It wires configuration, the PostgreSQL pool, the payment ledger, the webhook processor,
 * the query service and the HTTP router, and runs the retention sweeper on a schedule.
 *
 * Key features:
 * - Applies the embedded database migrations on startup (RUN_MIGRATIONS).
 * - Optional RabbitMQ producer for payment.succeeded events and Redis-backed rate limiting.
 * - Graceful shutdown of the HTTP server and the scheduler.
 */
package main

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/subscription-ledger/internal/api"
	"github.com/transfa/subscription-ledger/internal/app"
	"github.com/transfa/subscription-ledger/internal/bootstrap"
	"github.com/transfa/subscription-ledger/internal/config"
	"github.com/transfa/subscription-ledger/internal/metrics"
	"github.com/transfa/subscription-ledger/internal/store"
	"github.com/transfa/subscription-ledger/internal/webhook"
	"github.com/transfa/subscription-ledger/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := bootstrap.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("subscription-ledger stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := bootstrap.OpenPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	if cfg.RunMigrations {
		if err := store.RunMigrations(ctx, dbpool, logger); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(registry)

	repository := store.NewRepository(dbpool, logger, store.WithOperationTimeout(cfg.DatabaseOperationTimeout))

	processorOpts := []app.ProcessorOption{
		app.WithApplyAttempts(cfg.WebhookApplyAttempts),
		app.WithProcessorMetrics(m),
	}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, rabbitmq.PaymentEventsExchange, logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable; payment events will not be published", "error", err)
		} else {
			defer producer.Close()
			processorOpts = append(processorOpts, app.WithPublisher(producer))
			logger.Info("rabbitmq producer connected", "exchange", rabbitmq.PaymentEventsExchange)
		}
	}

	processor := app.NewProcessor(repository, webhook.NewParser(nil), logger, processorOpts...)
	service := app.NewService(repository, logger, m)

	routerOpts := api.RouterOptions{
		InternalAPIKey: cfg.InternalAPIKey,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:         logger,
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn("INTERNAL_API_KEY not set; query routes are unauthenticated and payment write routes are disabled")
	}
	if strings.TrimSpace(cfg.ClerkJWKSURL) != "" {
		routerOpts.JWKS = api.NewJWKS(cfg.ClerkJWKSURL)
		routerOpts.ClerkClaims = api.ClerkClaims{Audience: cfg.ClerkAudience, Issuer: cfg.ClerkIssuer}
	}
	if cfg.RateLimitPerMinute > 0 {
		routerOpts.RateLimiter = newRateLimiter(ctx, cfg, logger)
	}

	webhookHandler := api.NewWebhookHandler(processor, webhook.NewVerifier(cfg.WebhookSecret), cfg.WebhookSignatureHeader, logger, m)
	router := api.NewRouter(api.NewHandler(service, logger), webhookHandler, routerOpts)

	var scheduler *app.Scheduler
	if cfg.SweeperEnabled {
		sweeper := app.NewSweeper(repository, cfg.RetentionWindow, 0, logger, m)
		scheduler = app.NewScheduler(sweeper, cfg.SweeperInterval, logger)
		scheduler.Start()
	} else {
		logger.Info("retention sweeper disabled")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, gracefully shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("retention sweep still running at shutdown")
		}
	}

	logger.Info("server stopped")
	return nil
}

// newRateLimiter prefers Redis so every replica shares one budget and falls back to
// in-process token buckets.
func newRateLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) api.RateLimiter {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return api.NewMemoryRateLimiter(cfg.RateLimitPerMinute)
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; using in-process rate limiting", "error", err)
		return api.NewMemoryRateLimiter(cfg.RateLimitPerMinute)
	}
	client := redis.NewClient(redisOptions)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; using in-process rate limiting", "error", err)
		client.Close()
		return api.NewMemoryRateLimiter(cfg.RateLimitPerMinute)
	}

	go func() {
		<-ctx.Done()
		client.Close()
	}()
	logger.Info("redis connected; using shared rate limiting")
	return api.NewRedisRateLimiter(client, cfg.RedisRateLimitPrefix, cfg.RateLimitPerMinute, time.Minute)
}
