/**
 * @description
 * This is the main entry point for the commerce-service. It serves the
 * checkout, escrow, affiliate and ad API and consumes payment events from the
 * broker. Without a broker it also receives the gateway webhooks itself and
 * processes them on an in-process queue.
 *
 * @dependencies
 * - github.com/joho/godotenv: Local .env loading.
 * - github.com/prometheus/client_golang: Metrics endpoint.
 */
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/orivaflow/commerce-engine/internal/api"
	"github.com/orivaflow/commerce-engine/internal/app"
	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/config"
	"github.com/orivaflow/commerce-engine/internal/metrics"
	"github.com/orivaflow/commerce-engine/internal/platform"
	"github.com/orivaflow/commerce-engine/pkg/logging"
	"github.com/orivaflow/commerce-engine/pkg/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		zap.NewExample().Fatal("cannot load config", zap.Error(err))
	}

	logger, err := logging.New("commerce-service", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		zap.NewExample().Fatal("cannot build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	repo, closeRepo, err := platform.OpenRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("unable to open store", zap.Error(err))
	}
	defer closeRepo()

	rdb := platform.OpenRedis(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	engine, err := platform.NewEngine(cfg, repo, rdb, logger, m)
	if err != nil {
		logger.Fatal("unable to build engine", zap.Error(err))
	}
	engine.Clicks.Start()
	defer engine.Clicks.Stop()

	commerce := api.CommerceRoutes(
		api.NewCommerceHandlers(engine.Transactions, engine.Affiliate, engine.Escrow, engine.Ads, cfg.AdSelectTimeout(), logger),
		api.AuthConfig{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience},
		cfg.AllowedOrigins(),
		metricsHandler,
	)
	handler := commerce

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Fatal("unable to connect to rabbitmq", zap.Error(err))
		}
		defer consumer.Close()
		if err := consumer.ConsumeWithBindings(cfg.PaymentEventExchange, cfg.PaymentEventQueue, cfg.WorkerCount*4, engine.Processor.Bindings()); err != nil {
			logger.Fatal("unable to consume payment events", zap.Error(err))
		}
		logger.Info("consuming payment events", zap.String("exchange", cfg.PaymentEventExchange), zap.String("queue", cfg.PaymentEventQueue))
	} else {
		logger.Warn("RABBITMQ_URL not set; receiving webhooks in-process")
		queue := app.NewLocalEventQueue(engine.Processor, cfg.WorkerCount, cfg.EventQueueSize, logger)
		queue.Start()
		defer queue.Stop()

		ingestor := app.NewWebhookIngestor(repo, queue, clock.Real{}, logger, m)
		webhooks := api.WebhookRoutes(api.NewWebhookHandler(ingestor, cfg.StripeWebhookSecret, cfg.WebhookTolerance(), clock.Real{}, logger), nil)

		mux := http.NewServeMux()
		mux.Handle("/webhooks/", webhooks)
		mux.Handle("/", commerce)
		handler = mux
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("commerce-service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received, draining requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("commerce-service stopped")
}
