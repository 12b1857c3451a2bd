/**
 * @description
 * This is the main entry point for the webhook-service. It verifies and
 * records payment gateway callbacks, then publishes them to the broker for the
 * commerce-service to process.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		zap.NewExample().Fatal("cannot load config", zap.Error(err))
	}

	logger, err := logging.New("webhook-service", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		zap.NewExample().Fatal("cannot build logger", zap.Error(err))
	}
	defer logger.Sync()

	if cfg.StripeWebhookSecret == "" {
		logger.Fatal("STRIPE_WEBHOOK_SECRET is required")
	}

	ctx := context.Background()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	repo, closeRepo, err := platform.OpenRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("unable to open store", zap.Error(err))
	}
	defer closeRepo()

	// Without a broker every event is refused with 503 so the gateway retries it later.
	var producer rabbitmq.Publisher
	producer, err = rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("failed to create rabbitmq producer; webhooks will be refused until it is available", zap.Error(err))
		producer = &rabbitmq.EventProducerFallback{}
	}
	defer producer.Close()

	ingestor := app.NewWebhookIngestor(repo, app.RabbitEventPublisher{
		Publisher: producer,
		Exchange:  cfg.PaymentEventExchange,
	}, clock.Real{}, logger, m)
	handler := api.NewWebhookHandler(ingestor, cfg.StripeWebhookSecret, cfg.WebhookTolerance(), clock.Real{}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           api.WebhookRoutes(handler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("webhook-service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("webhook-service stopped")
}
