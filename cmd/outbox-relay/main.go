// Package main provides the outbox relay service entry point. It drains the
// transactional outbox written by the dispensing pipeline into Redpanda.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rxsys/go-dispense/internal/config"
	"github.com/rxsys/go-dispense/internal/infrastructure/postgres"
	"github.com/rxsys/go-dispense/internal/infrastructure/redpanda"
	"github.com/rxsys/go-dispense/internal/observability/metrics"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic creation failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to brokers", zap.Strings("brokers", cfg.Brokers))

	relay := postgres.NewRelay(pool, producer, postgres.DefaultRelayConfig(), logger)
	relay.Start()
	logger.Info("outbox relay started")

	m := metrics.New()

	// Periodic housekeeping: surface the backlog, park poisoned entries on
	// the dead-letter topic, and purge published entries past retention.
	houseCtx, houseCancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		purgeTicker := time.NewTicker(time.Hour)
		defer purgeTicker.Stop()
		for {
			select {
			case <-houseCtx.Done():
				return
			case <-ticker.C:
				if pending, err := relay.Pending(houseCtx); err == nil {
					m.OutboxPending.Set(float64(pending))
				}
				if n, err := relay.DivertPoisoned(houseCtx, redpanda.TopicDeadLetter); err != nil {
					logger.Error("dead-letter divert failed", zap.Error(err))
				} else if n > 0 {
					logger.Warn("diverted poisoned entries", zap.Int64("count", n))
				}
			case <-purgeTicker.C:
				if n, err := relay.Purge(houseCtx, 7*24*time.Hour); err != nil {
					logger.Error("outbox purge failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("purged processed outbox entries", zap.Int64("count", n))
				}
			}
		}
	}()

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	houseCancel()
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	logger.Info("outbox relay stopped")
}
