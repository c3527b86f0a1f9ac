// Package main provides the PDMP reporting worker entry point. It consumes
// report-required events, submits controlled-substance logs to the state
// gateway, and confirms submission back onto the log rows.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rxsys/go-dispense/internal/config"
	"github.com/rxsys/go-dispense/internal/domain/dispensing"
	"github.com/rxsys/go-dispense/internal/infrastructure/pdmp"
	"github.com/rxsys/go-dispense/internal/infrastructure/redpanda"
	"github.com/rxsys/go-dispense/internal/observability/metrics"
	"github.com/rxsys/go-dispense/pkg/workerpool"
)

// sweepInterval is how often unconfirmed logs are re-submitted. The sweep
// backstops lost events, so redelivery and submission stay at-least-once.
const sweepInterval = 5 * time.Minute

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

	repo := dispensing.NewRepository(pool, logger)

	gatewayCfg := pdmp.DefaultConfig()
	gatewayCfg.Endpoint = cfg.PDMPEndpoint
	gatewayCfg.APIKey = cfg.PDMPAPIKey
	gateway := pdmp.NewClient(gatewayCfg, logger)

	m := metrics.New()

	// Each job carries one controlled-substance log id. MarkLogReported is
	// guarded on reported_to_pdmp, so duplicate jobs settle as no-ops.
	submit := func(ctx context.Context, job *workerpool.Job) error {
		logID, _ := job.Payload.(string)
		if logID == "" {
			return fmt.Errorf("job %s: missing log id", job.ID)
		}

		log, err := repo.GetLog(ctx, logID)
		if err != nil {
			return err
		}
		if log.ReportedToPDMP {
			return nil
		}

		if err := gateway.Submit(ctx, log); err != nil {
			m.PDMPReportsFailed.Inc()
			return err
		}

		if err := repo.MarkLogReported(ctx, logID, time.Now().UTC()); err != nil {
			if errors.Is(err, dispensing.ErrNotFound) {
				// Another worker confirmed it first.
				return nil
			}
			return err
		}

		m.PDMPReportsConfirmed.Inc()
		return nil
	}

	reportPool, err := workerpool.New(workerpool.DefaultConfig(), submit, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	reportPool.Start()

	handler := func(ctx context.Context, msg *redpanda.Message) error {
		var data dispensing.PDMPReportRequiredData
		if err := json.Unmarshal(msg.Value, &data); err != nil {
			// Malformed payloads never become parseable; skip them.
			logger.Error("unparseable report event, skipping",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}

		if err := reportPool.Submit(&workerpool.Job{
			ID:      data.ControlledSubstanceLogID,
			Payload: data.ControlledSubstanceLogID,
		}); err != nil {
			// Leave the offset uncommitted so the event is redelivered.
			return err
		}
		return nil
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers

	consumer, err := redpanda.NewConsumer(consumerCfg, handler, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	go sweepLoop(sweepCtx, repo, reportPool, logger)

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("PDMP reporter started", zap.Strings("brokers", cfg.Brokers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	sweepCancel()
	consumer.Stop()
	reportPool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	logger.Info("PDMP reporter stopped")
}

// sweepLoop re-enqueues logs that have waited too long for confirmation.
func sweepLoop(ctx context.Context, repo *dispensing.Repository, pool *workerpool.Pool, logger *zap.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logs, err := repo.UnreportedLogs(ctx, sweepInterval, 500)
			if err != nil {
				logger.Error("unreported log sweep failed", zap.Error(err))
				continue
			}
			for _, log := range logs {
				if err := pool.Submit(&workerpool.Job{ID: log.ID, Payload: log.ID}); err != nil {
					logger.Warn("sweep submit failed", zap.String("log_id", log.ID), zap.Error(err))
					break
				}
			}
			if len(logs) > 0 {
				logger.Info("swept unconfirmed logs", zap.Int("count", len(logs)))
			}
		}
	}
}
