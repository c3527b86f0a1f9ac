// Package main provides the dispensing API service entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rxsys/go-dispense/internal/api/handlers"
	"github.com/rxsys/go-dispense/internal/api/middleware"
	"github.com/rxsys/go-dispense/internal/config"
	"github.com/rxsys/go-dispense/internal/domain/authorization"
	"github.com/rxsys/go-dispense/internal/domain/catalog"
	"github.com/rxsys/go-dispense/internal/domain/dispensing"
	"github.com/rxsys/go-dispense/internal/domain/inventory"
	"github.com/rxsys/go-dispense/internal/domain/prescription"
	"github.com/rxsys/go-dispense/internal/domain/safety"
	"github.com/rxsys/go-dispense/internal/observability/metrics"
	"github.com/rxsys/go-dispense/internal/observability/tracing"
	"github.com/rxsys/go-dispense/pkg/idempotency"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	ctx := context.Background()

	tracingCfg := tracing.DefaultConfig("dispense-api")
	tracingCfg.OTLPEndpoint = cfg.OTLPEndpoint
	tracingCfg.Environment = cfg.Environment
	tracingCfg.SampleRate = cfg.SampleRate

	tp, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		logger.Warn("tracing init failed, continuing without export", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Repositories.
	catalogRepo := catalog.NewRepository(pool, logger)
	allergyRepo := safety.NewRepository(pool, logger)
	authRepo := authorization.NewRepository(pool, logger)
	rxRepo := prescription.NewRepository(pool, logger)
	inventoryRepo := inventory.NewRepository(pool, logger)
	dispensingRepo := dispensing.NewRepository(pool, logger)

	// The ledger is authoritative for reservations; prime it from the
	// persisted lots before accepting traffic.
	ledger := inventory.NewLedger(logger)
	lots, err := inventoryRepo.LoadAll(ctx)
	if err != nil {
		logger.Fatal("inventory load failed", zap.Error(err))
	}
	ledger.Load(lots)
	logger.Info("inventory ledger primed", zap.Int("lots", len(lots)))

	// Expired lots stop being drawable immediately via the ledger's FEFO
	// filter; the sweep keeps the persisted rows in agreement.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			n, err := inventoryRepo.DeactivateExpired(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn("expired lot sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("deactivated expired lots", zap.Int64("count", n))
			}
		}
	}()

	orchestrator := dispensing.NewOrchestrator(dispensing.Deps{
		Prescriptions: rxRepo,
		Medications:   catalogRepo,
		Pharmacies:    catalogRepo,
		Checker:       safety.NewChecker(catalogRepo, allergyRepo, safety.DefaultPolicy(), logger),
		Gate:          authorization.NewGate(authRepo, logger),
		Refills:       prescription.NewRefillPolicy(logger),
		Ledger:        ledger,
		Compliance:    dispensing.NewCompliance(dispensing.DefaultCompliancePolicy(), logger),
		Committer:     dispensingRepo,
		Logger:        logger,
	})

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	if n, err := inbox.RecoverStale(ctx); err != nil {
		logger.Warn("inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	m := metrics.New()

	dispensingHandler := handlers.NewDispensingHandler(orchestrator, dispensingRepo, inbox, m, logger)
	inventoryHandler := handlers.NewInventoryHandler(ledger, inventoryRepo, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("dispense-api"))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"dispense-api"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeyMap()))
		r.Mount("/dispensings", dispensingHandler.Routes())
		r.Mount("/inventory", inventoryHandler.Routes())
	})

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting dispense API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
