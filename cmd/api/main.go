package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatpay/billing-engine/internal/config"
	"github.com/chatpay/billing-engine/internal/events"
	"github.com/chatpay/billing-engine/internal/handler"
	"github.com/chatpay/billing-engine/internal/ledger"
	"github.com/chatpay/billing-engine/internal/logging"
	"github.com/chatpay/billing-engine/internal/metering"
	"github.com/chatpay/billing-engine/internal/middleware"
	"github.com/chatpay/billing-engine/internal/observability"
	"github.com/chatpay/billing-engine/internal/rates"
	"github.com/chatpay/billing-engine/internal/repository"
	"github.com/chatpay/billing-engine/internal/service"
	"github.com/chatpay/billing-engine/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("billing-engine", cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// A bad rates file is fatal here, never mid-call.
	rateTable, err := rates.Load(cfg.RatesFile)
	if err != nil {
		logger.Error("failed to load rate table", "error", err)
		os.Exit(1)
	}
	if err := rateTable.Watch(ctx, logger); err != nil {
		logger.Error("failed to watch rate table", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(registry)

	walletRepo := repository.NewWalletRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	rechargeRepo := repository.NewRechargeEventRepository(db)
	idemRepo := repository.NewIdempotencyRepository(db)

	ledgerSvc := ledger.NewService(walletRepo, ledgerRepo, db)
	tracker := session.NewTracker(sessionRepo)

	subscribers := []events.Subscriber{events.NewLogNotifier(logger), metrics}
	if cfg.NATSURL != "" {
		natsPub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer natsPub.Close()
		subscribers = append(subscribers, natsPub)
	}
	// The publisher outlives the signal context: workers publish their
	// terminal transitions during shutdown and those must still go out.
	pubCtx, pubCancel := context.WithCancel(context.Background())
	defer pubCancel()
	publisher := events.NewPublisher(logger, subscribers...)
	publisher.Start(pubCtx)

	coordinator := metering.NewCoordinator(tracker, ledgerSvc, rateTable, publisher, metrics, metering.Config{
		TickInterval:        cfg.TickInterval(),
		RingTimeout:         cfg.RingTimeout(),
		LowBalanceThreshold: cfg.LowBalanceThreshold,
		RetryAttempts:       cfg.LedgerRetryAttempts,
		RetryInitial:        cfg.LedgerRetryInitial(),
	}, logger)
	coordinator.Start(ctx)

	if err := coordinator.RecoverStale(ctx); err != nil {
		logger.Error("failed to recover stale sessions", "error", err)
		os.Exit(1)
	}

	rechargeProc := service.NewRechargeProcessor(rechargeRepo, ledgerSvc, logger, cfg.RechargePollInterval())
	go rechargeProc.Start(ctx)

	callHandler := handler.NewCallHandler(coordinator, tracker)
	walletHandler := handler.NewWalletHandler(ledgerSvc, ledgerRepo)
	webhookHandler := handler.NewWebhookHandler(rechargeRepo, cfg.WebhookSecret)

	authMW := middleware.Auth(cfg.JWTSecret)
	idemMW := middleware.Idempotency(idemRepo)

	protected := func(h http.HandlerFunc) http.Handler { return authMW(h) }
	idempotent := func(h http.HandlerFunc) http.Handler { return authMW(idemMW(h)) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.Handle("POST /api/v1/calls", idempotent(callHandler.InitiateCall))
	mux.Handle("POST /api/v1/calls/{id}/accept", protected(callHandler.Accept))
	mux.Handle("POST /api/v1/calls/{id}/decline", protected(callHandler.Decline))
	mux.Handle("POST /api/v1/calls/{id}/hangup", protected(callHandler.Hangup))
	mux.Handle("GET /api/v1/calls/{id}", protected(callHandler.GetCall))

	mux.Handle("GET /api/v1/wallet", protected(walletHandler.GetWallet))
	mux.Handle("GET /api/v1/wallet/transactions", protected(walletHandler.GetTransactions))

	mux.HandleFunc("POST /api/v1/webhooks/payments", webhookHandler.ReceiveRecharge)

	root := middleware.Recovery(middleware.Tracing(middleware.Logging(mux)))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Live calls get their final reconciling tick before the process exits.
	coordinator.Stop()
	pubCancel()
	publisher.Wait()
	logger.Info("stopped")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		slog.Error("failed to write health response", "error", err)
	}
}
