// Command worker runs the background loops: the webhook retry worker and
// the escrow expiry sweep. Deployments that rely on an external scheduler
// hitting the /v1/cron endpoints don't need it.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/nexusans/escrowd/internal/config"
	"github.com/nexusans/escrowd/internal/escrow"
	"github.com/nexusans/escrowd/internal/ledger"
	"github.com/nexusans/escrowd/internal/logging"
	"github.com/nexusans/escrowd/internal/oracle"
	"github.com/nexusans/escrowd/internal/sellers"
	"github.com/nexusans/escrowd/internal/webhooks"
)

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), "json")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required: the worker shares state with the API through PostgreSQL")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	whLog := logging.Component(logger, "webhooks")
	queue := webhooks.NewQueue(webhooks.NewPostgresStore(db), webhooks.Options{
		MaxAttempts:      cfg.WebhookMaxAttempts,
		BatchSize:        cfg.WebhookBatchSize,
		AttemptTimeout:   cfg.WebhookAttemptTimeout,
		ImmediateTimeout: cfg.WebhookImmediateTimeout,
	}, whLog)
	notifier := webhooks.NewNotifier(queue, whLog)

	gateway := ledger.NewRPCGateway(cfg.RPCURL, cfg.SignerURL, logging.Component(logger, "ledger"))
	resolver := sellers.NewStoreResolver(sellers.NewPostgresStore(db))

	escLog := logging.Component(logger, "escrow")
	svc := escrow.NewService(escrow.NewPostgresStore(db), gateway, escrow.Params{
		VaultAddress:     cfg.VaultAddress,
		FeePercent:       cfg.FeePercent,
		LockTolerancePct: cfg.LockTolerancePct,
		ExpiryWindow:     cfg.ExpiryWindow,
	}, escLog).
		WithResolver(resolver).
		WithVerifier(oracle.New(cfg.OracleTimeout, cfg.OracleAutoVerify, logging.Component(logger, "oracle"))).
		WithNotifier(notifier)

	retryWorker := webhooks.NewWorker(queue, cfg.WebhookRetryInterval, whLog)
	expiryTimer := escrow.NewTimer(svc, cfg.WebhookRetryInterval, escLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go retryWorker.Start(ctx)
	go expiryTimer.Start(ctx)
	logger.Info("worker started",
		"retryInterval", cfg.WebhookRetryInterval,
		"batchSize", cfg.WebhookBatchSize)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())

	cancel()
	retryWorker.Stop()
	expiryTimer.Stop()
	logger.Info("worker stopped")
}
