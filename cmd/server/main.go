// escrowd - Escrow orchestration for agent-to-agent commerce
package main

import (
	"context"
	"os"

	"github.com/nexusans/escrowd/internal/config"
	"github.com/nexusans/escrowd/internal/logging"
	"github.com/nexusans/escrowd/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting escrowd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"vault", cfg.VaultAddress,
		"rpc", cfg.RPCURL,
	)

	opts := []server.Option{server.WithLogger(logger)}
	if os.Getenv("RUN_BACKGROUND_JOBS") == "true" {
		opts = append(opts, server.WithBackgroundJobs())
	}

	// Create and run server
	srv, err := server.New(cfg, opts...)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
