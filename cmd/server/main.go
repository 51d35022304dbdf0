// Otcbridge - escrow lifecycle engine for chat-brokered token trades
package main

import (
	"os"

	"github.com/otcbridge/otcbridge/internal/config"
	"github.com/otcbridge/otcbridge/internal/logging"
	"github.com/otcbridge/otcbridge/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting otcbridge",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"deposit_address", cfg.DepositAddress,
	)

	srv, err := server.New(cfg)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
