// Command server runs the reservd escrow reservation API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/brickvest/reservd/internal/config"
	"github.com/brickvest/reservd/internal/logging"
	"github.com/brickvest/reservd/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reservd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	format := "text"
	if cfg.Env == "production" {
		format = "json"
	}
	logger := logging.New(cfg.LogLevel, format)

	logger.Info("starting reservd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"escrow_contract", cfg.EscrowContract,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if err := srv.Run(context.Background()); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
