package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ccheshirecat/fleet/internal/server/app"
	"github.com/ccheshirecat/fleet/internal/server/config"
	"github.com/ccheshirecat/fleet/internal/shared/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("fleetd")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	daemon, err := app.New(ctx, app.Params{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("init app", "error", err)
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exit", "error", err)
		os.Exit(1)
	}
}
