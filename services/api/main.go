package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/emeraldleaf/riparian-poc/internal/config"
	"github.com/emeraldleaf/riparian-poc/internal/db"
	"github.com/emeraldleaf/riparian-poc/internal/logging"
	"github.com/emeraldleaf/riparian-poc/internal/runs"
	httpserver "github.com/emeraldleaf/riparian-poc/services/api/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.New(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer store.Close()

	tracker := runs.New(store.Pool(), log)

	srv := httpserver.New(cfg, store, tracker)
	log.Info("REST API listening", "addr", cfg.ListenAddr())

	return srv.Run(ctx)
}
