package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/emeraldleaf/riparian-poc/internal/arcgis"
	"github.com/emeraldleaf/riparian-poc/internal/config"
	"github.com/emeraldleaf/riparian-poc/internal/db"
	"github.com/emeraldleaf/riparian-poc/internal/imagery"
	"github.com/emeraldleaf/riparian-poc/internal/logging"
	"github.com/emeraldleaf/riparian-poc/internal/ndvi"
	"github.com/emeraldleaf/riparian-poc/internal/pipeline"
	"github.com/emeraldleaf/riparian-poc/internal/runs"
	"github.com/emeraldleaf/riparian-poc/internal/scheduler"
	"github.com/emeraldleaf/riparian-poc/internal/stac"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "etl failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	mode := flag.String("mode", "",
		"run mode: full, incremental, ndvi, all, scheduled (default: ETL_MODE or full)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	selected := *mode
	if selected == "" {
		selected = envOr("ETL_MODE", "full")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.New(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer store.Close()

	client := arcgis.NewClient(cfg.RequestTimeout)
	pipe := pipeline.New(cfg, client, store, log)
	tracker := runs.New(store.Pool(), log)

	var veg pipeline.VegetationScorer
	if cfg.RasterAPIURL != "" {
		catalog := stac.NewClient(cfg.STACURL, cfg.STACCollection, cfg.RequestTimeout)
		clipper := imagery.NewClient(cfg.RasterAPIURL, cfg.RequestTimeout)
		veg = ndvi.NewProcessor(catalog, clipper, store, ndvi.Options{
			HUC8:          cfg.HUC8,
			MaxCloudCover: cfg.MaxCloudCover,
			Satellite:     cfg.Satellite,
			Policy: ndvi.Policy{
				SeasonStart:       cfg.GrowingSeasonStart,
				SeasonEnd:         cfg.GrowingSeasonEnd,
				HealthyThreshold:  cfg.HealthyThreshold,
				DegradedThreshold: cfg.DegradedThreshold,
			},
		}, log)
	}

	orch := pipeline.NewOrchestrator(pipe, store, veg, tracker, log)

	if selected == "scheduled" {
		sched, err := scheduler.New(cfg, orch.Run, log)
		if err != nil {
			return err
		}
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}

	return orch.Run(ctx, selected)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
