// Package main is the entry point for workerbench, a local development
// runtime that emulates an edge compute platform's HTTP/cron/queue/email
// triggers and storage bindings against a single SQLite database plus a
// filesystem blob store (spec.md §1).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aristath/workerbench/internal/assets"
	"github.com/aristath/workerbench/internal/backup"
	"github.com/aristath/workerbench/internal/config"
	"github.com/aristath/workerbench/internal/database"
	"github.com/aristath/workerbench/internal/diagnostics"
	"github.com/aristath/workerbench/internal/dispatch"
	"github.com/aristath/workerbench/internal/events"
	"github.com/aristath/workerbench/internal/generation"
	"github.com/aristath/workerbench/internal/modload"
	"github.com/aristath/workerbench/internal/servicebinding"
	"github.com/aristath/workerbench/pkg/logger"
)

// main orchestrates the `dev` run's startup sequence:
//  1. Parse flags (--config, --data-dir, --module).
//  2. Load config, then the structured logger.
//  3. Check for and apply a pending staged restore, before any database
//     is opened.
//  4. Open the database, wire the event bus and service registry.
//  5. Load the user Module (plugin, or the built-in echo default) and
//     register it as the first generation.
//  6. Start the optional asset server, backup service, and diagnostics
//     sampler.
//  7. Serve HTTP until SIGINT/SIGTERM, then shut everything down in
//     reverse order.
func main() {
	var configPath, dataDirFlag, modulePath string
	flag.StringVar(&configPath, "config", "workerbench.json", "path to the binding configuration file")
	flag.StringVar(&dataDirFlag, "data-dir", "", "data directory path (overrides WORKERBENCH_DATA_DIR)")
	flag.StringVar(&modulePath, "module", "", "path to a Go plugin (.so) exporting NewModule; the built-in echo handler is used if empty")
	flag.Parse()

	cfg, err := config.Load(configPath, dataDirFlag)
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	log.Info().Str("name", cfg.Name).Msg("starting workerbench")

	// Check for a pending restore before opening any database, so a
	// staged restore never races a live connection (spec.md §5
	// expansion, grounded on the teacher's restore-before-DI ordering).
	restoreSvc := backup.NewRestoreService(nil, cfg.DataDir, log)
	if pending, err := restoreSvc.CheckPendingRestore(); err != nil {
		log.Error().Err(err).Msg("failed to check for pending restore")
	} else if pending {
		log.Warn().Msg("pending restore detected, executing staged restore")
		if err := restoreSvc.ExecuteStagedRestore(); err != nil {
			log.Fatal().Err(err).Msg("failed to execute staged restore")
		}
		log.Info().Msg("restore completed, proceeding with normal startup")
	}

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	bus := events.NewBus(log)
	registry := servicebinding.NewRegistry()
	mgr := generation.NewManager(db, cfg, bus, registry, log)

	var mod *generation.Module
	if modulePath == "" {
		mod = modload.Default()
	} else {
		mod, err = modload.FromPlugin(modulePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load module")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := mgr.Reload(ctx, mod, cfg.Name); err != nil {
		log.Fatal().Err(err).Msg("failed to start first generation")
	}

	var assetServer *assets.Server
	if cfg.Assets != nil {
		assetServer, err = assets.New(assets.Config{
			Root:                cfg.Assets.Directory,
			HTMLHandling:        assets.HTMLHandling(cfg.Assets.HTMLHandling),
			NotFoundHandling:    assets.NotFoundHandling(cfg.Assets.NotFoundHandling),
			MaxStaticRedirects:  cfg.Assets.MaxStaticRedirect,
			MaxDynamicRedirects: cfg.Assets.MaxDynRedirect,
			MaxHeaderRules:      cfg.Assets.MaxHeaderRules,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start asset server")
		}
	}

	var backupSvc *backup.Service
	if cfg.Backup != nil && cfg.Backup.Enabled {
		client, err := backup.NewClient(cfg.Backup.AccountID, cfg.Backup.AccessKeyID, cfg.Backup.SecretAccessKey, cfg.Backup.Bucket, log)
		if err != nil {
			log.Error().Err(err).Msg("failed to construct backup client, backups disabled")
		} else {
			interval := time.Duration(cfg.Backup.IntervalSeconds) * time.Second
			backupSvc = backup.NewService(client, db, interval, log)
			backupSvc.Start(ctx, bus)
			log.Info().Msg("backup service started")
		}
	}

	sampler := diagnostics.New(db, diagnostics.DefaultInterval, log)
	sampler.Start(ctx)

	runWorkerFirst := cfg.Assets == nil || cfg.Assets.RunWorkerFirst
	d := dispatch.New(db, mgr, assetServer, runWorkerFirst, log)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: d.Router(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("workerbench listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down workerbench")
	cancel()
	sampler.Stop()
	if backupSvc != nil {
		backupSvc.Stop()
		log.Info().Msg("backup service stopped")
	}
	mgr.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("workerbench stopped")
}
