// Package main is the entry point for sketchd, the cardinality sketch service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fidde/cardinality_sketch/internal/api"
	"github.com/fidde/cardinality_sketch/internal/config"
	"github.com/fidde/cardinality_sketch/internal/observability"
	"github.com/fidde/cardinality_sketch/internal/receiver"
	"github.com/fidde/cardinality_sketch/internal/registry"
	"github.com/fidde/cardinality_sketch/internal/storage"
	"github.com/fidde/cardinality_sketch/internal/storage/sessions"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "sketchd",
		Short:         "Cardinality sketch service with OTLP ingest",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to sketchd.yaml (default: ./sketchd.yaml or /etc/sketchd/sketchd.yaml)")
	return cmd
}

func storageConfig(cfg config.StorageConfig) storage.Config {
	return storage.Config{
		Backend:            cfg.Backend,
		SQLitePath:         cfg.SQLitePath,
		ClickHouseAddr:     cfg.ClickHouse.Addr,
		ClickHouseDatabase: cfg.ClickHouse.Database,
		ClickHouseUser:     cfg.ClickHouse.User,
		ClickHousePassword: cfg.ClickHouse.Password,
		BatchSize:          cfg.BatchSize,
		FlushInterval:      cfg.FlushInterval,
		Primary:            cfg.Primary,
		Secondary:          cfg.Secondary,
	}
}

// run starts every component and blocks until ctx is cancelled or a server fails.
func run(ctx context.Context, cfg *config.Config) error {
	logger := config.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	logger.Info("starting sketchd",
		"version", version,
		"variant", cfg.Sketch.Variant,
		"precision", cfg.Sketch.Precision,
		"backend", cfg.Storage.Backend)

	metrics := observability.NewMetrics()

	reg, err := registry.New(registry.Options{
		Defaults:    cfg.Sketch.Spec(),
		MaxSketches: cfg.Sketch.MaxSketches,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("creating registry: %w", err)
	}

	store, err := storage.NewStore(ctx, storageConfig(cfg.Storage), logger)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing storage", "error", err)
		}
	}()

	if cfg.Storage.RestoreOnStart {
		restored, err := reg.Restore(ctx, store)
		if err != nil {
			return fmt.Errorf("restoring sketches: %w", err)
		}
		logger.Info("restored sketches", "count", restored)
	}

	if cfg.Sketch.SeedFile != "" {
		if err := applySeeds(reg, cfg.Sketch.SeedFile, logger); err != nil {
			return err
		}
	}

	sessionStore, err := sessions.NewWithConfig(sessions.Config{
		SessionDir:     cfg.Sessions.Dir,
		MaxSessionSize: cfg.Sessions.MaxSize,
		MaxSessions:    cfg.Sessions.MaxSessions,
	})
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	httpReceiver := receiver.NewHTTPReceiver(cfg.Server.OTLPHTTPAddr, reg, logger, metrics)
	grpcReceiver := receiver.NewGRPCReceiver(cfg.Server.OTLPGRPCAddr, reg, logger, metrics)
	apiServer := api.NewServer(api.Options{
		Addr:     cfg.Server.APIAddr,
		Registry: reg,
		Store:    store,
		Sessions: sessionStore,
		Metrics:  metrics,
		Logger:   logger,
		Version:  version,
	})

	if cfg.Server.PprofAddr != "" {
		go func() {
			logger.Info("pprof listening", "addr", cfg.Server.PprofAddr)
			if err := http.ListenAndServe(cfg.Server.PprofAddr, nil); err != nil {
				logger.Warn("pprof server stopped", "error", err)
			}
		}()
	}

	errChan := make(chan error, 3)
	serve := func(name string, start func() error) {
		if err := start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("%s: %w", name, err)
		}
	}
	go serve("OTLP HTTP receiver", httpReceiver.Start)
	go serve("OTLP gRPC receiver", grpcReceiver.Start)
	go serve("API server", apiServer.Start)

	snapshotsDone := make(chan struct{})
	snapshotCtx, stopSnapshots := context.WithCancel(ctx)
	go func() {
		defer close(snapshotsDone)
		runSnapshots(snapshotCtx, reg, store, cfg.Storage.SnapshotInterval, logger)
	}()

	var runErr error
	select {
	case runErr = <-errChan:
		logger.Error("server failed", "error", runErr)
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	stopSnapshots()
	<-snapshotsDone

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpReceiver.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down OTLP HTTP receiver", "error", err)
	}
	if err := grpcReceiver.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down OTLP gRPC receiver", "error", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down API server", "error", err)
	}

	// Final snapshot once nothing can write anymore.
	if saved, err := reg.Snapshot(shutdownCtx, store, false); err != nil {
		logger.Error("final snapshot failed", "error", err)
	} else {
		logger.Info("final snapshot", "saved", saved)
	}

	logger.Info("shutdown complete")
	return runErr
}

// applySeeds creates the sketches declared in the seed file. Sketches that
// already exist (restored from storage) keep their state.
func applySeeds(reg *registry.Registry, path string, logger *slog.Logger) error {
	seeds, err := config.LoadSeeds(path)
	if err != nil {
		return err
	}

	created := 0
	for _, seed := range seeds {
		_, err := reg.Create(seed.Name, seed.SketchSpec)
		if errors.Is(err, models.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed %q: %w", seed.Name, err)
		}
		created++
	}

	logger.Info("applied sketch seeds", "file", path, "created", created, "declared", len(seeds))
	return nil
}

// runSnapshots persists changed sketches every interval until ctx is done.
// A zero interval disables periodic snapshots.
func runSnapshots(ctx context.Context, reg *registry.Registry, store storage.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			saved, err := reg.Snapshot(ctx, store, false)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Error("snapshot failed", "error", err, "saved", saved)
				}
				continue
			}
			if saved > 0 {
				logger.Debug("snapshot", "saved", saved, "duration", time.Since(start))
			}
		}
	}
}
