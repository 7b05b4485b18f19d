package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/thoscut/ocrflow/internal/api"
	"github.com/thoscut/ocrflow/internal/cleaner"
	"github.com/thoscut/ocrflow/internal/config"
	"github.com/thoscut/ocrflow/internal/jobs"
	"github.com/thoscut/ocrflow/internal/observe"
	"github.com/thoscut/ocrflow/internal/ocr"
	"github.com/thoscut/ocrflow/internal/output"
	"github.com/thoscut/ocrflow/internal/pipeline"
	"github.com/thoscut/ocrflow/internal/raster"
	"github.com/thoscut/ocrflow/internal/scratch"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/ocrflow/server.toml", "path to config file")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("ocrflow-server", version)
		os.Exit(0)
	}

	// Local overrides for development; absent files are fine.
	godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logging
	setupLogging(cfg.Logging)

	slog.Info("starting ocrflow-server", "version", version)

	// Scratch space for uploaded documents and page images
	scratchMgr, err := scratch.NewManager(cfg.Processing.TempDirectory)
	if err != nil {
		slog.Error("failed to prepare scratch directory", "dir", cfg.Processing.TempDirectory, "error", err)
		os.Exit(1)
	}

	profilesDir := filepath.Join(filepath.Dir(*configPath), "profiles")
	profiles, err := config.NewProfileStore(profilesDir)
	if err != nil {
		slog.Warn("failed to load profiles from directory, using defaults", "dir", profilesDir, "error", err)
		profiles, _ = config.NewProfileStore("")
	}

	rasterizer := raster.New(raster.Options{
		DPI:          cfg.Processing.Raster.DPI,
		MaxDimension: cfg.Processing.Raster.MaxDimension,
		JPEGQuality:  cfg.Processing.Raster.JPEGQuality,
	})

	worker := ocr.NewWorker(ocr.NewTesseractEngine(), ocr.WorkerConfig{
		Timeout:     cfg.Processing.OCR.Timeout.Duration(),
		Retries:     cfg.Processing.OCR.Retries,
		Backoff:     cfg.Processing.OCR.RetryBackoff.Duration(),
		PageSegMode: cfg.Processing.OCR.PageSegMode,
	})

	var cl cleaner.Cleaner
	if cfg.Processing.Cleaning.Enabled {
		cl = cleaner.NewVietnameseCleaner()
	}

	pipe := pipeline.New(scratchMgr, pipeline.NewRenderer(rasterizer), worker, cl, cfg.Processing.MaxParallelPages)

	registry := jobs.NewRegistry()
	outputs := output.NewManager(cfg.Output)
	metrics := observe.NewMetrics()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Evict finished sessions and reclaim their scratch space.
	go registry.RunSweeper(ctx, cfg.Sessions.SweepInterval.Duration(), cfg.Sessions.Retention.Duration())

	// Create and start API server
	srv := api.NewServer(cfg, registry, profiles, pipe, outputs, metrics)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
