// Package main runs the downloader process: a worker pool that
// consumes jobs from the broker, extracts media, and publishes
// results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tatoalo/mediaDownloader/internal/api"
	"github.com/tatoalo/mediaDownloader/internal/app"
	"github.com/tatoalo/mediaDownloader/internal/clock/system"
	"github.com/tatoalo/mediaDownloader/internal/config"
	"github.com/tatoalo/mediaDownloader/internal/processor"
	"github.com/tatoalo/mediaDownloader/internal/processor/tiktok"
	"github.com/tatoalo/mediaDownloader/internal/processor/ytdlp"
	"github.com/tatoalo/mediaDownloader/internal/retry"
	"github.com/tatoalo/mediaDownloader/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, "downloader")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init services failed: %v\n", err)
		os.Exit(1)
	}
	logger := services.Logger

	registry := processor.NewRegistry(ytdlp.New(services.Store, ytdlp.Config{
		BinaryPath: cfg.YTDLP.BinaryPath,
		Timeout:    cfg.YTDLP.Timeout,
	}, logger.Named("ytdlp")))
	registry.Register("tiktok.com", tiktok.New(services.Store, cfg.TikTok, logger.Named("tiktok")))

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	pool := worker.New(
		services.Queues,
		services.Queues,
		services.Cache,
		services.Store,
		registry,
		system.New(),
		worker.Config{
			Concurrency:   cfg.Worker.Concurrency,
			MaxVideoBytes: cfg.Worker.MaxVideoBytes,
			MaxImageBytes: cfg.Worker.MaxImageBytes,
			ExtractRetry:  policy,
			PublishRetry:  policy,
		},
		logger.Named("worker"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewOpsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("ops server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
			stop()
		}
	}()

	logger.Info("worker pool started", zap.Int("concurrency", cfg.Worker.Concurrency))
	pool.Run(ctx)

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := services.Close(shutdownCtx); err != nil {
		logger.Error("service shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
