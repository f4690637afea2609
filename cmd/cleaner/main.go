// Package main runs the cleaner process: periodic retention passes
// over the artifact store and the dedup cache.
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
	"github.com/tatoalo/mediaDownloader/internal/cleaner"
	"github.com/tatoalo/mediaDownloader/internal/clock/system"
	"github.com/tatoalo/mediaDownloader/internal/config"
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

	services, err := app.New(ctx, cfg, "cleaner")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init services failed: %v\n", err)
		os.Exit(1)
	}
	logger := services.Logger

	clean := cleaner.New(services.Store, services.Cache, system.New(), cleaner.Config{
		Horizon:      cfg.Cleaner.Horizon,
		Interval:     cfg.Cleaner.Interval,
		HeartbeatURL: cfg.Cleaner.HeartbeatURL,
	}, logger.Named("cleaner"))

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

	logger.Info("retention loop started",
		zap.Duration("horizon", cfg.Cleaner.Horizon),
		zap.Duration("interval", cfg.Cleaner.Interval),
	)
	clean.Run(ctx)

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
