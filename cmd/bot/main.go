// Package main runs the bot process: it accepts media submissions
// over HTTP, dispatches them as jobs, and turns worker results into
// delivery events for the chat frontend.
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

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/tatoalo/mediaDownloader/internal/api"
	"github.com/tatoalo/mediaDownloader/internal/app"
	"github.com/tatoalo/mediaDownloader/internal/clock/system"
	"github.com/tatoalo/mediaDownloader/internal/config"
	deliverymemory "github.com/tatoalo/mediaDownloader/internal/delivery/memory"
	deliverypubsub "github.com/tatoalo/mediaDownloader/internal/delivery/pubsub"
	"github.com/tatoalo/mediaDownloader/internal/dispatcher"
	"github.com/tatoalo/mediaDownloader/internal/id/uuid"
	"github.com/tatoalo/mediaDownloader/internal/pipeline"
	"github.com/tatoalo/mediaDownloader/internal/retry"
	"github.com/tatoalo/mediaDownloader/internal/sites"
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

	services, err := app.New(ctx, cfg, "bot")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init services failed: %v\n", err)
		os.Exit(1)
	}
	logger := services.Logger

	deliverer, closeDeliverer, err := newDeliverer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init deliverer failed", zap.Error(err))
	}

	dispatch := dispatcher.New(
		sites.NewWhitelist(cfg.Sites.Whitelist),
		services.Queues,
		services.Queues,
		services.Store,
		deliverer,
		system.New(),
		uuid.New(),
		dispatcher.Config{
			PublishRetry: retry.Policy{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay,
				MaxDelay:    cfg.Retry.MaxDelay,
			},
			ResultTimeout: cfg.Dispatcher.ResultTimeout,
			SweepInterval: cfg.Dispatcher.SweepInterval,
			MaxFailures:   cfg.Dispatcher.MaxFailures,
		},
		logger.Named("dispatcher"),
	)

	apiServer := api.NewServer(services.Cache, dispatch, dispatch, api.Config{
		APIKey: cfg.Server.APIKey,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started")
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	closeDeliverer()
	if err := services.Close(shutdownCtx); err != nil {
		logger.Error("service shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newDeliverer picks the delivery boundary: the notification topic
// when Pub/Sub is configured, a logging stand-in otherwise.
func newDeliverer(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.Deliverer, func(), error) {
	if cfg.Broker.ProjectID == "" {
		logger.Info("using in-memory deliverer, events are logged only")
		return deliverymemory.New(logger.Named("delivery")), func() {}, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.Broker.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Broker.NotificationTopic)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("check notification topic: %w", err)
	}
	if !ok {
		_ = client.Close()
		return nil, nil, fmt.Errorf("notification topic %q does not exist", cfg.Broker.NotificationTopic)
	}
	closeFn := func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("close delivery client", zap.Error(err))
		}
	}
	return deliverypubsub.New(topic), closeFn, nil
}
