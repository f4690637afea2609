// Package app initializes the long-lived services shared by the three
// binaries, acting as a small dependency injection container.
package app

import (
	"context"
	"fmt"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	brokermemory "github.com/tatoalo/mediaDownloader/internal/broker/memory"
	brokerpubsub "github.com/tatoalo/mediaDownloader/internal/broker/pubsub"
	cachememory "github.com/tatoalo/mediaDownloader/internal/cache/memory"
	cachepostgres "github.com/tatoalo/mediaDownloader/internal/cache/postgres"
	"github.com/tatoalo/mediaDownloader/internal/config"
	"github.com/tatoalo/mediaDownloader/internal/logging"
	"github.com/tatoalo/mediaDownloader/internal/metrics"
	"github.com/tatoalo/mediaDownloader/internal/pipeline"
	storagegcs "github.com/tatoalo/mediaDownloader/internal/storage/gcs"
	storagelocal "github.com/tatoalo/mediaDownloader/internal/storage/local"
	storagememory "github.com/tatoalo/mediaDownloader/internal/storage/memory"
	"github.com/tatoalo/mediaDownloader/internal/telemetry"
)

// Version is stamped at build time.
var Version = "dev"

// Queues is the broker surface the processes share.
type Queues interface {
	pipeline.JobQueue
	pipeline.ResultQueue
}

// App holds the shared services for one process.
type App struct {
	Logger *zap.Logger
	Cfg    config.Config
	Cache  pipeline.Cache
	Store  pipeline.ArtifactStore
	Queues Queues

	closers []func(context.Context) error
}

// New initializes logging, telemetry, the dedup cache, the artifact
// store, and the broker for the named process. It fails fast: a
// missing downstream at startup is an exit, not a degraded run.
func New(ctx context.Context, cfg config.Config, process string) (*App, error) {
	logger, err := logging.NewFor(process, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	metrics.Init()
	if _, _, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		APIKey:      cfg.Telemetry.APIKey,
		ServiceName: "media-downloader-" + process,
		Version:     Version,
	}); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	a := &App{Logger: logger, Cfg: cfg}
	a.closers = append(a.closers, telemetry.Shutdown)

	if err := a.initCache(ctx); err != nil {
		return nil, err
	}
	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initQueues(ctx); err != nil {
		return nil, err
	}

	logger.Info("services initialized",
		zap.String("process", process),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("pubsub", cfg.Broker.ProjectID != ""),
		zap.Bool("postgres_cache", cfg.Cache.DSN != ""),
	)
	return a, nil
}

func (a *App) initCache(ctx context.Context) error {
	if a.Cfg.Cache.DSN == "" {
		a.Logger.Info("using in-memory dedup cache, entries are lost on restart")
		a.Cache = cachememory.New()
		return nil
	}
	cache, err := cachepostgres.New(ctx, cachepostgres.Config{
		DSN:             a.Cfg.Cache.DSN,
		Table:           a.Cfg.Cache.Table,
		MaxConns:        a.Cfg.Cache.MaxConns,
		MinConns:        a.Cfg.Cache.MinConns,
		MaxConnLifetime: a.Cfg.Cache.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("init postgres cache: %w", err)
	}
	a.Cache = cache
	a.closers = append(a.closers, func(context.Context) error {
		cache.Close()
		return nil
	})
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.Cfg.Storage.Backend {
	case "local":
		store, err := storagelocal.New(storagelocal.Config{BaseDir: a.Cfg.Storage.BasePath})
		if err != nil {
			return fmt.Errorf("init local store: %w", err)
		}
		a.Store = store
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		store, err := storagegcs.New(client, storagegcs.Config{
			Bucket: a.Cfg.Storage.GCSBucket,
			Prefix: a.Cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("init gcs store: %w", err)
		}
		a.Store = store
		a.closers = append(a.closers, func(context.Context) error {
			return client.Close()
		})
	case "memory":
		a.Store = storagememory.New()
	default:
		return fmt.Errorf("unknown storage backend %q", a.Cfg.Storage.Backend)
	}
	return nil
}

func (a *App) initQueues(ctx context.Context) error {
	if a.Cfg.Broker.ProjectID == "" {
		a.Logger.Info("using in-memory broker, queues are process-local")
		broker := brokermemory.New(64)
		a.Queues = broker
		a.closers = append(a.closers, func(context.Context) error {
			broker.Close()
			return nil
		})
		return nil
	}
	broker, err := brokerpubsub.New(ctx, brokerpubsub.Config{
		ProjectID:          a.Cfg.Broker.ProjectID,
		JobTopic:           a.Cfg.Broker.JobTopic,
		JobSubscription:    a.Cfg.Broker.JobSubscription,
		ResultTopic:        a.Cfg.Broker.ResultTopic,
		ResultSubscription: a.Cfg.Broker.ResultSubscription,
	}, a.Logger.Named("broker"))
	if err != nil {
		return fmt.Errorf("init pubsub broker: %w", err)
	}
	a.Queues = broker
	a.closers = append(a.closers, func(context.Context) error {
		return broker.Close()
	})
	return nil
}

// Close releases services in reverse initialization order.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.Logger.Sync(); err != nil && firstErr == nil {
		// Sync on stderr fails in most terminals, not worth surfacing.
		firstErr = nil
	}
	return firstErr
}
