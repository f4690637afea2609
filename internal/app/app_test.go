package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tatoalo/mediaDownloader/internal/app"
	"github.com/tatoalo/mediaDownloader/internal/config"
)

func memoryConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Sites:   config.SitesConfig{Whitelist: []string{"tiktok.com"}},
		Storage: config.StorageConfig{Backend: "memory"},
		Worker:  config.WorkerConfig{Concurrency: 1},
		Retry:   config.RetryConfig{MaxAttempts: 1},
	}
}

func TestNewWithMemoryBackends(t *testing.T) {
	ctx := context.Background()

	a, err := app.New(ctx, memoryConfig(), "test")
	require.NoError(t, err)

	require.NotNil(t, a.Logger)
	require.NotNil(t, a.Cache)
	require.NotNil(t, a.Store)
	require.NotNil(t, a.Queues)

	require.NoError(t, a.Close(ctx))
}

func TestNewRejectsUnknownStorageBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Backend = "tape"

	_, err := app.New(context.Background(), cfg, "test")
	require.Error(t, err)
}
