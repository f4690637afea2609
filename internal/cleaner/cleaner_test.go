package cleaner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cachememory "github.com/tatoalo/mediaDownloader/internal/cache/memory"
	"github.com/tatoalo/mediaDownloader/internal/metrics"
	"github.com/tatoalo/mediaDownloader/internal/pipeline"
	storememory "github.com/tatoalo/mediaDownloader/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func putArtifact(t *testing.T, store *storememory.Store, cache *cachememory.Cache, fp string, createdAt time.Time) pipeline.Artifact {
	t.Helper()
	store.SetNow(func() time.Time { return createdAt })
	artifact, err := store.Put(context.Background(), fp, pipeline.MediaVideo, []pipeline.ArtifactFile{
		{Name: fp + ".mp4", Data: strings.NewReader("payload")},
	})
	require.NoError(t, err)
	_, err = cache.InsertIfAbsent(context.Background(), fp, artifact.Ref, createdAt)
	require.NoError(t, err)
	return artifact
}

func TestPassRemovesOnlyExpiredArtifacts(t *testing.T) {
	store := storememory.New()
	cache := cachememory.New()
	now := time.Unix(1700000000, 0).UTC()

	old := putArtifact(t, store, cache, "old", now.Add(-48*time.Hour))
	fresh := putArtifact(t, store, cache, "fresh", now.Add(-time.Hour))

	c := New(store, cache, &fakeClock{now: now}, Config{Horizon: 24 * time.Hour}, zap.NewNop())
	report, err := c.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Examined)
	require.Equal(t, 1, report.Removed)
	require.Empty(t, report.RemoveFailures)

	_, err = store.Stat(context.Background(), old.Ref)
	require.Error(t, err)
	_, found, err := cache.Lookup(context.Background(), "old")
	require.NoError(t, err)
	require.False(t, found)

	_, err = store.Stat(context.Background(), fresh.Ref)
	require.NoError(t, err)
	_, found, err = cache.Lookup(context.Background(), "fresh")
	require.NoError(t, err)
	require.True(t, found)
}

func TestPassRepairsDanglingCacheEntries(t *testing.T) {
	store := storememory.New()
	cache := cachememory.New()
	now := time.Unix(1700000000, 0).UTC()

	_, err := cache.InsertIfAbsent(context.Background(), "ghost", "memory://ghost", now)
	require.NoError(t, err)

	c := New(store, cache, &fakeClock{now: now}, Config{Horizon: 24 * time.Hour}, zap.NewNop())
	report, err := c.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Repaired)

	_, found, err := cache.Lookup(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, found)
}

type failingStore struct {
	*storememory.Store
	failRef string
}

func (s *failingStore) Remove(ctx context.Context, ref string) error {
	if ref == s.failRef {
		return pipeline.E(pipeline.KindStorageError, "stuck artifact")
	}
	return s.Store.Remove(ctx, ref)
}

func TestPassContinuesPastRemovalFailure(t *testing.T) {
	inner := storememory.New()
	cache := cachememory.New()
	now := time.Unix(1700000000, 0).UTC()

	stuck := putArtifact(t, inner, cache, "stuck", now.Add(-48*time.Hour))
	putArtifact(t, inner, cache, "other", now.Add(-49*time.Hour))

	store := &failingStore{Store: inner, failRef: stuck.Ref}
	c := New(store, cache, &fakeClock{now: now}, Config{Horizon: 24 * time.Hour}, zap.NewNop())
	report, err := c.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Examined)
	require.Equal(t, 1, report.Removed)
	require.Len(t, report.RemoveFailures, 1)

	// The stuck artifact's cache entry must survive: removing it
	// before the artifact would leave cached bytes unreachable to
	// later passes.
	_, found, err := cache.Lookup(context.Background(), "stuck")
	require.NoError(t, err)
	require.True(t, found)
}

func TestPassSkipsWhenAlreadyRunning(t *testing.T) {
	store := storememory.New()
	cache := cachememory.New()
	now := time.Unix(1700000000, 0).UTC()

	c := New(store, cache, &fakeClock{now: now}, Config{Horizon: 24 * time.Hour}, zap.NewNop())
	c.running.Store(true)

	report, err := c.Pass(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Examined)
	require.True(t, report.Started.IsZero())
}

func TestPassSendsHeartbeat(t *testing.T) {
	var pings atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pings.Add(1)
	}))
	defer server.Close()

	c := New(storememory.New(), cachememory.New(), &fakeClock{now: time.Now()},
		Config{Horizon: 24 * time.Hour, HeartbeatURL: server.URL}, zap.NewNop())

	_, err := c.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), pings.Load())
}
