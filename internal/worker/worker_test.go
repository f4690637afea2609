package worker

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	brokermemory "github.com/tatoalo/mediaDownloader/internal/broker/memory"
	cachememory "github.com/tatoalo/mediaDownloader/internal/cache/memory"
	"github.com/tatoalo/mediaDownloader/internal/metrics"
	"github.com/tatoalo/mediaDownloader/internal/pipeline"
	"github.com/tatoalo/mediaDownloader/internal/processor"
	"github.com/tatoalo/mediaDownloader/internal/retry"
	storememory "github.com/tatoalo/mediaDownloader/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeProcessor struct {
	name        string
	fingerprint string
	extracts    atomic.Int32
	extract     func(ctx context.Context, url string) (pipeline.Artifact, error)
}

func (p *fakeProcessor) Name() string { return p.name }

func (p *fakeProcessor) Fingerprint(string) (string, bool) {
	return p.fingerprint, p.fingerprint != ""
}

func (p *fakeProcessor) Extract(ctx context.Context, url string) (pipeline.Artifact, error) {
	p.extracts.Add(1)
	return p.extract(ctx, url)
}

func storedArtifact(t *testing.T, store *storememory.Store, fp, payload string) pipeline.Artifact {
	t.Helper()
	artifact, err := store.Put(context.Background(), fp, pipeline.MediaVideo, []pipeline.ArtifactFile{
		{Name: fp + ".mp4", Data: strings.NewReader(payload)},
	})
	require.NoError(t, err)
	return artifact
}

func newTestWorker(t *testing.T, store *storememory.Store, cache *cachememory.Cache, proc pipeline.Processor) (*Worker, *brokermemory.Broker) {
	t.Helper()
	broker := brokermemory.New(8)
	t.Cleanup(broker.Close)
	reg := processor.NewRegistry(nil)
	reg.Register("tiktok.com", proc)
	w := New(broker, broker, cache, store, reg, &fakeClock{now: time.Now()}, Config{
		Concurrency:  1,
		ExtractRetry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		PublishRetry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, zap.NewNop())
	return w, broker
}

func job(id string) pipeline.Job {
	return pipeline.Job{
		ID:           id,
		SourceURL:    "https://tiktok.com/@a/video/42",
		ResolvedSite: "tiktok.com",
		RequesterID:  "req-1",
		SubmittedAt:  time.Now(),
	}
}

func TestProcessJobDeliversFreshArtifact(t *testing.T) {
	store := storememory.New()
	cache := cachememory.New()
	proc := &fakeProcessor{name: "tiktok", extract: func(ctx context.Context, url string) (pipeline.Artifact, error) {
		return storedArtifact(t, store, "42", "payload"), nil
	}}
	w, broker := newTestWorker(t, store, cache, proc)

	w.ProcessJob(context.Background(), job("j1"))

	result, err := broker.ReceiveResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeDelivered, result.Outcome)
	require.NotEmpty(t, result.ArtifactRef)

	_, found, err := cache.Lookup(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, found)
}

func TestProcessJobServesCacheHitWithoutExtraction(t *testing.T) {
	store := storememory.New()
	cache := cachememory.New()
	artifact := storedArtifact(t, store, "42", "payload")
	_, err := cache.InsertIfAbsent(context.Background(), "42", artifact.Ref, time.Now())
	require.NoError(t, err)

	proc := &fakeProcessor{name: "tiktok", fingerprint: "42", extract: func(ctx context.Context, url string) (pipeline.Artifact, error) {
		t.Fatal("extract must not run on a cache hit")
		return pipeline.Artifact{}, nil
	}}
	w, broker := newTestWorker(t, store, cache, proc)

	w.ProcessJob(context.Background(), job("j1"))

	result, err := broker.ReceiveResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeDelivered, result.Outcome)
	require.Equal(t, artifact.Ref, result.ArtifactRef)
	require.Equal(t, int32(0), proc.extracts.Load())
}

func TestProcessJobRepairsDanglingCacheEntry(t *testing.T) {
	store := storememory.New()
	cache := cachememory.New()
	_, err := cache.InsertIfAbsent(context.Background(), "42", "memory://gone", time.Now())
	require.NoError(t, err)

	proc := &fakeProcessor{name: "tiktok", fingerprint: "42", extract: func(ctx context.Context, url string) (pipeline.Artifact, error) {
		return storedArtifact(t, store, "42", "fresh"), nil
	}}
	w, broker := newTestWorker(t, store, cache, proc)

	w.ProcessJob(context.Background(), job("j1"))

	result, err := broker.ReceiveResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeDelivered, result.Outcome)
	require.NotEqual(t, "memory://gone", result.ArtifactRef)
	require.Equal(t, int32(1), proc.extracts.Load())

	entry, found, err := cache.Lookup(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, result.ArtifactRef, entry.ArtifactRef)
}

func TestProcessJobRetriesTransientExtraction(t *testing.T) {
	store := storememory.New()
	proc := &fakeProcessor{name: "tiktok"}
	proc.extract = func(ctx context.Context, url string) (pipeline.Artifact, error) {
		if proc.extracts.Load() == 1 {
			return pipeline.Artifact{}, pipeline.E(pipeline.KindNetworkError, "flaky")
		}
		return storedArtifact(t, store, "42", "payload"), nil
	}
	w, broker := newTestWorker(t, store, cachememory.New(), proc)

	w.ProcessJob(context.Background(), job("j1"))

	result, err := broker.ReceiveResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeDelivered, result.Outcome)
	require.Equal(t, int32(2), proc.extracts.Load())
}

func TestProcessJobTerminalExtractionFails(t *testing.T) {
	proc := &fakeProcessor{name: "tiktok", extract: func(ctx context.Context, url string) (pipeline.Artifact, error) {
		return pipeline.Artifact{}, pipeline.E(pipeline.KindContentNotFound, "gone")
	}}
	w, broker := newTestWorker(t, storememory.New(), cachememory.New(), proc)

	w.ProcessJob(context.Background(), job("j1"))

	result, err := broker.ReceiveResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeFailed, result.Outcome)
	require.Equal(t, pipeline.KindContentNotFound, result.Kind)
	require.Equal(t, int32(1), proc.extracts.Load())
}

func TestProcessJobEnforcesVideoSizeCap(t *testing.T) {
	store := storememory.New()
	proc := &fakeProcessor{name: "tiktok", extract: func(ctx context.Context, url string) (pipeline.Artifact, error) {
		return storedArtifact(t, store, "42", strings.Repeat("x", 128)), nil
	}}
	broker := brokermemory.New(8)
	t.Cleanup(broker.Close)
	reg := processor.NewRegistry(nil)
	reg.Register("tiktok.com", proc)
	w := New(broker, broker, cachememory.New(), store, reg, &fakeClock{now: time.Now()}, Config{
		MaxVideoBytes: 64,
		ExtractRetry:  retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		PublishRetry:  retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, zap.NewNop())

	w.ProcessJob(context.Background(), job("j1"))

	result, err := broker.ReceiveResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeFailed, result.Outcome)
	require.Equal(t, pipeline.KindFileSizeExceeded, result.Kind)
	require.Empty(t, store.Refs(), "oversized artifact must be removed")
}

func TestProcessJobUnsupportedSite(t *testing.T) {
	broker := brokermemory.New(8)
	t.Cleanup(broker.Close)
	w := New(broker, broker, cachememory.New(), storememory.New(), processor.NewRegistry(nil),
		&fakeClock{now: time.Now()}, Config{}, zap.NewNop())

	j := job("j1")
	j.ResolvedSite = "example.com"
	w.ProcessJob(context.Background(), j)

	result, err := broker.ReceiveResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeFailed, result.Outcome)
	require.Equal(t, pipeline.KindUnsupportedSource, result.Kind)
}

func TestProcessJobLostRaceAdoptsWinner(t *testing.T) {
	store := storememory.New()
	cache := cachememory.New()
	const winnerRef = "gs://artifacts/42"

	proc := &fakeProcessor{name: "tiktok", extract: func(ctx context.Context, url string) (pipeline.Artifact, error) {
		// Another worker claims the fingerprint mid-extraction.
		_, err := cache.InsertIfAbsent(ctx, "42", winnerRef, time.Now())
		require.NoError(t, err)
		return storedArtifact(t, store, "42", "loser"), nil
	}}
	w, broker := newTestWorker(t, store, cache, proc)

	w.ProcessJob(context.Background(), job("j1"))

	result, err := broker.ReceiveResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeDelivered, result.Outcome)
	require.Equal(t, winnerRef, result.ArtifactRef)
	require.Empty(t, store.Refs(), "losing copy must be removed")
}

func TestProcessJobLostRaceKeepsSharedRef(t *testing.T) {
	store := storememory.New()
	cache := cachememory.New()

	proc := &fakeProcessor{name: "tiktok", extract: func(ctx context.Context, url string) (pipeline.Artifact, error) {
		artifact := storedArtifact(t, store, "42", "shared")
		// The winner stored the artifact under the same fingerprint,
		// so both hold the identical ref.
		_, err := cache.InsertIfAbsent(ctx, "42", artifact.Ref, time.Now())
		require.NoError(t, err)
		return artifact, nil
	}}
	w, broker := newTestWorker(t, store, cache, proc)

	w.ProcessJob(context.Background(), job("j1"))

	result, err := broker.ReceiveResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeDelivered, result.Outcome)
	require.Len(t, store.Refs(), 1, "shared artifact must survive the race")
	require.Equal(t, store.Refs()[0], result.ArtifactRef)
}

func TestRunDrainsUntilCancel(t *testing.T) {
	store := storememory.New()
	proc := &fakeProcessor{name: "tiktok", extract: func(ctx context.Context, url string) (pipeline.Artifact, error) {
		return storedArtifact(t, store, "42", "payload"), nil
	}}
	w, broker := newTestWorker(t, store, cachememory.New(), proc)

	require.NoError(t, broker.PublishJob(context.Background(), job("j1")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	result, err := broker.ReceiveResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeDelivered, result.Outcome)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

type failingResultQueue struct {
	attempts atomic.Int32
}

func (q *failingResultQueue) PublishResult(context.Context, pipeline.Result) error {
	q.attempts.Add(1)
	return pipeline.E(pipeline.KindBrokerUnavailable, "broker down")
}

func (q *failingResultQueue) ReceiveResult(ctx context.Context) (pipeline.Result, error) {
	<-ctx.Done()
	return pipeline.Result{}, ctx.Err()
}

func TestProcessJobRetriesResultPublishWhenBrokerUnavailable(t *testing.T) {
	store := storememory.New()
	cache := cachememory.New()
	proc := &fakeProcessor{name: "tiktok", extract: func(ctx context.Context, url string) (pipeline.Artifact, error) {
		return storedArtifact(t, store, "42", "payload"), nil
	}}
	jobs := brokermemory.New(8)
	t.Cleanup(jobs.Close)
	results := &failingResultQueue{}
	reg := processor.NewRegistry(nil)
	reg.Register("tiktok.com", proc)
	w := New(jobs, results, cache, store, reg, &fakeClock{now: time.Now()}, Config{
		Concurrency:  1,
		ExtractRetry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		PublishRetry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, zap.NewNop())

	w.ProcessJob(context.Background(), job("j1"))

	require.EqualValues(t, 3, results.attempts.Load())
}

type resolvingProcessor struct {
	fakeProcessor
	resolved string
}

func (p *resolvingProcessor) ResolveFingerprint(context.Context, string) (string, bool) {
	return p.resolved, p.resolved != ""
}

func TestProcessJobResolvesFingerprintBeforeExtraction(t *testing.T) {
	store := storememory.New()
	cache := cachememory.New()
	artifact := storedArtifact(t, store, "42", "payload")
	_, err := cache.InsertIfAbsent(context.Background(), "42", artifact.Ref, time.Now())
	require.NoError(t, err)

	// Fingerprint declines (short link), but the resolution step finds
	// the id, so the cache hit must still skip extraction.
	proc := &resolvingProcessor{
		fakeProcessor: fakeProcessor{name: "tiktok", extract: func(ctx context.Context, url string) (pipeline.Artifact, error) {
			t.Fatal("extract must not run when resolution finds a cached fingerprint")
			return pipeline.Artifact{}, nil
		}},
		resolved: "42",
	}
	w, broker := newTestWorker(t, store, cache, proc)

	w.ProcessJob(context.Background(), job("j1"))

	result, err := broker.ReceiveResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeDelivered, result.Outcome)
	require.Equal(t, artifact.Ref, result.ArtifactRef)
	require.EqualValues(t, 0, proc.extracts.Load())
}

func TestProcessJobExtractsWhenResolutionDeclines(t *testing.T) {
	store := storememory.New()
	cache := cachememory.New()
	proc := &resolvingProcessor{
		fakeProcessor: fakeProcessor{name: "tiktok", extract: func(ctx context.Context, url string) (pipeline.Artifact, error) {
			return storedArtifact(t, store, "42", "payload"), nil
		}},
	}
	w, broker := newTestWorker(t, store, cache, proc)

	w.ProcessJob(context.Background(), job("j1"))

	result, err := broker.ReceiveResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeDelivered, result.Outcome)
	require.EqualValues(t, 1, proc.extracts.Load())
}
