// Package worker implements the download pipeline execution loop.
package worker

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tatoalo/mediaDownloader/internal/metrics"
	"github.com/tatoalo/mediaDownloader/internal/pipeline"
	"github.com/tatoalo/mediaDownloader/internal/processor"
	"github.com/tatoalo/mediaDownloader/internal/retry"
)

// Config controls Worker behavior.
type Config struct {
	Concurrency   int
	MaxVideoBytes int64
	MaxImageBytes int64
	ExtractRetry  retry.Policy
	PublishRetry  retry.Policy
}

// Worker consumes jobs and executes the download pipeline: cache fast
// path, extraction with retries, size enforcement, atomic dedup claim,
// result publication.
type Worker struct {
	jobs     pipeline.JobQueue
	results  pipeline.ResultQueue
	cache    pipeline.Cache
	store    pipeline.ArtifactStore
	registry *processor.Registry
	clock    pipeline.Clock
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New constructs a Worker.
func New(
	jobs pipeline.JobQueue,
	results pipeline.ResultQueue,
	cache pipeline.Cache,
	store pipeline.ArtifactStore,
	registry *processor.Registry,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxVideoBytes <= 0 {
		cfg.MaxVideoBytes = pipeline.DefaultMaxVideoBytes
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = pipeline.DefaultMaxImageBytes
	}
	if cfg.ExtractRetry.MaxAttempts == 0 {
		cfg.ExtractRetry = retry.Default()
	}
	if cfg.PublishRetry.MaxAttempts == 0 {
		cfg.PublishRetry = retry.Default()
	}
	cfg.PublishRetry = cfg.PublishRetry.ForPublish()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		jobs:     jobs,
		results:  results,
		cache:    cache,
		store:    store,
		registry: registry,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("worker"),
	}
}

// Run blocks, consuming jobs with cfg.Concurrency goroutines until the
// context finishes.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		job, err := w.jobs.ReceiveJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("job receive failed", zap.Error(err))
			continue
		}
		w.logger.Debug("received job",
			zap.String("job_id", job.ID),
			zap.String("site", job.ResolvedSite),
		)
		w.ProcessJob(ctx, job)
	}
}

// ProcessJob runs one job to completion and publishes its result.
func (w *Worker) ProcessJob(ctx context.Context, job pipeline.Job) {
	ctx, span := w.tracer.Start(ctx, "worker.process_job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.site", job.ResolvedSite),
	))
	defer span.End()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	result := w.execute(ctx, job)
	if result.Outcome == pipeline.OutcomeFailed {
		span.SetStatus(codes.Error, string(result.Kind))
	}
	metrics.ObserveJob(job.ResolvedSite, string(result.Outcome))
	w.publishResult(ctx, job, result)
}

func (w *Worker) execute(ctx context.Context, job pipeline.Job) pipeline.Result {
	proc, ok := w.registry.Resolve(job.ResolvedSite)
	if !ok {
		return pipeline.Failed(job.ID, pipeline.E(
			pipeline.KindUnsupportedSource, "no processor for site %q", job.ResolvedSite,
		))
	}

	// Fast path: a processor that can derive the fingerprint from the
	// URL alone lets a cached job skip extraction entirely. Short
	// links that decline get one cheap resolution step before the
	// lookup is given up on.
	fp, ok := proc.Fingerprint(job.SourceURL)
	if !ok {
		if resolver, can := proc.(pipeline.FingerprintResolver); can {
			fp, ok = resolver.ResolveFingerprint(ctx, job.SourceURL)
		}
	}
	if ok {
		if ref, hit := w.cachedRef(ctx, job, fp); hit {
			return pipeline.Delivered(job.ID, ref)
		}
	}

	start := w.clock.Now()
	artifact, err := retry.Do(ctx, w.cfg.ExtractRetry, func(ctx context.Context) (pipeline.Artifact, error) {
		return proc.Extract(ctx, job.SourceURL)
	})
	metrics.ObserveExtraction(job.ResolvedSite, w.clock.Now().Sub(start))
	if err != nil {
		w.logger.Warn("extraction failed",
			zap.String("job_id", job.ID),
			zap.String("processor", proc.Name()),
			zap.Error(err),
		)
		return pipeline.Failed(job.ID, err)
	}

	if err := w.enforceSizeCap(ctx, job, artifact); err != nil {
		return pipeline.Failed(job.ID, err)
	}

	ref := w.claimOrAdopt(ctx, job, artifact)
	metrics.ObserveArtifact(job.ResolvedSite, string(artifact.Kind), artifact.Size)
	return pipeline.Delivered(job.ID, ref)
}

// cachedRef reports whether the fingerprint resolves to a live cached
// artifact. A cache entry whose artifact is gone is dropped so the job
// falls through to a fresh extraction.
func (w *Worker) cachedRef(ctx context.Context, job pipeline.Job, fp string) (string, bool) {
	entry, found, err := w.cache.Lookup(ctx, fp)
	if err != nil {
		w.logger.Warn("cache lookup failed", zap.String("job_id", job.ID), zap.Error(err))
		return "", false
	}
	if !found {
		metrics.ObserveCacheLookup("miss")
		return "", false
	}

	if _, err := w.store.Stat(ctx, entry.ArtifactRef); err != nil {
		metrics.ObserveCacheLookup("dangling")
		w.logger.Warn("dropping dangling cache entry",
			zap.String("fingerprint", fp),
			zap.String("artifact_reference", entry.ArtifactRef),
			zap.Error(err),
		)
		if err := w.cache.Remove(ctx, fp); err != nil {
			w.logger.Error("dangling entry removal failed", zap.String("fingerprint", fp), zap.Error(err))
		}
		return "", false
	}

	metrics.ObserveCacheLookup("hit")
	if err := w.cache.Touch(ctx, fp, w.clock.Now()); err != nil {
		w.logger.Warn("cache touch failed", zap.String("fingerprint", fp), zap.Error(err))
	}
	w.logger.Info("serving cached artifact",
		zap.String("job_id", job.ID),
		zap.String("fingerprint", fp),
	)
	return entry.ArtifactRef, true
}

func (w *Worker) enforceSizeCap(ctx context.Context, job pipeline.Job, artifact pipeline.Artifact) error {
	limit := w.cfg.MaxVideoBytes
	if artifact.Kind == pipeline.MediaSlideshow {
		limit = w.cfg.MaxImageBytes * int64(max(artifact.ImageCount, 1))
	}
	if artifact.Size <= limit {
		return nil
	}
	if err := w.store.Remove(ctx, artifact.Ref); err != nil {
		w.logger.Error("oversized artifact removal failed",
			zap.String("artifact_reference", artifact.Ref),
			zap.Error(err),
		)
	}
	return pipeline.E(pipeline.KindFileSizeExceeded,
		"artifact is %s, limit is %s",
		pipeline.HumanSize(artifact.Size), pipeline.HumanSize(limit),
	)
}

// claimOrAdopt records the artifact in the dedup cache. Losing the
// insert race means another worker finished the same media first; the
// local copy is discarded in favor of the winner's reference.
func (w *Worker) claimOrAdopt(ctx context.Context, job pipeline.Job, artifact pipeline.Artifact) string {
	now := w.clock.Now()
	winner, err := w.cache.InsertIfAbsent(ctx, artifact.Fingerprint, artifact.Ref, now)
	if err != nil {
		w.logger.Error("cache insert failed",
			zap.String("fingerprint", artifact.Fingerprint),
			zap.Error(err),
		)
		return artifact.Ref
	}
	if winner {
		return artifact.Ref
	}

	entry, found, err := w.cache.Lookup(ctx, artifact.Fingerprint)
	if err != nil || !found {
		return artifact.Ref
	}
	w.logger.Info("lost dedup race, adopting existing artifact",
		zap.String("job_id", job.ID),
		zap.String("fingerprint", artifact.Fingerprint),
	)
	// Stores derive refs from the fingerprint, so the winner may hold
	// the very same ref; removing it would destroy the shared artifact.
	if entry.ArtifactRef != artifact.Ref {
		if err := w.store.Remove(ctx, artifact.Ref); err != nil {
			w.logger.Error("duplicate artifact removal failed",
				zap.String("artifact_reference", artifact.Ref),
				zap.Error(err),
			)
		}
	}
	return entry.ArtifactRef
}

// publishResult delivers the result with bounded retries. Exhaustion is
// logged and the result dropped: delivery is at most once end to end.
func (w *Worker) publishResult(ctx context.Context, job pipeline.Job, result pipeline.Result) {
	_, err := retry.Do(ctx, w.cfg.PublishRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.results.PublishResult(ctx, result)
	})
	if err != nil {
		w.logger.Error("result publish failed, dropping result",
			zap.String("job_id", job.ID),
			zap.String("outcome", string(result.Outcome)),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("published result",
		zap.String("job_id", job.ID),
		zap.String("outcome", string(result.Outcome)),
		zap.Duration("elapsed", w.clock.Now().Sub(job.SubmittedAt)),
	)
}
