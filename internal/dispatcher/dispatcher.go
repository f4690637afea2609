// Package dispatcher accepts submissions, publishes jobs, and routes
// results back to the requesters that asked for them.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tatoalo/mediaDownloader/internal/metrics"
	"github.com/tatoalo/mediaDownloader/internal/pipeline"
	"github.com/tatoalo/mediaDownloader/internal/retry"
	"github.com/tatoalo/mediaDownloader/internal/sites"
)

// Config controls Dispatcher behavior.
type Config struct {
	PublishRetry  retry.Policy
	ResultTimeout time.Duration
	SweepInterval time.Duration
	MaxFailures   int
}

const (
	defaultResultTimeout = 10 * time.Minute
	defaultSweepInterval = 30 * time.Second
	defaultMaxFailures   = 64
)

type pendingJob struct {
	job      pipeline.Job
	deadline time.Time
}

// Dispatcher validates submissions, assigns job ids, and correlates
// results with the requester waiting on them. Jobs that fail or time
// out are kept in a bounded record so an operator can re-enqueue them.
type Dispatcher struct {
	whitelist *sites.Whitelist
	jobs      pipeline.JobQueue
	results   pipeline.ResultQueue
	store     pipeline.ArtifactStore
	deliverer pipeline.Deliverer
	clock     pipeline.Clock
	ids       pipeline.IDGenerator
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	pending  map[string]pendingJob
	failures []pipeline.Job
}

// New constructs a Dispatcher.
func New(
	whitelist *sites.Whitelist,
	jobs pipeline.JobQueue,
	results pipeline.ResultQueue,
	store pipeline.ArtifactStore,
	deliverer pipeline.Deliverer,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.PublishRetry.MaxAttempts == 0 {
		cfg.PublishRetry = retry.Default()
	}
	cfg.PublishRetry = cfg.PublishRetry.ForPublish()
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = defaultResultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		whitelist: whitelist,
		jobs:      jobs,
		results:   results,
		store:     store,
		deliverer: deliverer,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
		pending:   make(map[string]pendingJob),
	}
}

// Submit validates the URL against the whitelist and publishes a job
// for it. Nothing reaches the queue when validation fails; the
// requester gets a notice instead.
func (d *Dispatcher) Submit(ctx context.Context, rawURL, requesterID string) (pipeline.Job, error) {
	site, err := d.whitelist.Resolve(rawURL)
	if err != nil {
		metrics.ObserveSubmission("rejected")
		d.notify(ctx, requesterID, pipeline.UserMessage(pipeline.KindOf(err)))
		return pipeline.Job{}, err
	}

	id, err := d.ids.NewID()
	if err != nil {
		metrics.ObserveSubmission("error")
		return pipeline.Job{}, pipeline.Wrap(pipeline.KindUnknown, err, "generate job id")
	}
	job := pipeline.Job{
		ID:           id,
		SourceURL:    rawURL,
		ResolvedSite: site,
		RequesterID:  requesterID,
		SubmittedAt:  d.clock.Now(),
	}

	_, err = retry.Do(ctx, d.cfg.PublishRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.jobs.PublishJob(ctx, job)
	})
	if err != nil {
		metrics.ObserveSubmission("publish_failed")
		d.logger.Error("job publish failed",
			zap.String("job_id", job.ID),
			zap.String("site", site),
			zap.Error(err),
		)
		d.recordFailure(job)
		d.notify(ctx, requesterID, pipeline.UserMessage(pipeline.KindBrokerUnavailable))
		return pipeline.Job{}, err
	}

	d.mu.Lock()
	d.pending[job.ID] = pendingJob{job: job, deadline: job.SubmittedAt.Add(d.cfg.ResultTimeout)}
	d.mu.Unlock()

	metrics.ObserveSubmission("accepted")
	d.logger.Info("submitted job",
		zap.String("job_id", job.ID),
		zap.String("site", site),
		zap.String("requester_id", requesterID),
	)
	return job, nil
}

// Run consumes results and sweeps expired submissions until the
// context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.receiveLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()
	wg.Wait()
}

func (d *Dispatcher) receiveLoop(ctx context.Context) {
	for {
		result, err := d.results.ReceiveResult(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("result receive failed", zap.Error(err))
			continue
		}
		d.HandleResult(ctx, result)
	}
}

// HandleResult routes one result to its requester. Results for unknown
// job ids (already expired, or a restart lost the pending map) are
// logged and dropped.
func (d *Dispatcher) HandleResult(ctx context.Context, result pipeline.Result) {
	d.mu.Lock()
	p, ok := d.pending[result.JobID]
	if ok {
		delete(d.pending, result.JobID)
	}
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("result for unknown job", zap.String("job_id", result.JobID))
		return
	}

	if result.Outcome == pipeline.OutcomeFailed {
		d.logger.Info("job failed",
			zap.String("job_id", result.JobID),
			zap.String("error_kind", string(result.Kind)),
			zap.String("message", result.Message),
		)
		d.recordFailure(p.job)
		d.notify(ctx, p.job.RequesterID, pipeline.UserMessage(result.Kind))
		return
	}

	artifact, err := d.store.Stat(ctx, result.ArtifactRef)
	if err != nil {
		d.logger.Error("delivered artifact is missing",
			zap.String("job_id", result.JobID),
			zap.String("artifact_reference", result.ArtifactRef),
			zap.Error(err),
		)
		d.recordFailure(p.job)
		d.notify(ctx, p.job.RequesterID, pipeline.UserMessage(pipeline.KindStorageError))
		return
	}
	if err := d.deliverer.DeliverArtifact(ctx, p.job.RequesterID, artifact); err != nil {
		d.logger.Error("artifact delivery failed",
			zap.String("job_id", result.JobID),
			zap.String("requester_id", p.job.RequesterID),
			zap.Error(err),
		)
		return
	}
	d.logger.Info("delivered artifact",
		zap.String("job_id", result.JobID),
		zap.String("requester_id", p.job.RequesterID),
		zap.String("size", pipeline.HumanSize(artifact.Size)),
	)
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.expirePending(ctx)
		}
	}
}

func (d *Dispatcher) expirePending(ctx context.Context) {
	now := d.clock.Now()
	var expired []pipeline.Job
	d.mu.Lock()
	for id, p := range d.pending {
		if now.After(p.deadline) {
			expired = append(expired, p.job)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	for _, job := range expired {
		d.logger.Warn("job timed out",
			zap.String("job_id", job.ID),
			zap.String("site", job.ResolvedSite),
		)
		d.recordFailure(job)
		d.notify(ctx, job.RequesterID, "The download is taking too long, give up on it for now.")
	}
}

// recordFailure keeps the most recent failed jobs, oldest dropped first.
func (d *Dispatcher) recordFailure(job pipeline.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, job)
	if len(d.failures) > d.cfg.MaxFailures {
		d.failures = d.failures[len(d.failures)-d.cfg.MaxFailures:]
	}
}

// RetryRecent re-enqueues the recorded failures as fresh jobs, tracks
// them as pending again, and clears the record. It returns how many
// jobs were published.
func (d *Dispatcher) RetryRecent(ctx context.Context) (int, error) {
	d.mu.Lock()
	records := d.failures
	d.failures = nil
	d.mu.Unlock()

	published, err := retry.Bulk(ctx, d.jobs, d.ids, d.clock.Now(), records, retry.DefaultMaxBulk)

	d.mu.Lock()
	for _, job := range published {
		d.pending[job.ID] = pendingJob{job: job, deadline: job.SubmittedAt.Add(d.cfg.ResultTimeout)}
	}
	if err != nil {
		// Unpublished records go back so a later attempt can pick
		// them up.
		d.failures = append(records[len(published):], d.failures...)
	} else if len(records) > retry.DefaultMaxBulk {
		d.failures = append(records[retry.DefaultMaxBulk:], d.failures...)
	}
	d.mu.Unlock()

	return len(published), err
}

// PendingCount reports how many submissions await a result.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) notify(ctx context.Context, requesterID, message string) {
	if err := d.deliverer.DeliverNotice(ctx, requesterID, message); err != nil {
		d.logger.Error("notice delivery failed",
			zap.String("requester_id", requesterID),
			zap.Error(err),
		)
	}
}
