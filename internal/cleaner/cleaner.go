// Package cleaner removes artifacts past the retention horizon and
// keeps the dedup cache consistent with storage.
package cleaner

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tatoalo/mediaDownloader/internal/metrics"
	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Config controls the retention pass.
type Config struct {
	Horizon      time.Duration
	Interval     time.Duration
	HeartbeatURL string
}

const (
	defaultHorizon  = 24 * time.Hour
	defaultInterval = time.Hour
)

// Report summarizes one retention pass. RemoveFailures keeps the pass
// going: a single stuck artifact must not block the rest.
type Report struct {
	Examined       int
	Removed        int
	Repaired       int
	RemoveFailures []error
	Started        time.Time
	Finished       time.Time
}

// Cleaner runs retention passes over the artifact store.
type Cleaner struct {
	store  pipeline.ArtifactStore
	cache  pipeline.Cache
	clock  pipeline.Clock
	cfg    Config
	logger *zap.Logger
	client *http.Client

	running atomic.Bool
}

// New constructs a Cleaner.
func New(store pipeline.ArtifactStore, cache pipeline.Cache, clock pipeline.Clock, cfg Config, logger *zap.Logger) *Cleaner {
	if cfg.Horizon <= 0 {
		cfg.Horizon = defaultHorizon
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		store:  store,
		cache:  cache,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Run executes one pass per interval until the context finishes. A
// pass runs immediately on start.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := c.Pass(ctx); err != nil {
			c.logger.Error("retention pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Pass runs one retention pass. Only one pass runs at a time; a
// concurrent call returns immediately with an empty report.
func (c *Cleaner) Pass(ctx context.Context) (Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Warn("retention pass already running, skipping")
		return Report{}, nil
	}
	defer c.running.Store(false)

	started := c.clock.Now()
	cutoff := started.Add(-c.cfg.Horizon)
	report := Report{Started: started}

	artifacts, err := c.store.List(ctx, cutoff)
	if err != nil {
		return report, pipeline.Wrap(pipeline.KindStorageError, err, "list expired artifacts")
	}
	report.Examined = len(artifacts)

	for _, artifact := range artifacts {
		if ctx.Err() != nil {
			break
		}
		if err := c.removeOne(ctx, artifact); err != nil {
			metrics.ObserveRemoval("error")
			report.RemoveFailures = append(report.RemoveFailures, err)
			c.logger.Error("artifact removal failed",
				zap.String("artifact_reference", artifact.Ref),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveRemoval("removed")
		report.Removed++
	}

	repaired, err := c.repairDanglingEntries(ctx)
	if err != nil {
		c.logger.Error("cache repair failed", zap.Error(err))
	}
	report.Repaired = repaired

	report.Finished = c.clock.Now()
	metrics.ObserveRetentionPass(report.Finished.Sub(report.Started))
	c.logger.Info("retention pass finished",
		zap.Time("cutoff", cutoff),
		zap.Int("examined", report.Examined),
		zap.Int("removed", report.Removed),
		zap.Int("repaired", repaired),
		zap.Int("failures", len(report.RemoveFailures)),
	)

	c.heartbeat(ctx)
	return report, nil
}

// removeOne deletes the artifact first and its cache entry second, so
// a crash in between leaves a dangling entry (repaired later) rather
// than a cache entry pointing at nothing while the artifact lives on.
func (c *Cleaner) removeOne(ctx context.Context, artifact pipeline.Artifact) error {
	if err := c.store.Remove(ctx, artifact.Ref); err != nil {
		return fmt.Errorf("remove artifact %s: %w", artifact.Ref, err)
	}
	if artifact.Fingerprint == "" {
		return nil
	}
	if err := c.cache.Remove(ctx, artifact.Fingerprint); err != nil {
		return fmt.Errorf("remove cache entry %s: %w", artifact.Fingerprint, err)
	}
	c.logger.Debug("removed expired artifact",
		zap.String("artifact_reference", artifact.Ref),
		zap.String("fingerprint", artifact.Fingerprint),
		zap.String("size", pipeline.HumanSize(artifact.Size)),
	)
	return nil
}

// repairDanglingEntries drops cache entries whose artifact no longer
// exists in storage.
func (c *Cleaner) repairDanglingEntries(ctx context.Context) (int, error) {
	entries, err := c.cache.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}
	repaired := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if _, err := c.store.Stat(ctx, entry.ArtifactRef); err == nil {
			continue
		}
		if err := c.cache.Remove(ctx, entry.Fingerprint); err != nil {
			c.logger.Error("dangling entry removal failed",
				zap.String("fingerprint", entry.Fingerprint),
				zap.Error(err),
			)
			continue
		}
		c.logger.Warn("repaired dangling cache entry",
			zap.String("fingerprint", entry.Fingerprint),
			zap.String("artifact_reference", entry.ArtifactRef),
		)
		repaired++
	}
	return repaired, nil
}

// heartbeat pings the liveness URL after a pass. Failures are logged
// and otherwise ignored.
func (c *Cleaner) heartbeat(ctx context.Context) {
	if c.cfg.HeartbeatURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HeartbeatURL, nil)
	if err != nil {
		c.logger.Warn("heartbeat request build failed", zap.Error(err))
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("heartbeat failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}
