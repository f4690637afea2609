package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// DefaultMaxBulk caps one bulk-retry invocation so a backlog of failed
// jobs cannot flood the worker pool.
const DefaultMaxBulk = 25

// Bulk re-enqueues previously failed job records as fresh jobs. Each
// gets a new job ID and submission time while keeping the original
// source URL, site, and requester so results still correlate back to
// whoever asked. At most maxBulk records are published; the rest stay
// for a later invocation. The published jobs are returned so the
// caller can track them.
func Bulk(
	ctx context.Context,
	queue pipeline.JobQueue,
	idGen pipeline.IDGenerator,
	now time.Time,
	records []pipeline.Job,
	maxBulk int,
) ([]pipeline.Job, error) {
	if maxBulk <= 0 {
		maxBulk = DefaultMaxBulk
	}
	if len(records) > maxBulk {
		records = records[:maxBulk]
	}

	published := make([]pipeline.Job, 0, len(records))
	for _, record := range records {
		id, err := idGen.NewID()
		if err != nil {
			return published, fmt.Errorf("generate job id: %w", err)
		}
		job := pipeline.Job{
			ID:           id,
			SourceURL:    record.SourceURL,
			ResolvedSite: record.ResolvedSite,
			RequesterID:  record.RequesterID,
			SubmittedAt:  now,
		}
		if err := queue.PublishJob(ctx, job); err != nil {
			return published, fmt.Errorf("publish retried job: %w", err)
		}
		published = append(published, job)
	}
	return published, nil
}
