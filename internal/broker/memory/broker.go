// Package memory provides an in-process broker for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Broker implements pipeline.JobQueue and pipeline.ResultQueue on
// bounded channels. Like the real transport it is at-most-once: nothing
// is retained for consumers that are not receiving.
type Broker struct {
	jobs    chan pipeline.Job
	results chan pipeline.Result

	closeMu sync.Mutex
	closed  bool
}

// New constructs a broker with the provided channel capacity.
func New(capacity int) *Broker {
	if capacity <= 0 {
		capacity = 16
	}
	return &Broker{
		jobs:    make(chan pipeline.Job, capacity),
		results: make(chan pipeline.Result, capacity),
	}
}

// PublishJob pushes a job onto the job channel or returns if the context ends.
func (b *Broker) PublishJob(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish job canceled: %w", ctx.Err())
	case b.jobs <- job:
		return nil
	}
}

// ReceiveJob pops the next job, respecting context cancellation.
func (b *Broker) ReceiveJob(ctx context.Context) (pipeline.Job, error) {
	select {
	case <-ctx.Done():
		return pipeline.Job{}, fmt.Errorf("receive job canceled: %w", ctx.Err())
	case job, ok := <-b.jobs:
		if !ok {
			return pipeline.Job{}, errors.New("job channel closed")
		}
		return job, nil
	}
}

// PublishResult pushes a result onto the result channel.
func (b *Broker) PublishResult(ctx context.Context, result pipeline.Result) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish result canceled: %w", ctx.Err())
	case b.results <- result:
		return nil
	}
}

// ReceiveResult pops the next result, respecting context cancellation.
func (b *Broker) ReceiveResult(ctx context.Context) (pipeline.Result, error) {
	select {
	case <-ctx.Done():
		return pipeline.Result{}, fmt.Errorf("receive result canceled: %w", ctx.Err())
	case result, ok := <-b.results:
		if !ok {
			return pipeline.Result{}, errors.New("result channel closed")
		}
		return result, nil
	}
}

// Close closes both channels for shutdown.
func (b *Broker) Close() {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return
	}
	close(b.jobs)
	close(b.results)
	b.closed = true
}
