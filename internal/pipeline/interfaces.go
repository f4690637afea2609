package pipeline

import (
	"context"
	"io"
	"time"
)

// JobQueue carries job messages from the dispatcher to the worker pool.
// Delivery is at-most-once: a worker that is offline when a job is
// published never sees it. That limitation comes from the broker
// transport and is deliberately not papered over here.
type JobQueue interface {
	PublishJob(ctx context.Context, job Job) error
	ReceiveJob(ctx context.Context) (Job, error)
}

// ResultQueue carries result messages back to the dispatcher.
type ResultQueue interface {
	PublishResult(ctx context.Context, result Result) error
	ReceiveResult(ctx context.Context) (Result, error)
}

// Cache is the dedup cache mapping fingerprints to prior deliveries.
// All cross-process mutation goes through InsertIfAbsent.
type Cache interface {
	Lookup(ctx context.Context, fingerprint string) (CacheEntry, bool, error)
	// InsertIfAbsent is an atomic check-and-set. It returns false when
	// another worker already inserted the fingerprint; the caller must
	// then discard its own artifact and reuse the winning entry.
	InsertIfAbsent(ctx context.Context, fingerprint, artifactRef string, now time.Time) (bool, error)
	Touch(ctx context.Context, fingerprint string, now time.Time) error
	Remove(ctx context.Context, fingerprint string) error
	Entries(ctx context.Context) ([]CacheEntry, error)
	// Flush clears every entry, bypassing the retention horizon. It is
	// an operational reset and is logged distinctly from eviction.
	Flush(ctx context.Context) (int64, error)
}

// ArtifactFile is one file inside an artifact: a single video, or one
// image of a slideshow.
type ArtifactFile struct {
	Name string
	Data io.Reader
}

// ArtifactStore persists downloaded media. An artifact is either a
// single video file or a bundle of slideshow images; either way it is
// addressed by one opaque ref so the dedup cache sees exactly one
// reference per fingerprint.
type ArtifactStore interface {
	// Put stores the files atomically under the fingerprint. No partial
	// artifact may remain on failure.
	Put(ctx context.Context, fingerprint string, kind MediaKind, files []ArtifactFile) (Artifact, error)
	// Stat resolves a ref back to its artifact metadata.
	Stat(ctx context.Context, ref string) (Artifact, error)
	// List enumerates artifacts created strictly before olderThan.
	List(ctx context.Context, olderThan time.Time) ([]Artifact, error)
	// Remove deletes the artifact (all of its files) behind ref.
	Remove(ctx context.Context, ref string) error
}

// Processor is a source-specific extraction strategy.
type Processor interface {
	Name() string
	// Fingerprint derives the content fingerprint from the URL alone,
	// when possible, so dedup can short-circuit before any network
	// access. ok=false defers the lookup until after extraction.
	Fingerprint(url string) (fp string, ok bool)
	// Extract downloads the media behind url into the artifact store.
	// On failure it must leave no partial artifact behind and return an
	// error classified with the pipeline taxonomy.
	Extract(ctx context.Context, url string) (Artifact, error)
}

// FingerprintResolver is an optional Processor extension. When the URL
// alone cannot yield a fingerprint, a processor implementing this gets
// one cheap metadata-only network step (redirect resolution, no media
// download) so the worker can still consult the dedup cache before
// extracting. ok=false sends the job straight to Extract.
type FingerprintResolver interface {
	ResolveFingerprint(ctx context.Context, url string) (fp string, ok bool)
}

// Deliverer is the chat-client boundary: it hands finished artifacts or
// short notices back to the requester.
type Deliverer interface {
	DeliverArtifact(ctx context.Context, requesterID string, artifact Artifact) error
	DeliverNotice(ctx context.Context, requesterID, message string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
