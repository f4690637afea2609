// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"
)

// Outcome is the terminal state of a job reported back to the dispatcher.
type Outcome string

// Outcome values carried on result messages.
const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// MediaKind distinguishes the shape of a downloaded artifact.
type MediaKind string

// Media kinds produced by processors.
const (
	MediaVideo     MediaKind = "video"
	MediaSlideshow MediaKind = "slideshow"
)

// Job is one request to acquire media from a URL. Immutable once published.
type Job struct {
	ID           string    `json:"job_id"`
	SourceURL    string    `json:"source_url"`
	ResolvedSite string    `json:"resolved_site"`
	RequesterID  string    `json:"requester_id"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// Result correlates a finished job back to its dispatcher by job ID.
type Result struct {
	JobID       string    `json:"job_id"`
	Outcome     Outcome   `json:"outcome"`
	ArtifactRef string    `json:"artifact_reference,omitempty"`
	Kind        ErrorKind `json:"error_kind,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// Delivered builds a success result for the job.
func Delivered(jobID, artifactRef string) Result {
	return Result{JobID: jobID, Outcome: OutcomeDelivered, ArtifactRef: artifactRef}
}

// Failed builds a failure result carrying the classified error.
func Failed(jobID string, err error) Result {
	return Result{
		JobID:   jobID,
		Outcome: OutcomeFailed,
		Kind:    KindOf(err),
		Message: err.Error(),
	}
}

// Artifact is downloaded media on persistent storage.
type Artifact struct {
	Ref         string    `json:"ref"`
	Fingerprint string    `json:"fingerprint"`
	Size        int64     `json:"size"`
	Kind        MediaKind `json:"kind"`
	ImageCount  int       `json:"image_count,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CacheEntry maps a content fingerprint to a prior delivery.
// Owned by the dedup cache; workers only read and insert through its API.
type CacheEntry struct {
	Fingerprint  string    `json:"fingerprint"`
	ArtifactRef  string    `json:"artifact_reference"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastServedAt time.Time `json:"last_served_at"`
}
