// Package memory stores artifacts in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Store keeps artifact bytes in a map and hands out memory:// refs.
type Store struct {
	mu        sync.Mutex
	artifacts map[string]pipeline.Artifact
	data      map[string][][]byte
	now       func() time.Time
}

// New returns an empty memory store.
func New() *Store {
	return &Store{
		artifacts: make(map[string]pipeline.Artifact),
		data:      make(map[string][][]byte),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the creation-time source, for retention tests.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores the files and returns a memory-backed artifact.
func (s *Store) Put(_ context.Context, fingerprint string, kind pipeline.MediaKind, files []pipeline.ArtifactFile) (pipeline.Artifact, error) {
	if fingerprint == "" || len(files) == 0 {
		return pipeline.Artifact{}, pipeline.E(pipeline.KindStorageError, "fingerprint and files are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := fmt.Sprintf("memory://%s", fingerprint)
	var blobs [][]byte
	var total int64
	for _, f := range files {
		b, err := io.ReadAll(f.Data)
		if err != nil {
			return pipeline.Artifact{}, pipeline.Wrap(pipeline.KindStorageError, err, "read artifact file")
		}
		blobs = append(blobs, b)
		total += int64(len(b))
	}

	imageCount := 0
	if kind == pipeline.MediaSlideshow {
		imageCount = len(files)
	}
	artifact := pipeline.Artifact{
		Ref:         ref,
		Fingerprint: fingerprint,
		Size:        total,
		Kind:        kind,
		ImageCount:  imageCount,
		CreatedAt:   s.now(),
	}
	s.artifacts[ref] = artifact
	s.data[ref] = blobs
	return artifact, nil
}

// Stat returns the stored artifact metadata for ref.
func (s *Store) Stat(_ context.Context, ref string) (pipeline.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[ref]
	if !ok {
		return pipeline.Artifact{}, pipeline.E(pipeline.KindStorageError, "artifact %q not found", ref)
	}
	return artifact, nil
}

// List returns artifacts created strictly before olderThan, oldest first.
func (s *Store) List(_ context.Context, olderThan time.Time) ([]pipeline.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pipeline.Artifact
	for _, artifact := range s.artifacts {
		if artifact.CreatedAt.Before(olderThan) {
			out = append(out, artifact)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Remove deletes the artifact behind ref.
func (s *Store) Remove(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, ref)
	delete(s.data, ref)
	return nil
}

// Refs returns the live refs, for assertions in tests.
func (s *Store) Refs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]string, 0, len(s.artifacts))
	for ref := range s.artifacts {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
