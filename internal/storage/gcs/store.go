// Package gcs provides an artifact store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Store writes artifacts to a configured GCS bucket. A video is one
// object <prefix>/<fingerprint>/<name>; a slideshow is several objects
// under the same <prefix>/<fingerprint>/ directory. The ref is the
// gs:// URI of that directory.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed artifact store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *Store) objectDir(fingerprint string) string {
	if s.prefix == "" {
		return fingerprint
	}
	return path.Join(s.prefix, fingerprint)
}

func (s *Store) ref(fingerprint string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.objectDir(fingerprint))
}

// Put uploads every file under the fingerprint's object directory.
// Objects uploaded before a failure are deleted again so no partial
// artifact stays behind.
func (s *Store) Put(ctx context.Context, fingerprint string, kind pipeline.MediaKind, files []pipeline.ArtifactFile) (pipeline.Artifact, error) {
	if fingerprint == "" || len(files) == 0 {
		return pipeline.Artifact{}, pipeline.E(pipeline.KindStorageError, "fingerprint and files are required")
	}

	dir := s.objectDir(fingerprint)
	var written []string
	var total int64
	for _, f := range files {
		objPath := path.Join(dir, path.Base(f.Name))
		n, err := s.upload(ctx, objPath, f.Data)
		if err != nil {
			s.deleteObjects(ctx, written)
			return pipeline.Artifact{}, pipeline.Wrap(pipeline.KindStorageError, err, "upload artifact file")
		}
		written = append(written, objPath)
		total += n
	}

	imageCount := 0
	if kind == pipeline.MediaSlideshow {
		imageCount = len(files)
	}
	return pipeline.Artifact{
		Ref:         s.ref(fingerprint),
		Fingerprint: fingerprint,
		Size:        total,
		Kind:        kind,
		ImageCount:  imageCount,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s *Store) upload(ctx context.Context, objPath string, r io.Reader) (int64, error) {
	writer := s.client.Bucket(s.bucket).Object(objPath).NewWriter(ctx)
	n, err := io.Copy(writer, r)
	if err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return 0, fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return 0, fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close writer: %w", err)
	}
	return n, nil
}

func (s *Store) deleteObjects(ctx context.Context, objPaths []string) {
	for _, p := range objPaths {
		_ = s.client.Bucket(s.bucket).Object(p).Delete(ctx)
	}
}

// Stat resolves a gs:// ref back to its artifact metadata.
func (s *Store) Stat(ctx context.Context, ref string) (pipeline.Artifact, error) {
	dir, err := s.dirFromRef(ref)
	if err != nil {
		return pipeline.Artifact{}, err
	}
	artifact, found, err := s.statDir(ctx, dir, time.Time{})
	if err != nil {
		return pipeline.Artifact{}, err
	}
	if !found {
		return pipeline.Artifact{}, pipeline.E(pipeline.KindStorageError, "artifact %q not found", ref)
	}
	return artifact, nil
}

// List enumerates artifacts whose newest object predates olderThan.
func (s *Store) List(ctx context.Context, olderThan time.Time) ([]pipeline.Artifact, error) {
	base := s.prefix
	if base != "" {
		base += "/"
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: base, Delimiter: "/"})

	var artifacts []pipeline.Artifact
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pipeline.Wrap(pipeline.KindStorageError, err, "list artifacts")
		}
		if attrs.Prefix == "" {
			continue
		}
		dir := strings.TrimSuffix(attrs.Prefix, "/")
		artifact, found, err := s.statDir(ctx, dir, olderThan)
		if err != nil {
			return nil, err
		}
		if found {
			artifacts = append(artifacts, artifact)
		}
	}
	return artifacts, nil
}

// statDir aggregates the objects under dir into one artifact. When
// olderThan is non-zero the artifact is skipped unless every object
// predates the cutoff.
func (s *Store) statDir(ctx context.Context, dir string, olderThan time.Time) (pipeline.Artifact, bool, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: dir + "/"})

	var (
		total   int64
		count   int
		created time.Time
		video   bool
	)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return pipeline.Artifact{}, false, pipeline.Wrap(pipeline.KindStorageError, err, "stat artifact dir")
		}
		if !olderThan.IsZero() && !attrs.Created.Before(olderThan) {
			return pipeline.Artifact{}, false, nil
		}
		total += attrs.Size
		count++
		if attrs.Created.After(created) {
			created = attrs.Created
		}
		if strings.HasSuffix(attrs.Name, ".mp4") {
			video = true
		}
	}
	if count == 0 {
		return pipeline.Artifact{}, false, nil
	}

	kind := pipeline.MediaSlideshow
	imageCount := count
	if video {
		kind = pipeline.MediaVideo
		imageCount = 0
	}
	return pipeline.Artifact{
		Ref:         fmt.Sprintf("gs://%s/%s", s.bucket, dir),
		Fingerprint: path.Base(dir),
		Size:        total,
		Kind:        kind,
		ImageCount:  imageCount,
		CreatedAt:   created.UTC(),
	}, true, nil
}

// Remove deletes every object behind the ref.
func (s *Store) Remove(ctx context.Context, ref string) error {
	dir, err := s.dirFromRef(ref)
	if err != nil {
		return err
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: dir + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return pipeline.Wrap(pipeline.KindStorageError, err, "list artifact objects")
		}
		if err := s.client.Bucket(s.bucket).Object(attrs.Name).Delete(ctx); err != nil {
			return pipeline.Wrap(pipeline.KindStorageError, err, "delete artifact object")
		}
	}
	return nil
}

func (s *Store) dirFromRef(ref string) (string, error) {
	want := fmt.Sprintf("gs://%s/", s.bucket)
	if !strings.HasPrefix(ref, want) {
		return "", pipeline.E(pipeline.KindStorageError, "ref %q is outside bucket %q", ref, s.bucket)
	}
	return strings.TrimSuffix(strings.TrimPrefix(ref, want), "/"), nil
}
