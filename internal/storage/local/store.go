// Package local implements a filesystem artifact store.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Config captures the parameters for the local filesystem store.
type Config struct {
	// BaseDir is the root directory where artifacts are stored.
	BaseDir string `mapstructure:"base_dir"`
}

// Store writes artifacts to the local filesystem. A video artifact is a
// single file named <fingerprint>.<ext>; a slideshow is a directory
// named <fingerprint> holding its images. Writes stage into a temp
// location and rename into place so a failed extraction never leaves a
// partial artifact visible.
type Store struct {
	baseDir string
}

// New creates a filesystem-backed store rooted at cfg.BaseDir.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &Store{baseDir: cfg.BaseDir}, nil
}

// Put stages the files into a temp directory and renames the result
// into place under the fingerprint.
func (s *Store) Put(_ context.Context, fingerprint string, kind pipeline.MediaKind, files []pipeline.ArtifactFile) (pipeline.Artifact, error) {
	if fingerprint == "" || len(files) == 0 {
		return pipeline.Artifact{}, pipeline.E(pipeline.KindStorageError, "fingerprint and files are required")
	}
	if strings.ContainsAny(fingerprint, "/\\") {
		return pipeline.Artifact{}, pipeline.E(pipeline.KindStorageError, "invalid fingerprint %q", fingerprint)
	}

	staging, err := os.MkdirTemp(s.baseDir, ".staging-*")
	if err != nil {
		return pipeline.Artifact{}, pipeline.Wrap(pipeline.KindStorageError, err, "create staging dir")
	}
	defer os.RemoveAll(staging)

	var total int64
	for _, f := range files {
		n, err := writeFile(filepath.Join(staging, filepath.Base(f.Name)), f.Data)
		if err != nil {
			return pipeline.Artifact{}, pipeline.Wrap(pipeline.KindStorageError, err, "stage artifact file")
		}
		total += n
	}

	var final string
	if kind == pipeline.MediaSlideshow {
		final = filepath.Join(s.baseDir, fingerprint)
		if err := os.Rename(staging, final); err != nil {
			// Rename onto an existing non-empty directory fails: a
			// concurrent Put for the same fingerprint already published
			// this slideshow. Adopt it so the caller reaches the dedup
			// claim instead of erroring out.
			if info, statErr := os.Stat(final); statErr == nil && info.IsDir() {
				return s.artifactFromEntry(final, info)
			}
			return pipeline.Artifact{}, pipeline.Wrap(pipeline.KindStorageError, err, "publish slideshow")
		}
	} else {
		final = filepath.Join(s.baseDir, filepath.Base(files[0].Name))
		if err := os.Rename(filepath.Join(staging, filepath.Base(files[0].Name)), final); err != nil {
			return pipeline.Artifact{}, pipeline.Wrap(pipeline.KindStorageError, err, "publish video")
		}
	}

	imageCount := 0
	if kind == pipeline.MediaSlideshow {
		imageCount = len(files)
	}
	return pipeline.Artifact{
		Ref:         final,
		Fingerprint: fingerprint,
		Size:        total,
		Kind:        kind,
		ImageCount:  imageCount,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func writeFile(path string, r io.Reader) (int64, error) {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return n, nil
}

// Stat resolves a ref (a path under the base directory) back to its artifact.
func (s *Store) Stat(_ context.Context, ref string) (pipeline.Artifact, error) {
	path, err := s.containedPath(ref)
	if err != nil {
		return pipeline.Artifact{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return pipeline.Artifact{}, pipeline.Wrap(pipeline.KindStorageError, err, "stat artifact")
	}
	return s.artifactFromEntry(path, info)
}

// List enumerates artifacts modified strictly before olderThan.
func (s *Store) List(_ context.Context, olderThan time.Time) ([]pipeline.Artifact, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindStorageError, err, "read base directory")
	}

	var artifacts []pipeline.Artifact
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(olderThan) {
			continue
		}
		artifact, err := s.artifactFromEntry(filepath.Join(s.baseDir, entry.Name()), info)
		if err != nil {
			continue
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}

// Remove deletes the file or slideshow directory behind ref.
func (s *Store) Remove(_ context.Context, ref string) error {
	path, err := s.containedPath(ref)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return pipeline.Wrap(pipeline.KindStorageError, err, "remove artifact")
	}
	return nil
}

func (s *Store) containedPath(ref string) (string, error) {
	cleanBase := filepath.Clean(s.baseDir)
	cleanRef := filepath.Clean(ref)
	if !strings.HasPrefix(cleanRef, cleanBase+string(filepath.Separator)) {
		return "", pipeline.E(pipeline.KindStorageError, "ref %q is outside the store", ref)
	}
	return cleanRef, nil
}

func (s *Store) artifactFromEntry(path string, info os.FileInfo) (pipeline.Artifact, error) {
	name := filepath.Base(path)
	if info.IsDir() {
		images, err := os.ReadDir(path)
		if err != nil {
			return pipeline.Artifact{}, pipeline.Wrap(pipeline.KindStorageError, err, "read slideshow dir")
		}
		var total int64
		for _, img := range images {
			if fi, err := img.Info(); err == nil {
				total += fi.Size()
			}
		}
		return pipeline.Artifact{
			Ref:         path,
			Fingerprint: name,
			Size:        total,
			Kind:        pipeline.MediaSlideshow,
			ImageCount:  len(images),
			CreatedAt:   info.ModTime().UTC(),
		}, nil
	}
	return pipeline.Artifact{
		Ref:         path,
		Fingerprint: strings.TrimSuffix(name, filepath.Ext(name)),
		Size:        info.Size(),
		Kind:        pipeline.MediaVideo,
		CreatedAt:   info.ModTime().UTC(),
	}, nil
}
