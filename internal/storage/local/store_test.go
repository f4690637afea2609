package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return store
}

func TestPut_Video(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	artifact, err := store.Put(context.Background(), "7331501234567890", pipeline.MediaVideo, []pipeline.ArtifactFile{
		{Name: "7331501234567890.mp4", Data: strings.NewReader("video-bytes")},
	})
	require.NoError(t, err)
	require.Equal(t, "7331501234567890", artifact.Fingerprint)
	require.Equal(t, pipeline.MediaVideo, artifact.Kind)
	require.EqualValues(t, len("video-bytes"), artifact.Size)

	data, err := os.ReadFile(artifact.Ref)
	require.NoError(t, err)
	require.Equal(t, "video-bytes", string(data))
}

func TestPut_SlideshowBundle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	artifact, err := store.Put(context.Background(), "7331", pipeline.MediaSlideshow, []pipeline.ArtifactFile{
		{Name: "7331_0.jpeg", Data: strings.NewReader("img0")},
		{Name: "7331_1.jpeg", Data: strings.NewReader("img1")},
		{Name: "7331_2.jpeg", Data: strings.NewReader("img2")},
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.MediaSlideshow, artifact.Kind)
	require.Equal(t, 3, artifact.ImageCount)

	entries, err := os.ReadDir(artifact.Ref)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestPut_NoStagingLeftovers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "fp", pipeline.MediaVideo, nil)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStat_RoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	put, err := store.Put(context.Background(), "abc", pipeline.MediaVideo, []pipeline.ArtifactFile{
		{Name: "abc.mp4", Data: strings.NewReader("x")},
	})
	require.NoError(t, err)

	got, err := store.Stat(context.Background(), put.Ref)
	require.NoError(t, err)
	require.Equal(t, "abc", got.Fingerprint)
	require.EqualValues(t, 1, got.Size)
}

func TestList_OnlyOlderThanCutoff(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	old, err := store.Put(context.Background(), "old", pipeline.MediaVideo, []pipeline.ArtifactFile{
		{Name: "old.mp4", Data: strings.NewReader("o")},
	})
	require.NoError(t, err)
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old.Ref, past, past))

	_, err = store.Put(context.Background(), "fresh", pipeline.MediaVideo, []pipeline.ArtifactFile{
		{Name: "fresh.mp4", Data: strings.NewReader("f")},
	})
	require.NoError(t, err)

	artifacts, err := store.List(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, "old", artifacts[0].Fingerprint)
}

func TestRemove_RefusesOutsidePaths(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	err := store.Remove(context.Background(), "/etc/passwd")
	require.Error(t, err)
	require.Equal(t, pipeline.KindStorageError, pipeline.KindOf(err))
}

func TestRemove_SlideshowDirectory(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	artifact, err := store.Put(context.Background(), "s1", pipeline.MediaSlideshow, []pipeline.ArtifactFile{
		{Name: "s1_0.jpeg", Data: strings.NewReader("i")},
	})
	require.NoError(t, err)

	require.NoError(t, store.Remove(context.Background(), artifact.Ref))
	_, err = os.Stat(artifact.Ref)
	require.True(t, os.IsNotExist(err))
}

func TestNew_CreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "media")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestPut_SlideshowRaceAdoptsExistingDirectory(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	first, err := store.Put(context.Background(), "7331", pipeline.MediaSlideshow, []pipeline.ArtifactFile{
		{Name: "7331_0.jpeg", Data: strings.NewReader("img0")},
		{Name: "7331_1.jpeg", Data: strings.NewReader("img1")},
	})
	require.NoError(t, err)

	// A second Put for the same fingerprint hits the already-published
	// directory; it must adopt it, not fail with a storage error.
	second, err := store.Put(context.Background(), "7331", pipeline.MediaSlideshow, []pipeline.ArtifactFile{
		{Name: "7331_0.jpeg", Data: strings.NewReader("img0")},
		{Name: "7331_1.jpeg", Data: strings.NewReader("img1")},
	})
	require.NoError(t, err)
	require.Equal(t, first.Ref, second.Ref)
	require.Equal(t, pipeline.MediaSlideshow, second.Kind)
	require.Equal(t, 2, second.ImageCount)

	// No staging leftovers from the losing side.
	entries, err := os.ReadDir(filepath.Dir(first.Ref))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPut_ConcurrentSlideshowSameFingerprint(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	var wg sync.WaitGroup
	errs := make([]error, 4)
	refs := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			artifact, err := store.Put(context.Background(), "7400", pipeline.MediaSlideshow, []pipeline.ArtifactFile{
				{Name: "7400_0.jpeg", Data: strings.NewReader("img0")},
			})
			errs[i] = err
			refs[i] = artifact.Ref
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, refs[0], refs[i])
	}
}
