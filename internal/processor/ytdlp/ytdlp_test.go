package ytdlp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
	memorystore "github.com/tatoalo/mediaDownloader/internal/storage/memory"
)

// scriptedRunner fakes the yt-dlp subprocess. On success it drops the
// expected output file into the -P directory, like the real binary.
type scriptedRunner struct {
	stderr   string
	err      error
	commands [][]string
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.commands = append(r.commands, append([]string{name}, args...))
	if r.err != nil {
		return nil, []byte(r.stderr), r.err
	}
	var dir, id string
	for i, a := range args {
		if a == "-P" && i+1 < len(args) {
			dir = args[i+1]
		}
		if a == "-o" && i+1 < len(args) {
			id = args[i+1][:len(args[i+1])-len(".%(ext)s")]
		}
	}
	if err := os.WriteFile(filepath.Join(dir, id+".mp4"), []byte("video-bytes"), 0o600); err != nil {
		return nil, nil, err
	}
	return []byte("[download] 100% of 1.00MiB\n"), nil, nil
}

func newTestProcessor(runner Runner) (*Processor, *memorystore.Store) {
	store := memorystore.New()
	p := New(store, Config{}, zap.NewNop())
	p.SetRunner(runner)
	return p, store
}

func TestFingerprint_TrailingSegment(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcessor(&scriptedRunner{})
	fp, ok := p.Fingerprint("https://youtu.be/dQw4w9WgXcQ")
	require.True(t, ok)
	require.Equal(t, "dQw4w9WgXcQ", fp)

	_, ok = p.Fingerprint("https://youtube.com/")
	require.False(t, ok)
}

func TestExtract_Success(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	p, store := newTestProcessor(runner)

	artifact, err := p.Extract(context.Background(), "https://youtu.be/abc123")
	require.NoError(t, err)
	require.Equal(t, "abc123", artifact.Fingerprint)
	require.Equal(t, pipeline.MediaVideo, artifact.Kind)
	require.EqualValues(t, len("video-bytes"), artifact.Size)
	require.Len(t, store.Refs(), 1)

	require.Len(t, runner.commands, 1)
	cmd := runner.commands[0]
	require.Equal(t, "yt-dlp", cmd[0])
	require.Equal(t, "https://youtu.be/abc123", cmd[1])
	require.Contains(t, cmd, "--no-mtime")
}

func TestExtract_ClassifiesFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		stderr string
		kind   pipeline.ErrorKind
	}{
		{"ERROR: HTTP Error 429: Too Many Requests", pipeline.KindRateLimited},
		{"ERROR: HTTP Error 404: Not Found", pipeline.KindContentNotFound},
		{"ERROR: Video unavailable", pipeline.KindContentNotFound},
		{"ERROR: Unsupported URL: https://x", pipeline.KindUnsupportedContentShape},
		{"ERROR: unable to download video data", pipeline.KindNetworkError},
	}
	for _, tc := range cases {
		runner := &scriptedRunner{stderr: tc.stderr, err: errors.New("exit status 1")}
		p, store := newTestProcessor(runner)

		_, err := p.Extract(context.Background(), "https://youtu.be/abc123")
		require.Error(t, err, tc.stderr)
		require.Equal(t, tc.kind, pipeline.KindOf(err), tc.stderr)
		// Failure leaves no artifact behind.
		require.Empty(t, store.Refs(), tc.stderr)
	}
}

func TestExtract_NoPartialArtifactWhenFileMissing(t *testing.T) {
	t.Parallel()

	// Runner reports success but never writes a file.
	p, store := newTestProcessor(runnerFunc(func(_ context.Context, _ string, _ ...string) ([]byte, []byte, error) {
		return nil, nil, nil
	}))

	_, err := p.Extract(context.Background(), "https://youtu.be/abc123")
	require.Error(t, err)
	require.Equal(t, pipeline.KindStorageError, pipeline.KindOf(err))
	require.Empty(t, store.Refs())
}

type runnerFunc func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)

func (f runnerFunc) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	return f(ctx, name, args...)
}
