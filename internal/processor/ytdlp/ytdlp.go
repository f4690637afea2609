// Package ytdlp implements the generic fallback processor delegating to
// the yt-dlp binary.
package ytdlp

import (
	"bytes"
	"context"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

const videoExt = "mp4"

// Runner executes the downloader binary. Swappable for tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.Bytes(), errBuf.Bytes(), err
}

// Config controls the fallback processor.
type Config struct {
	BinaryPath string        `mapstructure:"binary_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Processor downloads media with yt-dlp for any whitelisted site that
// has no dedicated strategy.
type Processor struct {
	store  pipeline.ArtifactStore
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// New constructs the fallback processor.
func New(store pipeline.ArtifactStore, cfg Config, logger *zap.Logger) *Processor {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "yt-dlp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, runner: execRunner{}, cfg: cfg, logger: logger}
}

// SetRunner replaces the subprocess runner, for tests.
func (p *Processor) SetRunner(r Runner) { p.runner = r }

// Name identifies the processor in logs and telemetry.
func (p *Processor) Name() string { return "ytdlp" }

// Fingerprint uses the trailing URL path segment as the content id.
func (p *Processor) Fingerprint(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	segment := lastSegment(u.Path)
	if segment == "" {
		return "", false
	}
	return segment, true
}

func lastSegment(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return sanitizeID(parts[len(parts)-1])
}

var idReplacer = strings.NewReplacer("/", "", "\\", "", "..", "")

func sanitizeID(s string) string {
	return idReplacer.Replace(s)
}

// Extract shells out to yt-dlp into a scratch directory, then moves the
// finished file into the artifact store. A failed run leaves nothing in
// the store.
func (p *Processor) Extract(ctx context.Context, rawURL string) (pipeline.Artifact, error) {
	fp, ok := p.Fingerprint(rawURL)
	if !ok {
		return pipeline.Artifact{}, pipeline.E(pipeline.KindUnsupportedContentShape, "cannot derive media id from %q", rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	scratch, err := os.MkdirTemp("", "ytdlp-*")
	if err != nil {
		return pipeline.Artifact{}, pipeline.Wrap(pipeline.KindStorageError, err, "create scratch dir")
	}
	defer os.RemoveAll(scratch)

	args := []string{
		rawURL,
		"-P", scratch,
		"-f", "bestvideo[ext=" + videoExt + "]+bestaudio[ext=m4a]/" + videoExt,
		"-o", fp + ".%(ext)s",
		"--no-mtime",
	}
	stdout, stderr, err := p.runner.Run(ctx, p.cfg.BinaryPath, args...)
	p.relayProgress(stdout)
	if err != nil {
		return pipeline.Artifact{}, classify(err, string(stderr))
	}

	path := filepath.Join(scratch, fp+"."+videoExt)
	f, err := os.Open(path)
	if err != nil {
		return pipeline.Artifact{}, pipeline.Wrap(pipeline.KindStorageError, err, "open downloaded file")
	}
	defer f.Close()

	artifact, err := p.store.Put(ctx, fp, pipeline.MediaVideo, []pipeline.ArtifactFile{
		{Name: fp + "." + videoExt, Data: f},
	})
	if err != nil {
		return pipeline.Artifact{}, err
	}
	return artifact, nil
}

// relayProgress surfaces yt-dlp's [download] lines at debug level.
func (p *Processor) relayProgress(stdout []byte) {
	for _, line := range strings.Split(string(stdout), "\n") {
		if strings.Contains(line, "[download]") {
			p.logger.Debug("yt-dlp progress", zap.String("line", strings.TrimSpace(line)))
		}
	}
}

func classify(err error, stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "http error 429") || strings.Contains(lower, "rate-limit"):
		return pipeline.Wrap(pipeline.KindRateLimited, err, "yt-dlp rate limited")
	case strings.Contains(lower, "http error 404") ||
		strings.Contains(lower, "video unavailable") ||
		strings.Contains(lower, "not found"):
		return pipeline.Wrap(pipeline.KindContentNotFound, err, "yt-dlp content not found")
	case strings.Contains(lower, "unsupported url") || strings.Contains(lower, "no video formats"):
		return pipeline.Wrap(pipeline.KindUnsupportedContentShape, err, "yt-dlp unsupported content")
	default:
		return pipeline.Wrap(pipeline.KindNetworkError, err, "yt-dlp download failed")
	}
}
