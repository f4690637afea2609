// Package tiktok implements the dedicated TikTok extraction strategy.
//
// Extraction follows the web page first: resolve the short-link
// redirect, pull the embedded state script, and download the video URL
// it carries. When the page withholds its state (or the post is a
// slideshow) it falls back to TikTok's internal aweme API with
// device-spoofing parameters.
package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

const (
	scriptIDPrimary   = "SIGI_STATE"
	scriptIDSecondary = "__UNIVERSAL_DATA_FOR_REHYDRATION__"
	loginPath         = "/login"
	pageUserAgent     = "Mozilla/5.0"
)

var (
	videoIDPattern = regexp.MustCompile(`/video/(\d+)`)
	photoIDPattern = regexp.MustCompile(`/photo/(\d+)`)
)

// Config controls the TikTok processor.
type Config struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Aweme   *AwemeConfig  `mapstructure:"aweme"`
}

// Processor extracts TikTok videos and slideshows.
type Processor struct {
	store  pipeline.ArtifactStore
	client *http.Client
	cfg    Config
	logger *zap.Logger
}

// New constructs the TikTok processor.
func New(store pipeline.ArtifactStore, cfg Config, logger *zap.Logger) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// Name identifies the processor in logs and telemetry.
func (p *Processor) Name() string { return "tiktok" }

// Fingerprint derives the native media id from the URL path when it is
// already a canonical /video/ or /photo/ link. Short mobile links need
// a redirect resolution first, so they decline the fast path.
func (p *Processor) Fingerprint(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	return extractID(u.Path)
}

func extractID(path string) (string, bool) {
	if m := videoIDPattern.FindStringSubmatch(path); m != nil {
		return m[1], true
	}
	if m := photoIDPattern.FindStringSubmatch(path); m != nil {
		return m[1], true
	}
	return "", false
}

// ResolveFingerprint follows the short-link redirect chain and derives
// the media id from the canonical URL it lands on, without touching
// the post itself. Failures just decline; extraction will resolve the
// redirect again anyway.
func (p *Processor) ResolveFingerprint(ctx context.Context, rawURL string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("User-Agent", pageUserAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("short link resolution failed", zap.Error(err))
		return "", false
	}
	resp.Body.Close()
	return extractID(resp.Request.URL.Path)
}

// Extract runs the page-first strategy; see the package comment.
func (p *Processor) Extract(ctx context.Context, rawURL string) (pipeline.Artifact, error) {
	page, err := p.fetchPage(ctx, rawURL)
	if err != nil {
		return pipeline.Artifact{}, err
	}

	id, ok := extractID(page.finalURL.Path)
	if !ok {
		return pipeline.Artifact{}, pipeline.E(
			pipeline.KindUnsupportedContentShape,
			"no media id in resolved path %q", page.finalURL.Path,
		)
	}
	isVideo := strings.Contains(page.finalURL.Path, "/video/")
	p.logger.Debug("resolved tiktok resource",
		zap.String("id", id),
		zap.Bool("video", isVideo),
	)

	if isVideo {
		if artifact, ok, err := p.tryPageVideo(ctx, id, page); ok {
			return artifact, err
		}
	}

	if p.cfg.Aweme == nil {
		return pipeline.Artifact{}, pipeline.E(
			pipeline.KindUnsupportedContentShape,
			"post %s needs the internal api and none is configured", id,
		)
	}
	return p.extractViaAweme(ctx, id, isVideo, page.cookies)
}

// tryPageVideo attempts the embedded-state path. ok=false means the
// page state was missing or unparsable and the aweme fallback should
// run; ok=true ends extraction with the returned artifact or error.
func (p *Processor) tryPageVideo(ctx context.Context, id string, page pageResult) (pipeline.Artifact, bool, error) {
	script, err := pageScript(page.body)
	if err != nil {
		p.logger.Debug("page state script unavailable", zap.String("id", id), zap.Error(err))
		return pipeline.Artifact{}, false, nil
	}
	videoURL, err := videoURLFromState(script)
	if err != nil {
		p.logger.Debug("page state did not yield a video url", zap.String("id", id), zap.Error(err))
		return pipeline.Artifact{}, false, nil
	}
	artifact, err := p.downloadVideo(ctx, id, videoURL, page.cookies)
	return artifact, true, err
}

type pageResult struct {
	finalURL *url.URL
	body     []byte
	cookies  []string
}

// fetchPage resolves redirects (vm.tiktok.com short links land on the
// canonical post URL) and returns the final page plus its cookies.
func (p *Processor) fetchPage(ctx context.Context, rawURL string) (pageResult, error) {
	collector := colly.NewCollector(colly.Async(false))
	collector.UserAgent = pageUserAgent
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(p.cfg.Timeout)

	var (
		result   pageResult
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", "en-US,en;q=0.5")
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	})
	collector.OnResponse(func(r *colly.Response) {
		result = pageResult{
			finalURL: r.Request.URL,
			body:     append([]byte(nil), r.Body...),
			cookies:  cookiePairs(r.Headers.Values("Set-Cookie")),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = classifyPageError(r, err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return pageResult{}, pipeline.Wrap(pipeline.KindNetworkError, ctx.Err(), "page fetch canceled")
	case err := <-done:
		if fetchErr != nil {
			return pageResult{}, fetchErr
		}
		if err != nil {
			return pageResult{}, pipeline.Wrap(pipeline.KindNetworkError, err, "fetch tiktok page")
		}
	}

	if result.finalURL == nil {
		return pageResult{}, pipeline.E(pipeline.KindNetworkError, "no response for %q", rawURL)
	}
	if strings.HasPrefix(result.finalURL.Path, loginPath) {
		// Redirected to the login wall: treat as throttling, a later
		// attempt usually goes through.
		return pageResult{}, pipeline.E(pipeline.KindRateLimited, "redirected to login wall")
	}
	return result, nil
}

func classifyPageError(r *colly.Response, err error) error {
	status := 0
	if r != nil {
		status = r.StatusCode
	}
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return pipeline.Wrap(pipeline.KindContentNotFound, err, "tiktok page not found")
	case http.StatusTooManyRequests:
		return pipeline.Wrap(pipeline.KindRateLimited, err, "tiktok page rate limited")
	default:
		return pipeline.Wrap(pipeline.KindNetworkError, err, "fetch tiktok page")
	}
}

// cookiePairs reduces Set-Cookie headers to name=value pairs for reuse
// on the media request.
func cookiePairs(setCookies []string) []string {
	var pairs []string
	for _, raw := range setCookies {
		pair, _, _ := strings.Cut(raw, ";")
		pair = strings.TrimSpace(pair)
		if pair != "" && strings.Contains(pair, "=") {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

// pageScript pulls the embedded JSON state out of the page, trying the
// primary script id first and the rehydration one second.
func pageScript(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse page html: %w", err)
	}
	for _, id := range []string{scriptIDPrimary, scriptIDSecondary} {
		if sel := doc.Find("script#" + id); sel.Length() > 0 {
			return sel.First().Text(), nil
		}
	}
	return "", fmt.Errorf("no state script in page")
}

// videoURLFromState walks the rehydration state down to the first
// bitrate variant's play address.
func videoURLFromState(script string) (string, error) {
	var state any
	if err := json.Unmarshal([]byte(script), &state); err != nil {
		return "", fmt.Errorf("parse state json: %w", err)
	}
	urls, ok := dig(state,
		"__DEFAULT_SCOPE__", "webapp.video-detail", "itemInfo", "itemStruct",
		"video", "bitrateInfo", "0", "PlayAddr", "UrlList",
	)
	if !ok {
		return "", fmt.Errorf("state json has no play address")
	}
	list, ok := urls.([]any)
	if !ok || len(list) == 0 {
		return "", fmt.Errorf("empty play address list")
	}
	first, ok := list[0].(string)
	if !ok || first == "" {
		return "", fmt.Errorf("malformed play address entry")
	}
	return strings.ReplaceAll(first, "amp;", ""), nil
}

// dig walks maps by key and slices by decimal index.
func dig(v any, keys ...string) (any, bool) {
	for _, key := range keys {
		switch node := v.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			idx := int(key[0] - '0')
			if len(key) != 1 || idx < 0 || idx >= len(node) {
				return nil, false
			}
			v = node[idx]
		default:
			return nil, false
		}
	}
	return v, true
}

// downloadVideo streams the media URL into the artifact store.
func (p *Processor) downloadVideo(ctx context.Context, id, mediaURL string, cookies []string) (pipeline.Artifact, error) {
	body, err := p.get(ctx, mediaURL, cookies, pageUserAgent, nil)
	if err != nil {
		return pipeline.Artifact{}, err
	}
	defer body.Close()

	artifact, err := p.store.Put(ctx, id, pipeline.MediaVideo, []pipeline.ArtifactFile{
		{Name: id + ".mp4", Data: body},
	})
	if err != nil {
		return pipeline.Artifact{}, err
	}
	return artifact, nil
}

// downloadSlideshow stores every image of the post as one bundle.
func (p *Processor) downloadSlideshow(ctx context.Context, id string, imageURLs []string) (pipeline.Artifact, error) {
	var files []pipeline.ArtifactFile
	var bodies []io.ReadCloser
	defer func() {
		for _, b := range bodies {
			b.Close()
		}
	}()
	for i, imageURL := range imageURLs {
		body, err := p.get(ctx, imageURL, nil, pageUserAgent, nil)
		if err != nil {
			return pipeline.Artifact{}, err
		}
		bodies = append(bodies, body)
		files = append(files, pipeline.ArtifactFile{
			Name: fmt.Sprintf("%s_%d.jpeg", id, i),
			Data: body,
		})
	}

	artifact, err := p.store.Put(ctx, id, pipeline.MediaSlideshow, files)
	if err != nil {
		return pipeline.Artifact{}, err
	}
	return artifact, nil
}

func (p *Processor) get(ctx context.Context, rawURL string, cookies []string, userAgent string, headers map[string]string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindNetworkError, err, "build media request")
	}
	req.Header.Set("User-Agent", userAgent)
	if len(cookies) > 0 {
		req.Header.Set("Cookie", strings.Join(cookies, "; "))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindNetworkError, err, "fetch media")
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, pipeline.E(pipeline.KindRateLimited, "media fetch rate limited")
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, pipeline.E(pipeline.KindContentNotFound, "media not found")
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, pipeline.E(pipeline.KindNetworkError, "media fetch status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
