package tiktok

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// AwemeConfig carries the device identity presented to TikTok's
// internal API. All of it is spoofed; the endpoint rejects requests
// that do not look like the mobile app.
type AwemeConfig struct {
	URL                string   `mapstructure:"url"`
	AppName            string   `mapstructure:"app_name"`
	UserAgent          string   `mapstructure:"user_agent"`
	VersionCode        string   `mapstructure:"version_code"`
	AppVersion         string   `mapstructure:"app_version"`
	ManifestAppVersion string   `mapstructure:"manifest_app_version"`
	IIDs               []string `mapstructure:"iids"`
	DeviceIDLowerBound int64    `mapstructure:"device_id_lower_bound"`
	DeviceIDUpperBound int64    `mapstructure:"device_id_upper_bound"`
	DeviceBrand        string   `mapstructure:"device_brand"`
	DeviceType         string   `mapstructure:"device_type"`
	OSVersion          string   `mapstructure:"os_version"`
	Channel            string   `mapstructure:"channel"`
	Region             string   `mapstructure:"region"`
}

const (
	odinCookieLength = 160
	alphanumeric     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	videoCDNMarker   = "byteicdn.com"
)

type awemeResponse struct {
	AwemeList []awemeItem `json:"aweme_list"`
}

type awemeItem struct {
	ImagePostInfo *struct {
		Images []struct {
			DisplayImage struct {
				URLList []string `json:"url_list"`
			} `json:"display_image"`
		} `json:"images"`
	} `json:"image_post_info"`
	Video *struct {
		PlayAddr struct {
			URLList []string `json:"url_list"`
		} `json:"play_addr"`
	} `json:"video"`
}

// extractViaAweme queries the internal API and stores whichever media
// shape the post turns out to be.
func (p *Processor) extractViaAweme(ctx context.Context, id string, isVideo bool, cookies []string) (pipeline.Artifact, error) {
	item, err := p.callAweme(ctx, id)
	if err != nil {
		return pipeline.Artifact{}, err
	}

	if item.ImagePostInfo != nil && len(item.ImagePostInfo.Images) > 0 {
		imageURLs, err := slideshowImageURLs(item)
		if err != nil {
			return pipeline.Artifact{}, err
		}
		p.logger.Debug("aweme api returned slideshow",
			zap.String("id", id),
			zap.Int("images", len(imageURLs)),
		)
		return p.downloadSlideshow(ctx, id, imageURLs)
	}

	videoURL, err := awemeVideoURL(item)
	if err != nil {
		if !isVideo {
			return pipeline.Artifact{}, pipeline.Wrap(
				pipeline.KindUnsupportedContentShape, err,
				fmt.Sprintf("post %s is neither slideshow nor video", id),
			)
		}
		return pipeline.Artifact{}, err
	}
	return p.downloadVideo(ctx, id, videoURL, cookies)
}

func (p *Processor) callAweme(ctx context.Context, id string) (awemeItem, error) {
	cfg := p.cfg.Aweme
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return awemeItem{}, pipeline.Wrap(pipeline.KindUnknown, err, "parse aweme endpoint")
	}
	q, err := p.awemeQuery(id)
	if err != nil {
		return awemeItem{}, err
	}
	endpoint.RawQuery = q.Encode()

	headers := map[string]string{
		"Cookie": "odin_tt=" + randomAlphanumeric(odinCookieLength),
	}
	body, err := p.get(ctx, endpoint.String(), nil, cfg.userAgent(), headers)
	if err != nil {
		return awemeItem{}, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return awemeItem{}, pipeline.Wrap(pipeline.KindNetworkError, err, "read aweme response")
	}
	var resp awemeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return awemeItem{}, pipeline.Wrap(pipeline.KindUnsupportedContentShape, err, "parse aweme response")
	}
	if len(resp.AwemeList) == 0 {
		return awemeItem{}, pipeline.E(pipeline.KindContentNotFound, "aweme api returned no items for %s", id)
	}
	return resp.AwemeList[0], nil
}

// awemeQuery builds the device-spoofing query for one request. The
// device id is drawn fresh within the configured bounds and the iid is
// picked at random from the pool so consecutive calls do not present
// an identical identity.
func (p *Processor) awemeQuery(id string) (url.Values, error) {
	cfg := p.cfg.Aweme
	deviceID, err := randomInRange(cfg.DeviceIDLowerBound, cfg.DeviceIDUpperBound)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindUnknown, err, "generate device id")
	}
	iid, err := randomChoice(cfg.IIDs)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindUnknown, err, "pick iid")
	}

	q := url.Values{}
	q.Set("aweme_id", id)
	q.Set("device_id", fmt.Sprintf("%d", deviceID))
	q.Set("iid", iid)
	q.Set("aid", "1233")
	q.Set("app_name", cfg.AppName)
	q.Set("version_code", cfg.VersionCode)
	q.Set("version_name", cfg.AppVersion)
	q.Set("manifest_version_code", cfg.ManifestAppVersion)
	q.Set("app_version", cfg.AppVersion)
	q.Set("device_brand", cfg.DeviceBrand)
	q.Set("device_type", cfg.DeviceType)
	q.Set("device_platform", "android")
	q.Set("os_version", cfg.OSVersion)
	q.Set("channel", cfg.Channel)
	q.Set("region", cfg.Region)
	return q, nil
}

// userAgent mirrors the mobile app's UA scheme: the musical_ly app
// name maps to a different package prefix than every other build.
func (c *AwemeConfig) userAgent() string {
	pkg := "com.ss.android.ugc." + c.AppName
	if c.AppName == "musical_ly" {
		pkg = "com.zhiliaoapp.musically"
	}
	return fmt.Sprintf("%s/%s %s", pkg, c.VersionCode, c.UserAgent)
}

// slideshowImageURLs picks the jpeg variant of every image.
func slideshowImageURLs(item awemeItem) ([]string, error) {
	var urls []string
	for i, img := range item.ImagePostInfo.Images {
		picked := ""
		for _, candidate := range img.DisplayImage.URLList {
			if strings.Contains(candidate, ".jpeg") {
				picked = candidate
				break
			}
		}
		if picked == "" {
			return nil, pipeline.E(pipeline.KindUnsupportedContentShape, "image %d has no jpeg variant", i)
		}
		urls = append(urls, picked)
	}
	return urls, nil
}

// awemeVideoURL prefers the CDN entry of the play address list.
func awemeVideoURL(item awemeItem) (string, error) {
	if item.Video == nil || len(item.Video.PlayAddr.URLList) == 0 {
		return "", pipeline.E(pipeline.KindUnsupportedContentShape, "aweme item has no play address")
	}
	list := item.Video.PlayAddr.URLList
	for _, candidate := range list {
		if strings.Contains(candidate, videoCDNMarker) {
			return candidate, nil
		}
	}
	return list[0], nil
}

func randomAlphanumeric(n int) string {
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphanumeric))))
		if err != nil {
			out[i] = alphanumeric[0]
			continue
		}
		out[i] = alphanumeric[idx.Int64()]
	}
	return string(out)
}

func randomInRange(lower, upper int64) (int64, error) {
	if upper <= lower {
		return lower, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(upper-lower))
	if err != nil {
		return 0, err
	}
	return lower + n.Int64(), nil
}

func randomChoice(pool []string) (string, error) {
	if len(pool) == 0 {
		return "", fmt.Errorf("empty pool")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
	if err != nil {
		return "", err
	}
	return pool[n.Int64()], nil
}
