// Package sites validates inbound URLs against the configured source whitelist.
package sites

import (
	"net/url"
	"strings"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Aliases collapse alternate hosts onto their canonical site identifier.
var aliases = map[string]string{
	"vm.tiktok.com": "tiktok.com",
}

// Whitelist is the ordered set of supported source domains.
type Whitelist struct {
	sites []string
}

// NewWhitelist builds a whitelist from configured domain strings.
func NewWhitelist(sites []string) *Whitelist {
	normalized := make([]string, 0, len(sites))
	for _, s := range sites {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			normalized = append(normalized, s)
		}
	}
	return &Whitelist{sites: normalized}
}

// Sites returns the configured domains in order.
func (w *Whitelist) Sites() []string {
	out := make([]string, len(w.sites))
	copy(out, w.sites)
	return out
}

// Normalize canonicalizes a host: lowercase, drop a leading www.
// (keeping youtu.be-style hosts intact), and collapse known aliases.
func Normalize(host string) string {
	host = strings.ToLower(host)
	if alias, ok := aliases[host]; ok {
		return alias
	}
	if host != "youtu.be" {
		host = strings.TrimPrefix(host, "www.")
	}
	return host
}

// Resolve parses rawURL and matches its host against the whitelist.
// It returns the canonical site identifier, or a classified error:
// InvalidUrl when the URL cannot be parsed, UnsupportedSource when the
// domain is not whitelisted.
func (w *Whitelist) Resolve(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", pipeline.E(pipeline.KindInvalidURL, "cannot parse url %q", rawURL)
	}

	host := Normalize(u.Hostname())
	for _, site := range w.sites {
		if host == site || strings.HasSuffix(host, "."+site) {
			return site, nil
		}
	}
	return "", pipeline.E(pipeline.KindUnsupportedSource, "domain %q is not supported", host)
}
