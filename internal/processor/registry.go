// Package processor resolves extraction strategies per source site.
package processor

import (
	"strings"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Registry maps a resolved site identifier to exactly one processor.
// Sites without a dedicated entry fall back to the generic downloader,
// so a whitelisted site always resolves to something.
type Registry struct {
	bySite   map[string]pipeline.Processor
	fallback pipeline.Processor
}

// NewRegistry builds a registry with the given fallback processor.
func NewRegistry(fallback pipeline.Processor) *Registry {
	return &Registry{
		bySite:   make(map[string]pipeline.Processor),
		fallback: fallback,
	}
}

// Register binds a site to a dedicated processor. The last registration
// for a site wins.
func (r *Registry) Register(site string, p pipeline.Processor) {
	r.bySite[strings.ToLower(site)] = p
}

// Resolve finds the processor for the site: exact match, then suffix
// match, then the fallback. ok is false only when no fallback exists.
func (r *Registry) Resolve(site string) (pipeline.Processor, bool) {
	site = strings.ToLower(site)
	if p, ok := r.bySite[site]; ok {
		return p, true
	}
	for registered, p := range r.bySite {
		if strings.HasSuffix(site, "."+registered) {
			return p, true
		}
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}
