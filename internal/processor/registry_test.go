package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

type namedProcessor struct{ name string }

func (p *namedProcessor) Name() string { return p.name }

func (p *namedProcessor) Fingerprint(string) (string, bool) { return "", false }

func (p *namedProcessor) Extract(context.Context, string) (pipeline.Artifact, error) {
	return pipeline.Artifact{}, nil
}

func TestResolveExactMatch(t *testing.T) {
	tiktok := &namedProcessor{name: "tiktok"}
	reg := NewRegistry(&namedProcessor{name: "generic"})
	reg.Register("tiktok.com", tiktok)

	got, ok := reg.Resolve("tiktok.com")
	require.True(t, ok)
	require.Equal(t, "tiktok", got.Name())
}

func TestResolveSuffixMatch(t *testing.T) {
	tiktok := &namedProcessor{name: "tiktok"}
	reg := NewRegistry(nil)
	reg.Register("tiktok.com", tiktok)

	got, ok := reg.Resolve("m.tiktok.com")
	require.True(t, ok)
	require.Equal(t, "tiktok", got.Name())
}

func TestResolveFallback(t *testing.T) {
	reg := NewRegistry(&namedProcessor{name: "generic"})
	reg.Register("tiktok.com", &namedProcessor{name: "tiktok"})

	got, ok := reg.Resolve("youtube.com")
	require.True(t, ok)
	require.Equal(t, "generic", got.Name())
}

func TestResolveNoFallback(t *testing.T) {
	reg := NewRegistry(nil)

	_, ok := reg.Resolve("youtube.com")
	require.False(t, ok)
}
