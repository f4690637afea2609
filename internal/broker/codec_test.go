package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

func TestJobWireFields(t *testing.T) {
	t.Parallel()

	job := pipeline.Job{
		ID:           "job-1",
		SourceURL:    "https://www.tiktok.com/@u/video/7331",
		ResolvedSite: "tiktok.com",
		RequesterID:  "chat-42",
		SubmittedAt:  time.Unix(1700000000, 0).UTC(),
	}
	data, err := EncodeJob(job)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, field := range []string{"job_id", "source_url", "resolved_site", "requester_id", "submitted_at"} {
		require.Contains(t, raw, field)
	}

	decoded, err := DecodeJob(data)
	require.NoError(t, err)
	require.Equal(t, job, decoded)
}

func TestDecodeJob_MissingID(t *testing.T) {
	t.Parallel()

	_, err := DecodeJob([]byte(`{"source_url":"https://x"}`))
	require.Error(t, err)

	_, err = DecodeJob([]byte(`not json`))
	require.Error(t, err)
}

func TestResultWireFields(t *testing.T) {
	t.Parallel()

	delivered := pipeline.Delivered("job-1", "/data/media/7331.mp4")
	data, err := EncodeResult(delivered)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "delivered", raw["outcome"])
	require.Equal(t, "/data/media/7331.mp4", raw["artifact_reference"])
	require.NotContains(t, raw, "error_kind")

	failed := pipeline.Failed("job-2", pipeline.E(pipeline.KindContentNotFound, "removed"))
	data, err = EncodeResult(failed)
	require.NoError(t, err)

	raw = map[string]any{}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "failed", raw["outcome"])
	require.Equal(t, "content_not_found", raw["error_kind"])
	require.NotContains(t, raw, "artifact_reference")

	decoded, err := DecodeResult(data)
	require.NoError(t, err)
	require.Equal(t, failed, decoded)
}
