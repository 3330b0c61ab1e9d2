package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vodarchive/worker/clients"
)

func TestIsDirectMP4(t *testing.T) {
	direct := []string{
		"https://example.com/v.mp4",
		"https://example.com/V.MP4",
		"https://example.com/v.mp4?token=abc",
		"https://example.com/v.mp4&token=abc",
		"https://example.com/play?file=clip.mp4",
		"https://example.com/play?file=clip%2Emp4",
	}
	for _, u := range direct {
		require.True(t, isDirectMP4(u), u)
	}

	hls := []string{
		"https://example.com/index.m3u8",
		"https://example.com/index.m3u8?quality=hd",
		"https://example.com/v.mp4.m3u8",
		"https://example.com/play?file=clip.m3u8",
		"https://example.com/mp4/index.m3u8",
	}
	for _, u := range hls {
		require.False(t, isDirectMP4(u), u)
	}
}

func TestPrepareHeadersInjectsIdentity(t *testing.T) {
	job := &clients.Job{
		ID:         "job-1",
		Referer:    "https://page.example/watch?v=1",
		SourcePage: "https://page.example/watch?v=1",
		Headers: map[string]string{
			"Range":          "bytes=0-1023",
			"Sec-Fetch-Dest": "video",
		},
	}

	h := prepareHeaders(job, false)
	require.False(t, h.Has("Range"), "captured Range headers must be stripped")
	require.Equal(t, "empty", h.Get("Sec-Fetch-Dest"))
	require.Equal(t, "https://page.example/watch?v=1", h.Get("Referer"))
	require.Equal(t, "https://page.example", h.Get("Origin"))
	require.Equal(t, chromeUA, h.Get("User-Agent"))

	// The direct path does not add the browser fetch headers.
	require.False(t, h.Has("Sec-Fetch-Mode"))
}

func TestPrepareHeadersHLSBrowserSet(t *testing.T) {
	job := &clients.Job{ID: "job-1"}

	h := prepareHeaders(job, true)
	require.Equal(t, "*/*", h.Get("Accept"))
	require.Equal(t, "en-US,en;q=0.9", h.Get("Accept-Language"))
	require.Equal(t, "gzip, deflate, br", h.Get("Accept-Encoding"))
	require.Equal(t, "empty", h.Get("Sec-Fetch-Dest"))
	require.Equal(t, "cors", h.Get("Sec-Fetch-Mode"))
	require.Equal(t, "cross-site", h.Get("Sec-Fetch-Site"))
}

func TestPrepareHeadersKeepsCapturedValues(t *testing.T) {
	job := &clients.Job{
		ID:      "job-1",
		Referer: "https://db.example/other",
		Headers: map[string]string{
			"User-Agent": "CapturedAgent/1.0",
			"Referer":    "https://captured.example/page",
			"Accept":     "video/mp2t",
		},
	}

	h := prepareHeaders(job, true)
	require.Equal(t, "CapturedAgent/1.0", h.Get("User-Agent"))
	require.Equal(t, "https://captured.example/page", h.Get("Referer"))
	require.Equal(t, "video/mp2t", h.Get("Accept"))
}
