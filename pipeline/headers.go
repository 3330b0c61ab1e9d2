package pipeline

import (
	"net/url"
	"strings"

	"github.com/vodarchive/worker/clients"
)

// chromeUA is injected when the captured headers carry no User-Agent; hosts
// that fingerprint clients reject Go's default.
const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// isDirectMP4 routes plain MP4 URLs away from the HLS path. Also matched: an
// mp4 hidden in a `file=` query parameter, percent-encoded or not.
func isDirectMP4(rawurl string) bool {
	lower := strings.ToLower(rawurl)
	if strings.HasSuffix(lower, ".mp4") || strings.Contains(lower, ".mp4?") || strings.Contains(lower, ".mp4&") {
		return true
	}

	parsed, err := url.Parse(rawurl)
	if err != nil {
		return false
	}
	file := strings.ToLower(parsed.Query().Get("file"))
	if decoded, err := url.QueryUnescape(file); err == nil {
		file = decoded
	}
	return strings.HasSuffix(file, ".mp4")
}

// prepareHeaders turns the captured browser headers of a job into the request
// headers for this attempt: proxy-hostile headers are stripped, identity
// headers are filled in when the capture lacks them, and the HLS path
// additionally mimics a browser's fetch of a cross-site media resource.
func prepareHeaders(job *clients.Job, hls bool) *clients.Headers {
	h := clients.HeadersFromMap(job.Headers)

	// A captured Range header would truncate every segment to the byte window
	// of the original page load.
	h.Del("Range")

	if h.Get("Sec-Fetch-Dest") == "video" {
		h.Set("Sec-Fetch-Dest", "empty")
	}

	if !h.Has("Referer") && job.Referer != "" {
		h.Set("Referer", job.Referer)
	}
	if !h.Has("Origin") && job.SourcePage != "" {
		if u, err := url.Parse(job.SourcePage); err == nil && u.Scheme != "" && u.Host != "" {
			h.Set("Origin", u.Scheme+"://"+u.Host)
		}
	}
	if !h.Has("User-Agent") {
		h.Set("User-Agent", chromeUA)
	}

	if hls {
		setIfAbsent(h, "Accept", "*/*")
		setIfAbsent(h, "Accept-Language", "en-US,en;q=0.9")
		setIfAbsent(h, "Accept-Encoding", "gzip, deflate, br")
		setIfAbsent(h, "Sec-Fetch-Dest", "empty")
		setIfAbsent(h, "Sec-Fetch-Mode", "cors")
		setIfAbsent(h, "Sec-Fetch-Site", "cross-site")
	}
	return h
}

func setIfAbsent(h *clients.Headers, key, value string) {
	if !h.Has(key) {
		h.Set(key, value)
	}
}
