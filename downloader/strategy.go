package downloader

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/vodarchive/worker/clients"
	cerrors "github.com/vodarchive/worker/errors"
	"github.com/vodarchive/worker/log"
	"github.com/vodarchive/worker/playlist"
)

// Header strategy names, in enumeration order.
const (
	strategySourcePage    = "source_page"
	strategySegmentDomain = "segment_domain"
	strategyPlaylistURL   = "m3u8_url"
	strategyNoReferer     = "no_referer"
)

// headerStrategy rewrites the Referer/Origin pair of a request. source_page
// is the identity strategy: the captured browser headers pass through as-is.
type headerStrategy struct {
	name    string
	referer string
	origin  string
	strip   bool
}

func (s headerStrategy) apply(h *clients.Headers) *clients.Headers {
	out := h.Clone()
	if s.strip {
		out.Del("Referer")
		out.Del("Origin")
		return out
	}
	if s.referer != "" {
		out.Set("Referer", s.referer)
	}
	if s.origin != "" {
		out.Set("Origin", s.origin)
	}
	return out
}

// strategyMemo remembers the strategy that worked for a prior segment of this
// run. Scoped to one Downloader: different jobs on the same host can need
// different strategies because the source-page Referer differs.
type strategyMemo struct {
	mu   sync.Mutex
	name string
}

func (m *strategyMemo) get() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *strategyMemo) set(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
}

// strategiesFor returns the candidate strategies for one segment, the
// memoized winner first when there is one.
func (d *Downloader) strategiesFor(segURL string) []headerStrategy {
	all := []headerStrategy{
		{name: strategySourcePage},
		{
			name:    strategySegmentDomain,
			referer: originOf(segURL) + "/",
			origin:  originOf(segURL),
		},
		{
			name:    strategyPlaylistURL,
			referer: d.cfg.PlaylistURL,
			origin:  originOf(d.cfg.PlaylistURL),
		},
		{name: strategyNoReferer, strip: true},
	}

	memo := d.memo.get()
	if memo == "" {
		return all
	}
	ordered := make([]headerStrategy, 0, len(all))
	for _, s := range all {
		if s.name == memo {
			ordered = append(ordered, s)
		}
	}
	for _, s := range all {
		if s.name != memo {
			ordered = append(ordered, s)
		}
	}
	return ordered
}

// originOf returns "scheme://host" of a URL, or "" when unparsable.
func originOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Minimum plausible body size: one MPEG-TS packet.
const tsPacketSize = 188

// fetchWithStrategies tries each header strategy in order and returns the
// first plausible body. A strategy fails on transport errors, non-2xx status,
// sub-packet bodies, and image bodies. On total exhaustion the request is
// re-issued once with the original headers to capture a diagnostic body.
func (d *Downloader) fetchWithStrategies(ctx context.Context, seg playlist.Segment) ([]byte, error) {
	var lastErr error
	sawImage := false

	for _, st := range d.strategiesFor(seg.URL) {
		if d.stopped() {
			return nil, errStopped
		}

		resp, err := d.cfg.Session.Get(ctx, seg.URL, st.apply(d.headers), clients.Options{Timeout: d.timeout})
		if err != nil {
			lastErr = err
			continue
		}
		if !resp.Success() {
			lastErr = &cerrors.HTTPStatusError{StatusCode: resp.StatusCode, URL: seg.URL}
			continue
		}
		if len(resp.Content) < tsPacketSize {
			lastErr = &cerrors.InvalidContentError{
				Reason: fmt.Sprintf("body of %d bytes is smaller than one TS packet", len(resp.Content)),
			}
			continue
		}
		if imageMagic(resp.Content) {
			sawImage = true
			lastErr = &cerrors.InvalidContentError{Reason: "server returned an image instead of media"}
			log.LogDebug(d.cfg.JobID, "strategy got anti-hotlink image", "segment", seg.Index, "strategy", st.name)
			continue
		}

		if d.memo.get() != st.name {
			d.memo.set(st.name)
			log.Log(d.cfg.JobID, "header strategy established", "strategy", st.name, "segment", seg.Index)
		}
		return resp.Content, nil
	}

	if hinted := d.diagnose(ctx, seg); hinted {
		sawImage = true
	}
	if sawImage {
		return nil, &segmentError{kind: FailureAntiHotlink, err: lastErr}
	}
	return nil, lastErr
}

// diagnose re-issues the request with the original headers purely to log what
// the server actually serves: status, interesting headers, and the first 500
// bytes of body. Returns true when the body names anti-hotlinking outright.
func (d *Downloader) diagnose(ctx context.Context, seg playlist.Segment) bool {
	resp, err := d.cfg.Session.Get(ctx, seg.URL, d.headers, clients.Options{Timeout: d.timeout})
	if err != nil {
		log.LogDebug(d.cfg.JobID, "diagnostic request failed", "segment", seg.Index, "err", err)
		return false
	}

	preview := resp.Content
	if len(preview) > 500 {
		preview = preview[:500]
	}
	log.Log(d.cfg.JobID, "all header strategies exhausted",
		"segment", seg.Index,
		"status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"),
		"content_length", resp.Header.Get("Content-Length"),
		"body_preview", string(preview),
	)
	return strings.Contains(strings.ToLower(string(preview)), "anti-hotlink")
}
