package playlist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/grafov/m3u8"
	"github.com/vodarchive/worker/clients"
	"github.com/vodarchive/worker/config"
	cerrors "github.com/vodarchive/worker/errors"
	"github.com/vodarchive/worker/log"
)

const (
	// Playlists are text; anything over this is certainly not one.
	maxPlaylistBytes = 10 * 1024 * 1024
	// Early rejection threshold for media-typed responses.
	maxMediaContentLength = 1 * 1024 * 1024
	// How much of the body gets magic-sniffed.
	sniffBytes = 8192
	// Master playlists chaining into master playlists; two levels is already
	// unusual, anything deeper is a loop.
	maxVariantDepth = 3
)

// Parser fetches and decodes playlists. It carries its session as explicit
// state so the recursive variant parse reuses cookies and TLS sessions.
type Parser struct {
	jobID   string
	session clients.Session
	headers *clients.Headers
}

// Parse fetches url and returns its Descriptor. Master playlists are resolved
// to their highest-BANDWIDTH variant with a recursive parse over the same
// session.
func Parse(ctx context.Context, jobID, rawurl string, headers *clients.Headers, session clients.Session) (*Descriptor, error) {
	p := &Parser{
		jobID:   jobID,
		session: session,
		headers: clients.SanitizeHeaders(headers),
	}
	return p.parse(ctx, rawurl, 0)
}

func (p *Parser) parse(ctx context.Context, rawurl string, depth int) (*Descriptor, error) {
	if depth >= maxVariantDepth {
		return nil, &cerrors.PlaylistError{Kind: cerrors.PlaylistNoSegments, Msg: "variant playlists nested too deeply"}
	}

	content, err := p.fetch(ctx, rawurl)
	if err != nil {
		return nil, err
	}

	// Non-strict decoding: a missing #EXTM3U header was already warned about
	// in fetch and must not fail the job.
	pl, listType, err := m3u8.DecodeFrom(strings.NewReader(content), false)
	if err != nil {
		return nil, &cerrors.PlaylistError{Kind: cerrors.PlaylistNotAPlaylist, Msg: "undecodable playlist", Err: err}
	}

	switch listType {
	case m3u8.MASTER:
		return p.parseMaster(ctx, rawurl, pl.(*m3u8.MasterPlaylist), depth)
	case m3u8.MEDIA:
		return p.parseMedia(rawurl, pl.(*m3u8.MediaPlaylist))
	default:
		return nil, &cerrors.PlaylistError{Kind: cerrors.PlaylistNotAPlaylist, Msg: "unknown playlist type"}
	}
}

// fetch performs the single GET with the fetch discipline: 30s timeout, hard
// size cap, early Content-Length rejection, UTF-8 requirement, and magic-byte
// sniffing for things pretending to be playlists.
func (p *Parser) fetch(ctx context.Context, rawurl string) (string, error) {
	resp, err := p.session.Get(ctx, rawurl, p.headers, clients.Options{
		Timeout: config.HTTPTimeout,
		Stream:  true,
	})
	if err != nil {
		return "", &cerrors.PlaylistError{Kind: cerrors.PlaylistBadResponse, Msg: "playlist fetch failed", Err: err}
	}
	defer resp.Body.Close()

	if !resp.Success() {
		return "", &cerrors.PlaylistError{
			Kind: cerrors.PlaylistBadResponse,
			Msg:  fmt.Sprintf("playlist fetch returned HTTP %d", resp.StatusCode),
		}
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > maxMediaContentLength && mediaContentType(contentType) {
			return "", &cerrors.PlaylistError{
				Kind: cerrors.PlaylistBadResponse,
				Msg:  fmt.Sprintf("response is %d bytes of %s - a media file, not a playlist", n, contentType),
			}
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes+1))
	if err != nil {
		return "", &cerrors.PlaylistError{Kind: cerrors.PlaylistBadResponse, Msg: "error reading playlist body", Err: err}
	}
	if len(body) > maxPlaylistBytes {
		return "", &cerrors.PlaylistError{
			Kind: cerrors.PlaylistBadResponse,
			Msg:  fmt.Sprintf("response exceeds %d MiB limit", maxPlaylistBytes/1024/1024),
		}
	}
	if !utf8.Valid(body) {
		return "", &cerrors.PlaylistError{Kind: cerrors.PlaylistNotAPlaylist, Msg: "response is binary data, not a playlist"}
	}

	head := body
	if len(head) > sniffBytes {
		head = head[:sniffBytes]
	}
	if kind := sniffNonPlaylist(head); kind != "" {
		return "", &cerrors.PlaylistError{
			Kind: cerrors.PlaylistNotAPlaylist,
			Msg:  fmt.Sprintf("response is a %s file, not a playlist", kind),
		}
	}
	if !strings.HasPrefix(strings.TrimSpace(string(head)), "#EXTM3U") {
		preview := string(head)
		if len(preview) > 200 {
			preview = preview[:200]
		}
		log.Log(p.jobID, "playlist does not start with #EXTM3U", "preview", preview)
	}

	return string(body), nil
}

func mediaContentType(ct string) bool {
	return strings.Contains(ct, "video") || strings.Contains(ct, "octet-stream") || strings.Contains(ct, "audio")
}

// sniffNonPlaylist returns a short description of recognized binary formats:
// MP4 (ftyp at offset 4 or a size+ftyp prefix), JPEG, PNG.
func sniffNonPlaylist(head []byte) string {
	if len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp")) {
		return "MP4"
	}
	for _, prefix := range [][]byte{{0x00, 0x00, 0x00, 0x1c}, {0x00, 0x00, 0x00, 0x18}, {0x00, 0x00, 0x00, 0x20}} {
		if bytes.HasPrefix(head, prefix) {
			return "MP4"
		}
	}
	if bytes.HasPrefix(head, []byte{0xff, 0xd8, 0xff}) {
		return "JPEG"
	}
	if bytes.HasPrefix(head, []byte{0x89, 0x50, 0x4e, 0x47}) {
		return "PNG"
	}
	return ""
}

func (p *Parser) parseMaster(ctx context.Context, rawurl string, master *m3u8.MasterPlaylist, depth int) (*Descriptor, error) {
	variants := make([]*m3u8.Variant, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		variants = append(variants, v)
	}
	if len(variants) == 0 {
		return nil, &cerrors.PlaylistError{Kind: cerrors.PlaylistNoVariants, Msg: "no variants in master playlist"}
	}

	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Bandwidth > variants[j].Bandwidth
	})
	best := variants[0]

	variantURL, err := resolveURL(rawurl, best.URI)
	if err != nil {
		return nil, &cerrors.PlaylistError{Kind: cerrors.PlaylistNoVariants, Msg: "unresolvable variant URI", Err: err}
	}
	log.Log(p.jobID, "selected variant", "bandwidth", best.Bandwidth, "resolution", best.Resolution, "url", variantURL)

	desc, err := p.parse(ctx, variantURL, depth+1)
	if err != nil {
		return nil, err
	}
	desc.Resolution = best.Resolution
	desc.SelectedVariantURL = variantURL
	return desc, nil
}

func (p *Parser) parseMedia(rawurl string, media *m3u8.MediaPlaylist) (*Descriptor, error) {
	desc := &Descriptor{BaseURL: rawurl}

	// EXT-X-KEY applies to every following segment until replaced. grafov
	// attaches the tag to the segment it precedes; the playlist-level key
	// covers the case where it appears before any segment.
	currentKey := media.Key
	var totalDuration float64

	for i, seg := range media.Segments {
		// Segments is a ring buffer; nil marks the end.
		if seg == nil {
			break
		}
		if seg.Key != nil {
			currentKey = seg.Key
		}

		// Skipping a bad URI would desync every later segment's sequence
		// number (and with it the derived decryption IVs), so it is fatal.
		segURL, err := resolveURL(rawurl, seg.URI)
		if err != nil {
			return nil, &cerrors.PlaylistError{
				Kind: cerrors.PlaylistNotAPlaylist,
				Msg:  fmt.Sprintf("unresolvable segment URI %q", seg.URI),
				Err:  err,
			}
		}

		out := Segment{
			URL:      segURL,
			Duration: seg.Duration,
			Index:    i,
			Sequence: media.SeqNo + uint64(i),
		}
		if k := p.segmentKey(rawurl, currentKey); k != nil {
			out.Key = k
			desc.HasEncryption = true
		}
		desc.Segments = append(desc.Segments, out)
		totalDuration += seg.Duration
	}

	if len(desc.Segments) == 0 {
		return nil, &cerrors.PlaylistError{Kind: cerrors.PlaylistNoSegments, Msg: "no segments found in playlist"}
	}
	desc.Duration = int(totalDuration)
	return desc, nil
}

func (p *Parser) segmentKey(baseURL string, key *m3u8.Key) *Key {
	if key == nil || key.Method != "AES-128" || key.URI == "" {
		return nil
	}
	keyURL, err := resolveURL(baseURL, key.URI)
	if err != nil {
		log.Log(p.jobID, "unresolvable key URI", "uri", key.URI, "err", err)
		return nil
	}
	return &Key{Method: key.Method, URI: keyURL, IV: parseIV(key.IV)}
}

func resolveURL(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}
