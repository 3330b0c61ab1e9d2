package clients

import (
	"net/http"
	"strings"
)

// Headers is a case-insensitive header map that preserves insertion order.
// Captured browser headers arrive as an opaque string map; order only matters
// when dumping them for wire debugging, lookups must be O(1) regardless of
// casing.
type Headers struct {
	keys   []string          // original casing, insertion order
	values map[string]string // lower-cased key -> value
}

func NewHeaders() *Headers {
	return &Headers{values: map[string]string{}}
}

// HeadersFromMap builds a Headers from a plain map, e.g. the JSON headers
// column of job_metadata. Iteration order of the source map is not preserved.
func HeadersFromMap(m map[string]string) *Headers {
	h := NewHeaders()
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func (h *Headers) Get(key string) string {
	return h.values[strings.ToLower(key)]
}

func (h *Headers) Has(key string) bool {
	_, ok := h.values[strings.ToLower(key)]
	return ok
}

// Set inserts or replaces a header. Replacing keeps the position and casing of
// the original key.
func (h *Headers) Set(key, value string) {
	lower := strings.ToLower(key)
	if _, ok := h.values[lower]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[lower] = value
}

func (h *Headers) Del(key string) {
	lower := strings.ToLower(key)
	if _, ok := h.values[lower]; !ok {
		return
	}
	delete(h.values, lower)
	for i, k := range h.keys {
		if strings.ToLower(k) == lower {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

func (h *Headers) Clone() *Headers {
	out := NewHeaders()
	if h == nil {
		return out
	}
	for _, k := range h.keys {
		out.Set(k, h.values[strings.ToLower(k)])
	}
	return out
}

// Each visits headers in insertion order.
func (h *Headers) Each(fn func(key, value string)) {
	if h == nil {
		return
	}
	for _, k := range h.keys {
		fn(k, h.values[strings.ToLower(k)])
	}
}

func (h *Headers) apply(req *http.Request) {
	h.Each(func(k, v string) {
		if strings.EqualFold(k, "Host") {
			req.Host = v
			return
		}
		req.Header.Set(k, v)
	})
}

// brotliAvailable reports whether we can decode brotli response bodies; the
// decoder is linked in from andybalholm/brotli so this is normally true.
var brotliAvailable = true

// SanitizeHeaders removes "br" from Accept-Encoding when brotli decoding is
// unavailable, preserving any other encodings. Running it twice equals running
// it once.
func SanitizeHeaders(h *Headers) *Headers {
	return sanitizeHeaders(h, brotliAvailable)
}

func sanitizeHeaders(h *Headers, brotliOK bool) *Headers {
	out := h.Clone()
	if brotliOK {
		return out
	}
	ae := out.Get("Accept-Encoding")
	if ae == "" || !strings.Contains(strings.ToLower(ae), "br") {
		return out
	}
	var kept []string
	for _, part := range strings.Split(ae, ",") {
		p := strings.TrimSpace(part)
		if strings.EqualFold(p, "br") {
			continue
		}
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		out.Del("Accept-Encoding")
	} else {
		out.Set("Accept-Encoding", strings.Join(kept, ", "))
	}
	return out
}
