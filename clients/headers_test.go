package clients

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeadersCaseInsensitiveAccess(t *testing.T) {
	h := NewHeaders()
	h.Set("Referer", "https://example.com/page")
	h.Set("X-Custom", "a")

	require.Equal(t, "https://example.com/page", h.Get("referer"))
	require.Equal(t, "https://example.com/page", h.Get("REFERER"))
	require.True(t, h.Has("x-custom"))

	h.Set("referer", "https://other.example/")
	require.Equal(t, "https://other.example/", h.Get("Referer"))
	require.Equal(t, 2, h.Len())

	h.Del("REFERER")
	require.False(t, h.Has("referer"))
	require.Equal(t, 1, h.Len())
}

func TestHeadersPreserveInsertionOrder(t *testing.T) {
	h := NewHeaders()
	h.Set("B-Second", "2")
	h.Set("A-First", "1")
	h.Set("C-Third", "3")
	h.Set("b-second", "2b") // replace keeps position and casing

	var keys []string
	h.Each(func(k, v string) { keys = append(keys, k) })
	require.Equal(t, []string{"B-Second", "A-First", "C-Third"}, keys)
	require.Equal(t, "2b", h.Get("B-Second"))
}

func TestSanitizeHeadersRemovesBrotliOnly(t *testing.T) {
	h := NewHeaders()
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Accept", "*/*")

	out := sanitizeHeaders(h, false)
	require.Equal(t, "gzip, deflate", out.Get("Accept-Encoding"))
	require.Equal(t, "*/*", out.Get("Accept"))
	// original untouched
	require.Equal(t, "gzip, deflate, br", h.Get("Accept-Encoding"))
}

func TestSanitizeHeadersDropsHeaderWhenOnlyBrotli(t *testing.T) {
	h := NewHeaders()
	h.Set("Accept-Encoding", "br")
	out := sanitizeHeaders(h, false)
	require.False(t, out.Has("Accept-Encoding"))
}

func TestSanitizeHeadersIdempotent(t *testing.T) {
	h := NewHeaders()
	h.Set("Accept-Encoding", "gzip, br, deflate")

	once := sanitizeHeaders(h, false)
	twice := sanitizeHeaders(once, false)
	require.Equal(t, once.Get("Accept-Encoding"), twice.Get("Accept-Encoding"))
	require.Equal(t, once.Len(), twice.Len())
}

func TestSanitizeHeadersKeepsBrotliWhenAvailable(t *testing.T) {
	h := NewHeaders()
	h.Set("Accept-Encoding", "gzip, deflate, br")
	out := sanitizeHeaders(h, true)
	require.Equal(t, "gzip, deflate, br", out.Get("Accept-Encoding"))
}
