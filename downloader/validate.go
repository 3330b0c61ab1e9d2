package downloader

import (
	"bytes"
	"fmt"
	"strings"
)

// Sync-byte probe positions: the starts of the first five TS packets.
var syncOffsets = []int{0, 188, 376, 564, 752}

// looksLikeTS reports whether body plausibly is an MPEG-TS artifact: at least
// one full packet, with the sync byte present at two or more of the probed
// packet boundaries. Requiring two tolerates a single corrupted packet while
// still rejecting text and image bodies.
func looksLikeTS(body []byte) bool {
	if len(body) < tsPacketSize {
		return false
	}
	hits := 0
	for _, off := range syncOffsets {
		if off < len(body) && body[off] == tsSyncByte {
			hits++
		}
	}
	return hits >= 2
}

// antiPattern returns a non-empty reason when body looks like an HTML/XML
// error page rather than media.
func antiPattern(body []byte) string {
	head := body
	if len(head) > 500 {
		head = head[:500]
	}
	lower := strings.ToLower(string(head))

	for _, prefix := range []string{"<!doc", "<html", "<?xml"} {
		if strings.HasPrefix(lower, prefix) {
			return fmt.Sprintf("body starts with %q, an error document", prefix)
		}
	}
	for _, word := range []string{"error", "forbidden", "denied"} {
		if strings.Contains(lower, word) {
			return fmt.Sprintf("body contains %q in its first 500 bytes", word)
		}
	}
	return ""
}

// imageMagic reports whether body starts with a JPEG, PNG, or GIF signature.
// Anti-hotlink hosts serve placeholder images with a 200 status.
func imageMagic(body []byte) bool {
	for _, magic := range [][]byte{
		{0xff, 0xd8, 0xff},       // JPEG
		{0x89, 0x50, 0x4e, 0x47}, // PNG
		[]byte("GIF8"),
	} {
		if bytes.HasPrefix(body, magic) {
			return true
		}
	}
	return false
}
