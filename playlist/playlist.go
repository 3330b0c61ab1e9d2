// Package playlist fetches and interprets HLS playlists: master-variant
// selection, segment extraction with per-segment encryption keys, and the
// fetch discipline that rejects things that are not playlists at all (MP4s,
// anti-hotlink images, multi-gigabyte bodies).
package playlist

import (
	"encoding/hex"
	"strings"
)

// Key is an AES-128 clear-key directive attached to a segment. Keys may
// rotate between segments within one playlist.
type Key struct {
	Method string
	// URI resolved to an absolute URL.
	URI string
	// IV from the EXT-X-KEY tag, nil when absent or malformed. When nil the
	// segment sequence number (big-endian, 16 bytes) is the IV.
	IV []byte
}

// Segment is one media segment in playlist order.
type Segment struct {
	URL      string
	Duration float64
	// Index is the position in discovery order, used for output file naming.
	Index int
	// Sequence is media_sequence + Index, the HLS media sequence number.
	Sequence uint64
	Key      *Key
}

// Descriptor is the parse result the downloader and job runner consume.
type Descriptor struct {
	Segments []Segment
	// Duration is the summed segment duration in whole seconds.
	Duration int
	// Resolution of the selected variant, when parsed from a master playlist.
	Resolution string
	// SelectedVariantURL is set when a master playlist was followed.
	SelectedVariantURL string
	HasEncryption      bool
	BaseURL            string
}

func (d *Descriptor) SegmentCount() int { return len(d.Segments) }

// FirstKey returns the first AES-128 key in segment order, or nil.
func (d *Descriptor) FirstKey() *Key {
	for _, s := range d.Segments {
		if s.Key != nil {
			return s.Key
		}
	}
	return nil
}

// parseIV interprets an EXT-X-KEY IV attribute. Hex with or without an 0x
// prefix is accepted; anything malformed yields nil rather than failing the
// parse, the sequence-number default then applies.
func parseIV(s string) []byte {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	iv, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return iv
}
