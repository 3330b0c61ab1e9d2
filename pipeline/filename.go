package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sanitizeTitle keeps alphanumerics, spaces, hyphens, and underscores, and
// trims the result. Everything else in user-supplied titles is dropped rather
// than escaped.
func sanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// pathSafeID reduces a job id to characters safe inside a directory name.
// Job ids come from the API layer and are not trusted as path components.
func pathSafeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// outputPath derives the final MP4 path: the sanitized title, falling back to
// video_<first 8 of the job id>, with " (N)" appended on collision using the
// smallest unused N.
func outputPath(dir, title, jobID string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating output dir: %w", err)
	}

	base := sanitizeTitle(title)
	if base == "" {
		id := jobID
		if len(id) > 8 {
			id = id[:8]
		}
		base = "video_" + id
	}

	candidate := filepath.Join(dir, base+".mp4")
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}
	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d).mp4", base, n))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}
