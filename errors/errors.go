// Package errors defines the failure taxonomy of the download pipeline. The
// job runner uses these kinds to decide between retrying a job, failing it
// terminally, and leaving it alone entirely (cancellation).
package errors

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when the job row was externally marked cancelled.
// The worker must not rewrite the job status after observing it.
var ErrCancelled = errors.New("job cancelled")

// AntiHotlinkError indicates that the CDN is substituting images or block
// pages for media segments. Retrying with the same headers will not help.
type AntiHotlinkError struct {
	Failures int
}

func (e *AntiHotlinkError) Error() string {
	return fmt.Sprintf("download aborted: %d segments failed with anti-hotlinking protection (image or block page instead of media)", e.Failures)
}

// LinkExpiredError indicates systematic HTTP 403/474 responses across
// segments, i.e. the signed URL expired or the client is blocked.
type LinkExpiredError struct {
	Failures int
}

func (e *LinkExpiredError) Error() string {
	return fmt.Sprintf("download aborted: %d segments failed with HTTP 403/474 errors (URL expired or blocked)", e.Failures)
}

// InvalidContentError is raised when a segment body does not validate as
// MPEG-TS and cannot be salvaged as ciphertext.
type InvalidContentError struct {
	Reason string
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid TS content: %s", e.Reason)
}

// PlaylistErrorKind distinguishes the ways playlist parsing can fail.
type PlaylistErrorKind string

const (
	PlaylistBadResponse  PlaylistErrorKind = "bad_response"
	PlaylistNotAPlaylist PlaylistErrorKind = "not_a_playlist"
	PlaylistNoVariants   PlaylistErrorKind = "no_variants"
	PlaylistNoSegments   PlaylistErrorKind = "no_segments"
)

type PlaylistError struct {
	Kind PlaylistErrorKind
	Msg  string
	Err  error
}

func (e *PlaylistError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("playlist error (%s): %s: %s", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("playlist error (%s): %s", e.Kind, e.Msg)
}

func (e *PlaylistError) Unwrap() error { return e.Err }

// MuxerError is a failure of the external muxer in both copy and re-encode
// modes.
type MuxerError struct {
	Err error
}

func (e *MuxerError) Error() string { return fmt.Sprintf("muxer failed: %s", e.Err) }
func (e *MuxerError) Unwrap() error { return e.Err }

// HTTPStatusError is a non-2xx response that did not match a more specific
// kind.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// As and Is re-export the stdlib helpers so callers of this package do not
// need a second errors import.
func As(err error, target interface{}) bool { return errors.As(err, target) }
func Is(err, target error) bool             { return errors.Is(err, target) }

// IsNonRetryable reports whether the job must fail terminally with no retry.
// Cancellation is handled separately: it causes neither a retry nor a status
// write.
func IsNonRetryable(err error) bool {
	var ah *AntiHotlinkError
	var le *LinkExpiredError
	return errors.As(err, &ah) || errors.As(err, &le)
}

// IsCancelled reports whether the failure was an externally requested cancel.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
