package video

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/vansante/go-ffprobe.v2"
)

// ProbeResult is the subset of ffprobe output the worker persists.
type ProbeResult struct {
	Format    string
	Duration  float64
	SizeBytes int64
	Width     int
	Height    int
}

func (r ProbeResult) Resolution() string {
	if r.Width == 0 || r.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Probe runs ffprobe against a local file or URL. Transient failures are
// retried a few times; ffprobe occasionally chokes on files that are still
// settling on disk.
func Probe(ctx context.Context, path string) (ProbeResult, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(ctx, 60*time.Second)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backOff, 3), ctx)); err != nil {
		return ProbeResult{}, fmt.Errorf("error probing: %w", err)
	}
	return parseProbeOutput(data)
}

// ProbeDuration returns the container duration in whole seconds.
func ProbeDuration(ctx context.Context, path string) (int, error) {
	r, err := Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return int(r.Duration), nil
}

func parseProbeOutput(probeData *ffprobe.ProbeData) (ProbeResult, error) {
	if probeData.Format == nil {
		return ProbeResult{}, fmt.Errorf("error parsing probed file: format information missing")
	}

	out := ProbeResult{
		Format:   probeData.Format.FormatName,
		Duration: probeData.Format.DurationSeconds,
	}
	if size, err := strconv.ParseInt(probeData.Format.Size, 10, 64); err == nil {
		out.SizeBytes = size
	}

	if videoStream := probeData.FirstVideoStream(); videoStream != nil {
		out.Width = videoStream.Width
		out.Height = videoStream.Height
		// Stream duration beats container duration when present; HLS inputs
		// often only carry it per stream.
		if d, err := strconv.ParseFloat(videoStream.Duration, 64); err == nil && d > 0 {
			out.Duration = d
		}
	}
	return out, nil
}
