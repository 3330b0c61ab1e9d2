// Package video drives the external ffmpeg/ffprobe binaries: concatenating
// downloaded TS segments into an MP4 and probing media files for metadata.
package video

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/vodarchive/worker/config"
	cerrors "github.com/vodarchive/worker/errors"
	"github.com/vodarchive/worker/log"
	"github.com/vodarchive/worker/metrics"
	"github.com/vodarchive/worker/subprocess"
)

const concatManifestName = "concat_list.txt"

// Muxer merges TS segments into an MP4 via ffmpeg's concat demuxer.
type Muxer struct {
	threads int
}

// NewMuxer fails when ffmpeg is not on PATH; there is no point accepting jobs
// we can never finish.
func NewMuxer(threads int) (*Muxer, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found on PATH: %w", err)
	}
	if threads <= 0 {
		threads = 4
	}
	return &Muxer{threads: threads}, nil
}

// Merge concatenates segmentPaths (already in playlist order) into outPath.
// Stream-copy is tried first; on failure and when allowReEncode is set, a
// full H.264/AAC re-encode runs as fallback. The concat manifest is written
// into concatDir and removed before returning.
func (m *Muxer) Merge(ctx context.Context, jobID string, segmentPaths []string, outPath, concatDir string, allowReEncode bool) error {
	if len(segmentPaths) == 0 {
		return &cerrors.MuxerError{Err: fmt.Errorf("no segments to merge")}
	}

	manifest := filepath.Join(concatDir, concatManifestName)
	if err := writeConcatManifest(manifest, segmentPaths); err != nil {
		return &cerrors.MuxerError{Err: err}
	}
	defer os.Remove(manifest)

	copyArgs := ffmpeg.KwArgs{
		"c": "copy",
		// ADTS AAC from TS needs its bitstream rewritten for MP4.
		"bsf:a":   "aac_adtstoasc",
		"threads": m.threads,
	}
	err := m.run(ctx, jobID, manifest, outPath, copyArgs, config.MuxTimeout, "copy")
	if err == nil {
		return nil
	}
	if !allowReEncode {
		return &cerrors.MuxerError{Err: err}
	}

	log.Log(jobID, "stream-copy mux failed, re-encoding", "err", err)
	reencodeArgs := ffmpeg.KwArgs{
		"c:v":     "libx264",
		"preset":  "fast",
		"crf":     "23",
		"c:a":     "aac",
		"b:a":     "128k",
		"threads": m.threads,
	}
	if err := m.run(ctx, jobID, manifest, outPath, reencodeArgs, config.ReencodeTimeout, "reencode"); err != nil {
		return &cerrors.MuxerError{Err: err}
	}
	return nil
}

func (m *Muxer) run(ctx context.Context, jobID, manifest, outPath string, outArgs ffmpeg.KwArgs, timeout time.Duration, mode string) error {
	compiled := ffmpeg.Input(manifest, ffmpeg.KwArgs{"f": "concat", "safe": "0"}).
		Output(outPath, outArgs).
		OverWriteOutput().
		Compile()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(tctx, compiled.Args[0], compiled.Args[1:]...)
	if err := subprocess.LogOutputs(cmd); err != nil {
		return err
	}

	log.Log(jobID, "running ffmpeg", "mode", mode, "args", strings.Join(cmd.Args, " "))
	start := time.Now()
	err := cmd.Run()
	metrics.Metrics.MuxDurationSec.
		WithLabelValues(mode, fmt.Sprint(err == nil)).
		Observe(time.Since(start).Seconds())
	if err != nil {
		if tctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("ffmpeg %s timed out after %s", mode, timeout)
		}
		return fmt.Errorf("ffmpeg %s failed: %w", mode, err)
	}

	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("ffmpeg %s reported success but output missing: %w", mode, err)
	}
	return nil
}

// writeConcatManifest emits one `file '<absolute path>'` line per segment in
// the order given. Single quotes inside paths are closed, escaped, reopened.
func writeConcatManifest(manifest string, segmentPaths []string) error {
	var b strings.Builder
	for _, p := range segmentPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving segment path %s: %w", p, err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return os.WriteFile(manifest, []byte(b.String()), 0644)
}
