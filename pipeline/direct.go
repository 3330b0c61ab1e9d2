package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/vodarchive/worker/clients"
	cerrors "github.com/vodarchive/worker/errors"
	"github.com/vodarchive/worker/log"
	"github.com/vodarchive/worker/video"
)

const (
	directChunkSize = 1 << 20 // 1 MiB reads
	// How much body is written between cancellation checks.
	directCancelCheckBytes = 5 << 20
)

// runDirect streams a plain MP4 straight into the output directory. Progress
// maps bytes written onto [0, 95]; the final 95 -> 100 jump happens in
// SetCompleted after the probe.
func (r *Runner) runDirect(ctx context.Context, job *clients.Job) error {
	headers := prepareHeaders(job, false)
	session := r.newSession()

	if err := r.store.SetDownloading(ctx, job.ID, 0); err != nil {
		return err
	}
	if err := r.checkCancelled(ctx, job.ID); err != nil {
		return err
	}

	resp, err := session.Get(ctx, job.URL, headers, clients.Options{
		Timeout: r.cli.HTTPTimeout,
		Stream:  true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !resp.Success() {
		return &cerrors.HTTPStatusError{StatusCode: resp.StatusCode, URL: job.URL}
	}

	var totalBytes int64
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		totalBytes, _ = strconv.ParseInt(cl, 10, 64)
	}

	outPath, err := outputPath(r.cli.OutputDir, job.Title, job.ID)
	if err != nil {
		return err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}

	written, err := r.streamBody(ctx, job.ID, resp.Body, out, totalBytes)
	out.Close()
	if err != nil {
		os.Remove(outPath)
		return err
	}
	log.Log(job.ID, "direct download finished", "bytes", written, "path", outPath)

	if err := r.store.SetProgress(ctx, job.ID, 95); err != nil {
		return err
	}
	if duration, perr := video.ProbeDuration(ctx, outPath); perr != nil {
		log.LogError(job.ID, "error probing downloaded file", perr)
	} else if uerr := r.store.UpsertDuration(ctx, job.ID, duration); uerr != nil {
		log.LogError(job.ID, "error persisting duration", uerr)
	}

	return r.store.SetCompleted(ctx, job.ID, outPath, written)
}

// streamBody copies body to out in 1 MiB chunks, checking for external
// cancellation every 5 MiB and reporting byte progress when the total size is
// known.
func (r *Runner) streamBody(ctx context.Context, jobID string, body io.Reader, out io.Writer, totalBytes int64) (int64, error) {
	buf := make([]byte, directChunkSize)
	var written, sinceCheck int64
	lastProgress := 0

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("error writing output: %w", werr)
			}
			written += int64(n)
			sinceCheck += int64(n)

			if sinceCheck >= directCancelCheckBytes {
				sinceCheck = 0
				if cerr := r.checkCancelled(ctx, jobID); cerr != nil {
					return written, cerr
				}
				if totalBytes > 0 {
					progress := int(written * 95 / totalBytes)
					if progress > 95 {
						progress = 95
					}
					if progress > lastProgress {
						lastProgress = progress
						if perr := r.store.SetProgress(ctx, jobID, progress); perr != nil {
							log.LogError(jobID, "error writing progress", perr)
						}
					}
				}
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("error reading response body: %w", err)
		}
	}
}
