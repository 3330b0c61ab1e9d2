// Package pipeline orchestrates one download job end to end: routing between
// the HLS and direct-MP4 paths, progress accounting, cancellation checkpoints,
// and the retry policy, plus the queue loop feeding it.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vodarchive/worker/clients"
	"github.com/vodarchive/worker/config"
	"github.com/vodarchive/worker/downloader"
	cerrors "github.com/vodarchive/worker/errors"
	"github.com/vodarchive/worker/log"
	"github.com/vodarchive/worker/metrics"
	"github.com/vodarchive/worker/playlist"
	"github.com/vodarchive/worker/video"
)

// Thresholds above which segment failures condemn the whole job. Both are
// non-retryable: new attempts would hit the same wall.
const (
	antiHotlinkThreshold = 5
	blockedThreshold     = 20
)

// Muxer merges ordered segment files into one MP4. Satisfied by video.Muxer.
type Muxer interface {
	Merge(ctx context.Context, jobID string, segmentPaths []string, outPath, concatDir string, allowReEncode bool) error
}

// Runner processes jobs one at a time.
type Runner struct {
	store *clients.Store
	queue *clients.Queue
	muxer Muxer
	cli   *config.Cli

	// Session construction is indirected so tests can substitute a plain
	// session against httptest servers.
	newSession func() clients.Session

	// Job id currently being processed, "" when idle. Read by the status
	// endpoint.
	current atomic.Value
}

func NewRunner(store *clients.Store, queue *clients.Queue, muxer Muxer, cli *config.Cli) *Runner {
	sessionCfg := clients.SessionConfig{VerifyTLS: cli.TLSVerify}
	newSession := func() clients.Session { return clients.NewStandardSession(sessionCfg) }
	if cli.Impersonate {
		newSession = func() clients.Session { return clients.NewImpersonatingSession(sessionCfg) }
	}
	return &Runner{
		store:      store,
		queue:      queue,
		muxer:      muxer,
		cli:        cli,
		newSession: newSession,
	}
}

// CurrentJob returns the id of the job in flight, or "" when idle.
func (r *Runner) CurrentJob() string {
	v, _ := r.current.Load().(string)
	return v
}

// ProcessJob runs one job to completion, terminal failure, or retry
// re-enqueue. It never returns an error: every outcome is absorbed into the
// job row and the queue.
func (r *Runner) ProcessJob(ctx context.Context, jobID string) {
	r.current.Store(jobID)
	defer r.current.Store("")

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		log.LogError(jobID, "cannot load job, skipping", err)
		return
	}
	if job.Status == clients.StatusCancelled {
		log.Log(jobID, "job already cancelled, skipping")
		return
	}

	route := "hls"
	if isDirectMP4(job.URL) {
		route = "direct"
	}
	log.AddContext(jobID, "route", route)
	log.Log(jobID, "processing job", "url", job.URL, "title", job.Title, "retry_count", job.RetryCount)

	metrics.Metrics.JobsInFlight.Inc()
	defer metrics.Metrics.JobsInFlight.Dec()
	start := time.Now()

	if route == "direct" {
		err = r.runDirect(ctx, job)
	} else {
		err = r.runHLS(ctx, job)
	}
	metrics.Metrics.JobDurationSec.
		WithLabelValues(route, fmt.Sprint(err == nil)).
		Observe(time.Since(start).Seconds())

	r.finishJob(ctx, job, err)
}

// finishJob applies the retry policy to the outcome of one attempt.
func (r *Runner) finishJob(ctx context.Context, job *clients.Job, err error) {
	switch {
	case err == nil:
		metrics.Metrics.JobsProcessedCount.WithLabelValues("completed").Inc()
		log.Log(job.ID, "job completed")

	case cerrors.IsCancelled(err):
		// The row already says cancelled; leave it alone.
		metrics.Metrics.JobsProcessedCount.WithLabelValues("cancelled").Inc()
		log.Log(job.ID, "job cancelled externally")

	case cerrors.IsNonRetryable(err):
		metrics.Metrics.JobsProcessedCount.WithLabelValues("failed").Inc()
		log.LogError(job.ID, "job failed terminally", err)
		if serr := r.store.SetFailed(ctx, job.ID, err.Error()); serr != nil {
			log.LogError(job.ID, "error persisting failure", serr)
		}

	default:
		next := job.RetryCount + 1
		if next < r.cli.MaxRetryAttempts {
			log.LogError(job.ID, "job failed, re-enqueueing", err, "retry_count", next)
			if serr := r.store.SetPendingRetry(ctx, job.ID, next); serr != nil {
				log.LogError(job.ID, "error setting retry status", serr)
				return
			}
			if qerr := r.queue.Push(ctx, job.ID); qerr != nil {
				log.LogError(job.ID, "error re-enqueueing job", qerr)
				return
			}
			metrics.Metrics.JobsRequeuedCount.Inc()
			return
		}
		metrics.Metrics.JobsProcessedCount.WithLabelValues("failed").Inc()
		log.LogError(job.ID, "job failed after final retry", err)
		if serr := r.store.SetFailed(ctx, job.ID, err.Error()); serr != nil {
			log.LogError(job.ID, "error persisting failure", serr)
		}
	}
}

// checkCancelled re-reads job status with a fresh query. Read errors are
// logged and treated as not-cancelled; a flaky status read must not kill a
// running download.
func (r *Runner) checkCancelled(ctx context.Context, jobID string) error {
	status, err := r.store.GetStatus(ctx, jobID)
	if err != nil {
		log.LogError(jobID, "error re-reading job status", err)
		return nil
	}
	if status == clients.StatusCancelled {
		return cerrors.ErrCancelled
	}
	return nil
}

func (r *Runner) runHLS(ctx context.Context, job *clients.Job) error {
	headers := prepareHeaders(job, true)
	session := r.newSession()

	if err := r.store.SetDownloading(ctx, job.ID, 0); err != nil {
		return err
	}
	if err := r.checkCancelled(ctx, job.ID); err != nil {
		return err
	}

	desc, err := playlist.Parse(ctx, job.ID, job.URL, headers, session)
	if err != nil {
		return err
	}
	log.Log(job.ID, "playlist parsed",
		"segments", desc.SegmentCount(), "duration", desc.Duration,
		"resolution", desc.Resolution, "encrypted", desc.HasEncryption)

	if err := r.store.SetProgress(ctx, job.ID, 5); err != nil {
		return err
	}
	if err := r.store.UpdateStreamMetadata(ctx, job.ID, desc.Resolution, desc.Duration, desc.SegmentCount()); err != nil {
		log.LogError(job.ID, "error persisting stream metadata", err)
	}

	tmpDir := filepath.Join(os.TempDir(), "m3u8_"+pathSafeID(job.ID)+"_"+uuid.NewString())
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return fmt.Errorf("error creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	dl := downloader.New(downloader.Config{
		JobID:            job.ID,
		Segments:         desc.Segments,
		OutDir:           tmpDir,
		BaseHeaders:      headers,
		Session:          session,
		PlaylistURL:      job.URL,
		MaxWorkers:       r.cli.MaxDownloadWorkers,
		MaxRetries:       r.cli.MaxRetryAttempts,
		Timeout:          r.cli.HTTPTimeout,
		SkipTSValidation: r.cli.SkipTSValidation,
	})

	paths, err := dl.DownloadAll(ctx, func(done, total int) error {
		if err := r.checkCancelled(ctx, job.ID); err != nil {
			return err
		}
		progress := 5 + done*80/total
		if err := r.store.SetProgress(ctx, job.ID, progress); err != nil {
			log.LogError(job.ID, "error writing progress", err)
		}
		if n := dl.FailureCount(downloader.FailureAntiHotlink); n >= antiHotlinkThreshold {
			return &cerrors.AntiHotlinkError{Failures: n}
		}
		if n := dl.FailureCount(downloader.FailureBlocked); n > blockedThreshold {
			return &cerrors.LinkExpiredError{Failures: n}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(paths) != desc.SegmentCount() {
		return fmt.Errorf("downloaded %d of %d segments", len(paths), desc.SegmentCount())
	}

	if err := r.checkCancelled(ctx, job.ID); err != nil {
		return err
	}
	if err := r.store.SetProcessing(ctx, job.ID, 90); err != nil {
		return err
	}

	outPath, err := outputPath(r.cli.OutputDir, job.Title, job.ID)
	if err != nil {
		return err
	}
	if err := r.muxer.Merge(ctx, job.ID, paths, outPath, tmpDir, true); err != nil {
		return err
	}
	if err := r.checkCancelled(ctx, job.ID); err != nil {
		os.Remove(outPath)
		return err
	}
	if err := r.store.SetProgress(ctx, job.ID, 95); err != nil {
		return err
	}

	if duration, perr := video.ProbeDuration(ctx, outPath); perr != nil {
		log.LogError(job.ID, "error probing merged output", perr)
	} else if uerr := r.store.UpsertDuration(ctx, job.ID, duration); uerr != nil {
		log.LogError(job.ID, "error persisting duration", uerr)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return fmt.Errorf("merged output missing: %w", err)
	}
	return r.store.SetCompleted(ctx, job.ID, outPath, info.Size())
}
