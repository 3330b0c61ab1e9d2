// Package downloader fetches the segments of one job onto local disk: a
// bounded worker pool over a shared HTTP session, per-segment header-strategy
// fallback for anti-hotlink hosts, AES-128 decryption, and TS validation.
package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/vodarchive/worker/clients"
	"github.com/vodarchive/worker/config"
	cerrors "github.com/vodarchive/worker/errors"
	"github.com/vodarchive/worker/log"
	"github.com/vodarchive/worker/metrics"
	"github.com/vodarchive/worker/playlist"
)

// FailureKind classifies abandoned segments so the job runner can decide
// whether the whole job is salvageable.
type FailureKind string

const (
	// The host substituted an image or an explicit anti-hotlink page.
	FailureAntiHotlink FailureKind = "anti_hotlink"
	// HTTP 403 or 474 across all header strategies, i.e. expired or blocked URL.
	FailureBlocked FailureKind = "blocked"
	// Transport failures and timeouts.
	FailureNetwork FailureKind = "network"
	// Body that neither validates as TS nor passes as ciphertext.
	FailureInvalidContent FailureKind = "invalid_content"
)

// FailedSegment records one segment abandoned after all retries.
type FailedSegment struct {
	Index int
	URL   string
	Kind  FailureKind
	Err   error
}

// ProgressFunc is invoked serially after every segment completion, successful
// or not. Returning an error stops the pool and aborts the download.
type ProgressFunc func(done, total int) error

// Config carries everything one Downloader run needs.
type Config struct {
	JobID       string
	Segments    []playlist.Segment
	OutDir      string
	BaseHeaders *clients.Headers
	Session     clients.Session
	PlaylistURL string

	MaxWorkers int
	MaxRetries int
	Timeout    time.Duration

	// Global key material for playlists that declare encryption out of band.
	// Per-segment keys from the playlist take precedence.
	KeyBytes []byte
	IVBytes  []byte

	SkipTSValidation bool
}

// Downloader downloads the segments of a single job. Not reusable across
// jobs: the memoized header strategy is tied to one source page.
type Downloader struct {
	cfg     Config
	headers *clients.Headers
	timeout time.Duration

	stop atomic.Bool
	memo strategyMemo
	keys *keyCache

	mu     sync.Mutex
	failed []FailedSegment
}

func New(cfg Config) *Downloader {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.HTTPTimeout
	}
	return &Downloader{
		cfg:     cfg,
		headers: clients.SanitizeHeaders(cfg.BaseHeaders),
		timeout: cfg.Timeout,
		keys:    newKeyCache(cfg.Session, cfg.Timeout),
	}
}

// RequestStop asks the pool to stop. In-flight requests run to completion;
// queued and retrying segments are abandoned without a failure entry.
func (d *Downloader) RequestStop() {
	d.stop.Store(true)
}

func (d *Downloader) stopped() bool {
	return d.stop.Load()
}

// Failed returns a snapshot of the segments abandoned so far. Safe to call
// from the progress callback while the pool is running.
func (d *Downloader) Failed() []FailedSegment {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]FailedSegment, len(d.failed))
	copy(out, d.failed)
	return out
}

// FailureCount returns how many abandoned segments match kind.
func (d *Downloader) FailureCount(kind FailureKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, f := range d.failed {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

func (d *Downloader) recordFailure(seg playlist.Segment, err error) {
	kind := classifyFailure(err)
	metrics.Metrics.SegmentFailureCount.WithLabelValues(string(kind)).Inc()
	log.LogError(d.cfg.JobID, "segment download failed", err, "segment", seg.Index, "kind", kind, "url", seg.URL)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed = append(d.failed, FailedSegment{Index: seg.Index, URL: seg.URL, Kind: kind, Err: err})
}

type segmentResult struct {
	index int
	path  string
	err   error
}

// DownloadAll runs the pool to completion and returns the written file paths
// in segment-index order. A path is absent when its segment failed or the run
// was stopped; callers must compare len(paths) against the segment count.
// Progress callbacks happen on the collector goroutine, one at a time.
func (d *Downloader) DownloadAll(ctx context.Context, progress ProgressFunc) ([]string, error) {
	total := len(d.cfg.Segments)
	slots := make([]string, total)
	results := make(chan segmentResult)

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxWorkers)
	go func() {
		for _, seg := range d.cfg.Segments {
			seg := seg
			g.Go(func() error {
				if d.stopped() {
					results <- segmentResult{index: seg.Index}
					return nil
				}
				path, err := d.downloadSegment(ctx, seg)
				results <- segmentResult{index: seg.Index, path: path, err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	var done int
	var cbErr error
	for res := range results {
		if res.path != "" && res.index < total {
			slots[res.index] = res.path
		}
		done++
		if cbErr == nil && progress != nil {
			if err := progress(done, total); err != nil {
				cbErr = err
				d.RequestStop()
			}
		}
	}

	paths := make([]string, 0, total)
	for _, p := range slots {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if cbErr != nil {
		return paths, cbErr
	}
	return paths, nil
}

// errStopped aborts retry loops after RequestStop. It never surfaces as a
// failure entry.
var errStopped = fmt.Errorf("download stopped")

// downloadSegment fetches, decrypts, validates, and writes one segment with
// exponential backoff between attempts (1s, 2s, 4s, ...).
func (d *Downloader) downloadSegment(ctx context.Context, seg playlist.Segment) (string, error) {
	outPath := filepath.Join(d.cfg.OutDir, fmt.Sprintf("segment_%05d.ts", seg.Index))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0

	maxRetries := uint64(d.cfg.MaxRetries - 1)
	attempt := 0
	op := func() error {
		if d.stopped() {
			return backoff.Permanent(errStopped)
		}
		if attempt > 0 {
			metrics.Metrics.SegmentRetryCount.Inc()
			log.Log(d.cfg.JobID, "retrying segment", "segment", seg.Index, "attempt", attempt+1)
		}
		attempt++
		if err := d.attemptSegment(ctx, seg, outPath); err != nil {
			if err == errStopped {
				return backoff.Permanent(err)
			}
			// Re-read the stop flag before the error triggers a retry
			// sleep: a stop requested mid-attempt must not wait it out.
			if d.stopped() {
				return backoff.Permanent(errStopped)
			}
			return err
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
	if err != nil {
		if err == errStopped || ctx.Err() != nil {
			return "", nil
		}
		d.recordFailure(seg, err)
		return "", err
	}
	metrics.Metrics.SegmentsDownloaded.Inc()
	return outPath, nil
}

func (d *Downloader) attemptSegment(ctx context.Context, seg playlist.Segment, outPath string) error {
	body, err := d.fetchWithStrategies(ctx, seg)
	if err != nil {
		return err
	}

	body, err = d.maybeDecrypt(ctx, seg, body)
	if err != nil {
		return err
	}

	if err := d.validate(seg, body); err != nil {
		return err
	}

	if err := os.WriteFile(outPath, body, 0644); err != nil {
		return backoff.Permanent(fmt.Errorf("writing segment %d: %w", seg.Index, err))
	}
	return nil
}

// maybeDecrypt applies AES-128-CBC when the segment (or the job) declares a
// key. Bodies already starting with the TS sync byte pass through untouched:
// some CDNs decrypt server-side despite advertising AES-128, and a ciphertext
// starting with 0x47 is astronomically unlikely.
func (d *Downloader) maybeDecrypt(ctx context.Context, seg playlist.Segment, body []byte) ([]byte, error) {
	if len(body) > 0 && body[0] == tsSyncByte {
		return body, nil
	}

	var key, declaredIV []byte
	switch {
	case seg.Key != nil:
		k, err := d.keys.fetch(ctx, seg.Key.URI, d.headers)
		if err != nil {
			return nil, fmt.Errorf("fetching key for segment %d: %w", seg.Index, err)
		}
		key, declaredIV = k, seg.Key.IV
	case len(d.cfg.KeyBytes) > 0:
		key, declaredIV = d.cfg.KeyBytes, d.cfg.IVBytes
	default:
		return body, nil
	}

	return decryptSegment(d.cfg.JobID, body, key, declaredIV, seg.Sequence, seg.Index), nil
}

// validate enforces the TS shape rules. Invalid bodies on encrypted jobs are
// kept (with a warning) when they are not obviously an image: the muxer can
// often still recover a stream from them.
func (d *Downloader) validate(seg playlist.Segment, body []byte) error {
	if d.cfg.SkipTSValidation {
		return nil
	}
	if looksLikeTS(body) {
		return nil
	}

	encrypted := seg.Key != nil || len(d.cfg.KeyBytes) > 0
	if encrypted && !imageMagic(body) {
		log.Log(d.cfg.JobID, "segment failed TS validation, keeping bytes for muxer recovery",
			"segment", seg.Index, "size", len(body))
		return nil
	}

	reason := antiPattern(body)
	if reason == "" {
		reason = fmt.Sprintf("no sync byte pattern in %d bytes", len(body))
	}
	if imageMagic(body) {
		return &segmentError{kind: FailureAntiHotlink, err: &cerrors.InvalidContentError{Reason: reason}}
	}
	return &cerrors.InvalidContentError{Reason: reason}
}

// segmentError pins a failure classification onto an underlying error.
type segmentError struct {
	kind FailureKind
	err  error
}

func (e *segmentError) Error() string { return e.err.Error() }
func (e *segmentError) Unwrap() error { return e.err }

func classifyFailure(err error) FailureKind {
	var se *segmentError
	if cerrors.As(err, &se) {
		return se.kind
	}
	var hs *cerrors.HTTPStatusError
	if cerrors.As(err, &hs) && (hs.StatusCode == 403 || hs.StatusCode == 474) {
		return FailureBlocked
	}
	var ic *cerrors.InvalidContentError
	if cerrors.As(err, &ic) {
		return FailureInvalidContent
	}
	return FailureNetwork
}
