package clients

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/vodarchive/worker/log"
)

// JobStatus is the jobs.status state machine:
// pending -> downloading -> processing -> completed, with failed and cancelled
// as terminal alternates. The worker never writes cancelled and never
// overwrites it either; see the status guard on every UPDATE.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusDownloading JobStatus = "downloading"
	StatusProcessing  JobStatus = "processing"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
)

// Job carries the fields of a job row (plus metadata) that the worker consumes.
type Job struct {
	ID         string
	URL        string
	Title      string
	RetryCount int
	Status     JobStatus

	// From job_metadata.
	Referer    string
	Headers    map[string]string
	SourcePage string
}

// Store is the Postgres-backed job store shared with the API layer. The worker
// only writes its own job, and only under the cancelled guard.
type Store struct {
	db *sql.DB
}

func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("error opening job store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing handle; used by tests with sqlmock.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

// WaitReady blocks until the store answers a ping, retrying attempts times
// with interval between tries.
func (s *Store) WaitReady(ctx context.Context, attempts int, interval time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.db.PingContext(ctx); err == nil {
			return nil
		}
		log.LogNoJobID("waiting for job store", "attempt", i+1, "attempts", attempts, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("job store not ready after %d attempts: %w", attempts, err)
}

// GetJob reads a job row joined with its metadata.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT j.id, j.url, j.title, j.status, j.retry_count,
		       COALESCE(jm.referer, ''), COALESCE(jm.headers, ''), COALESCE(jm.source_page, '')
		FROM jobs j
		LEFT JOIN job_metadata jm ON j.id = jm.job_id
		WHERE j.id = $1`, id)

	var job Job
	var rawHeaders string
	if err := row.Scan(&job.ID, &job.URL, &job.Title, &job.Status, &job.RetryCount,
		&job.Referer, &rawHeaders, &job.SourcePage); err != nil {
		return nil, fmt.Errorf("error reading job %s: %w", id, err)
	}
	if rawHeaders != "" {
		if err := json.Unmarshal([]byte(rawHeaders), &job.Headers); err != nil {
			// Malformed captured headers are not fatal, the download can
			// proceed without them.
			log.Log(id, "ignoring malformed headers in job_metadata", "err", err)
			job.Headers = nil
		}
	}
	return &job, nil
}

// GetStatus re-reads only the status column. The runner calls this at every
// checkpoint with a fresh query so that an external cancel is observed even
// under transaction-isolation caching.
func (s *Store) GetStatus(ctx context.Context, id string) (JobStatus, error) {
	var status JobStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("error reading job status %s: %w", id, err)
	}
	return status, nil
}

// SetDownloading moves the job into downloading with the given progress, and
// stamps started_at on the first write of an attempt (progress 0).
func (s *Store) SetDownloading(ctx context.Context, id string, progress int) error {
	if progress == 0 {
		return s.exec(ctx, `
			UPDATE jobs SET status = 'downloading', progress = $2, started_at = NOW()
			WHERE id = $1 AND status != 'cancelled'`, id, progress)
	}
	return s.exec(ctx, `
		UPDATE jobs SET status = 'downloading', progress = $2
		WHERE id = $1 AND status != 'cancelled'`, id, progress)
}

// SetProgress writes a progress value without changing status.
func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	return s.exec(ctx, `
		UPDATE jobs SET progress = $2
		WHERE id = $1 AND status != 'cancelled'`, id, progress)
}

func (s *Store) SetProcessing(ctx context.Context, id string, progress int) error {
	return s.exec(ctx, `
		UPDATE jobs SET status = 'processing', progress = $2
		WHERE id = $1 AND status != 'cancelled'`, id, progress)
}

func (s *Store) SetCompleted(ctx context.Context, id, filePath string, fileSize int64) error {
	return s.exec(ctx, `
		UPDATE jobs SET status = 'completed', progress = 100, completed_at = NOW(),
		       file_path = $2, file_size = $3, error_message = NULL
		WHERE id = $1 AND status != 'cancelled'`, id, filePath, fileSize)
}

func (s *Store) SetFailed(ctx context.Context, id, errorMessage string) error {
	return s.exec(ctx, `
		UPDATE jobs SET status = 'failed', error_message = $2
		WHERE id = $1 AND status != 'cancelled'`, id, errorMessage)
}

// SetPendingRetry bumps retry_count and puts the job back into pending so it
// can be re-enqueued.
func (s *Store) SetPendingRetry(ctx context.Context, id string, retryCount int) error {
	return s.exec(ctx, `
		UPDATE jobs SET status = 'pending', retry_count = $2
		WHERE id = $1 AND status != 'cancelled'`, id, retryCount)
}

// UpdateStreamMetadata persists what the playlist parser derived.
func (s *Store) UpdateStreamMetadata(ctx context.Context, id, resolution string, duration, segmentCount int) error {
	return s.exec(ctx, `
		UPDATE job_metadata SET resolution = $2, duration = $3, segment_count = $4
		WHERE job_id = $1`, id, resolution, duration, segmentCount)
}

// UpsertDuration records a probed duration, inserting the metadata row when
// the API layer did not create one.
func (s *Store) UpsertDuration(ctx context.Context, id string, duration int) error {
	return s.exec(ctx, `
		INSERT INTO job_metadata (job_id, duration) VALUES ($1, $2)
		ON CONFLICT (job_id) DO UPDATE SET duration = EXCLUDED.duration`, id, duration)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("job store update failed: %w", err)
	}
	return nil
}
