package pipeline

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vodarchive/worker/clients"
	"github.com/vodarchive/worker/config"
	cerrors "github.com/vodarchive/worker/errors"
)

// concatMuxer fakes the ffmpeg concat step by byte-concatenating the segment
// files into the output path.
type concatMuxer struct {
	merged [][]string
}

func (m *concatMuxer) Merge(ctx context.Context, jobID string, segmentPaths []string, outPath, concatDir string, allowReEncode bool) error {
	var out []byte
	for _, p := range segmentPaths {
		body, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out = append(out, body...)
	}
	m.merged = append(m.merged, segmentPaths)
	return os.WriteFile(outPath, out, 0644)
}

func newTestRunner(t *testing.T) (*Runner, sqlmock.Sqlmock, *miniredis.Miniredis, *concatMuxer) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cli := config.DefaultCli()
	cli.OutputDir = t.TempDir()
	cli.HTTPTimeout = 5 * time.Second

	muxer := &concatMuxer{}
	return &Runner{
		store:      clients.NewStoreWithDB(db),
		queue:      clients.NewQueueWithClient(client, cli.QueueName),
		muxer:      muxer,
		cli:        &cli,
		newSession: func() clients.Session { return clients.NewStandardSession(clients.SessionConfig{}) },
	}, mock, mr, muxer
}

func TestProcessJobSkipsCancelledJobs(t *testing.T) {
	r, mock, _, _ := newTestRunner(t)

	rows := sqlmock.NewRows([]string{"id", "url", "title", "status", "retry_count", "referer", "headers", "source_page"}).
		AddRow("job-1", "https://example.com/v.mp4", "t", "cancelled", 0, "", "", "")
	mock.ExpectQuery(`SELECT j\.id, j\.url, j\.title`).WithArgs("job-1").WillReturnRows(rows)

	r.ProcessJob(context.Background(), "job-1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishJobCancelledLeavesRowAlone(t *testing.T) {
	r, mock, mr, _ := newTestRunner(t)

	job := &clients.Job{ID: "job-1", RetryCount: 0}
	r.finishJob(context.Background(), job, cerrors.ErrCancelled)

	// No status write, no re-enqueue.
	require.NoError(t, mock.ExpectationsWereMet())
	require.False(t, mr.Exists(r.cli.QueueName))
}

func TestFinishJobNonRetryableFailsTerminally(t *testing.T) {
	r, mock, mr, _ := newTestRunner(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'failed'`).
		WithArgs("job-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &clients.Job{ID: "job-1", RetryCount: 0}
	r.finishJob(context.Background(), job, &cerrors.AntiHotlinkError{Failures: 6})

	require.NoError(t, mock.ExpectationsWereMet())
	require.False(t, mr.Exists(r.cli.QueueName))
}

func TestFinishJobRetryableReenqueues(t *testing.T) {
	r, mock, mr, _ := newTestRunner(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'pending', retry_count = \$2`).
		WithArgs("job-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &clients.Job{ID: "job-1", RetryCount: 0}
	r.finishJob(context.Background(), job, fmt.Errorf("connection reset"))

	require.NoError(t, mock.ExpectationsWereMet())
	vals, err := mr.List(r.cli.QueueName)
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, vals)
}

func TestFinishJobExhaustedRetriesFails(t *testing.T) {
	r, mock, mr, _ := newTestRunner(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'failed'`).
		WithArgs("job-1", "connection reset").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &clients.Job{ID: "job-1", RetryCount: 2} // next attempt would be the 4th
	r.finishJob(context.Background(), job, fmt.Errorf("connection reset"))

	require.NoError(t, mock.ExpectationsWereMet())
	require.False(t, mr.Exists(r.cli.QueueName))
}

func TestRunSurvivesPanickingJob(t *testing.T) {
	r, mock, mr, _ := newTestRunner(t)
	// A library bug inside a job surfaces as a panic; the loop must log it and
	// move on to the next job.
	r.newSession = func() clients.Session { panic("session construction blew up") }

	mock.MatchExpectationsInOrder(false)
	rows := sqlmock.NewRows([]string{"id", "url", "title", "status", "retry_count", "referer", "headers", "source_page"}).
		AddRow("job-panic", "https://example.com/index.m3u8", "t", "pending", 0, "", "", "")
	mock.ExpectQuery(`SELECT j\.id, j\.url, j\.title`).WithArgs("job-panic").WillReturnRows(rows)
	mock.ExpectQuery(`SELECT j\.id, j\.url, j\.title`).
		WithArgs("job-after").
		WillReturnError(fmt.Errorf("job store offline"))

	_, err := mr.Push(r.cli.QueueName, "job-panic", "job-after")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	require.False(t, mr.Exists(r.cli.QueueName), "loop must continue past the panicking job")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r, mock, mr, _ := newTestRunner(t)

	// The queued job fails to load; the loop must swallow that and keep going
	// until shutdown.
	mock.ExpectQuery(`SELECT j\.id, j\.url, j\.title`).
		WithArgs("job-broken").
		WillReturnError(fmt.Errorf("job store offline"))
	_, err := mr.Lpush(r.cli.QueueName, "job-broken")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	require.False(t, mr.Exists(r.cli.QueueName), "queued job must have been popped")
}
