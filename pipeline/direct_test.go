package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/vodarchive/worker/clients"
	cerrors "github.com/vodarchive/worker/errors"
)

func expectStatusRead(mock sqlmock.Sqlmock, status string) {
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(status))
}

func TestRunDirectDownloadsAndCompletes(t *testing.T) {
	content := make([]byte, 10<<20)
	for i := range content {
		content[i] = byte(i % 251)
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		_, _ = w.Write(content)
	}))
	defer ts.Close()

	r, mock, _, _ := newTestRunner(t)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec(`UPDATE jobs SET status = 'downloading'`).WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < 4; i++ {
		expectStatusRead(mock, "downloading")
		mock.ExpectExec(`UPDATE jobs SET progress = \$2`).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(`INSERT INTO job_metadata`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE jobs SET status = 'completed'`).
		WithArgs("job-1", sqlmock.AnyArg(), int64(len(content))).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &clients.Job{ID: "job-1", URL: ts.URL + "/v.mp4", Title: "clip one"}
	require.NoError(t, r.runDirect(context.Background(), job))

	body, err := os.ReadFile(filepath.Join(r.cli.OutputDir, "clip one.mp4"))
	require.NoError(t, err)
	require.Equal(t, content, body)
}

func TestRunDirectDeletesPartialFileOnCancel(t *testing.T) {
	content := make([]byte, 12<<20)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		_, _ = w.Write(content)
	}))
	defer ts.Close()

	r, mock, _, _ := newTestRunner(t)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec(`UPDATE jobs SET status = 'downloading'`).WillReturnResult(sqlmock.NewResult(0, 1))
	expectStatusRead(mock, "downloading") // pre-download checkpoint
	expectStatusRead(mock, "cancelled")   // first 5 MiB checkpoint

	job := &clients.Job{ID: "job-1", URL: ts.URL + "/v.mp4", Title: "clip one"}
	err := r.runDirect(context.Background(), job)
	require.True(t, cerrors.IsCancelled(err))

	entries, err := os.ReadDir(r.cli.OutputDir)
	require.NoError(t, err)
	require.Empty(t, entries, "partial output must be deleted on cancel")
}

func TestRunDirectSurfacesHTTPStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer ts.Close()

	r, mock, _, _ := newTestRunner(t)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec(`UPDATE jobs SET status = 'downloading'`).WillReturnResult(sqlmock.NewResult(0, 1))
	expectStatusRead(mock, "downloading")

	job := &clients.Job{ID: "job-1", URL: ts.URL + "/v.mp4", Title: "clip one"}
	err := r.runDirect(context.Background(), job)

	var hs *cerrors.HTTPStatusError
	require.ErrorAs(t, err, &hs)
	require.Equal(t, http.StatusGone, hs.StatusCode)
}
