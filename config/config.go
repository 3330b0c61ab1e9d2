package config

import (
	"os"
	"time"

	"github.com/go-kit/log"
)

var Version string

// Global variable, but easier than passing a logger around throughout the system
var Logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

func init() {
	Logger = log.With(Logger, "ts", log.DefaultTimestampUTC)
}

// Name of the Redis list the API pushes job ids onto.
const DefaultQueueName = "download_queue"

// Where finished MP4s land. The API layer serves files out of this directory.
const DefaultOutputDir = "/downloads/completed"

const (
	// Wall-clock limits for the external muxer.
	MuxTimeout      = 10 * time.Minute
	ReencodeTimeout = 30 * time.Minute

	// Per-request HTTP timeout used by the playlist parser and the
	// segment downloader unless overridden.
	HTTPTimeout = 30 * time.Second

	// Startup readiness polling for the job store and the queue.
	StartupAttempts = 30
	StartupInterval = 2 * time.Second
)
