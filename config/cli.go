package config

import "time"

// Cli holds the runtime configuration of the download worker. Every field maps
// onto a flag in main.go; env vars use the upper-snake form of the flag name
// (e.g. -max-download-workers / MAX_DOWNLOAD_WORKERS).
type Cli struct {
	DatabaseURL string
	RedisURL    string
	QueueName   string

	OutputDir  string
	StatusAddr string

	MaxDownloadWorkers int
	FFmpegThreads      int
	MaxRetryAttempts   int
	SkipTSValidation   bool

	HTTPTimeout time.Duration
	TLSVerify   bool
	Impersonate bool

	LogLevel string
}

func DefaultCli() Cli {
	return Cli{
		DatabaseURL:        "postgres://postgres:postgres@db:5432/m3u8_db?sslmode=disable",
		RedisURL:           "redis://redis:6379/0",
		QueueName:          DefaultQueueName,
		OutputDir:          DefaultOutputDir,
		StatusAddr:         "127.0.0.1:7979",
		MaxDownloadWorkers: 2,
		FFmpegThreads:      4,
		MaxRetryAttempts:   3,
		HTTPTimeout:        HTTPTimeout,
		TLSVerify:          false,
		Impersonate:        true,
		LogLevel:           "info",
	}
}
