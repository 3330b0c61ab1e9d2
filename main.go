package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v3"

	"github.com/vodarchive/worker/api"
	"github.com/vodarchive/worker/clients"
	"github.com/vodarchive/worker/config"
	"github.com/vodarchive/worker/log"
	"github.com/vodarchive/worker/pipeline"
	"github.com/vodarchive/worker/pprof"
	"github.com/vodarchive/worker/video"
)

func main() {
	fs := flag.NewFlagSet("vod-worker", flag.ExitOnError)
	cli := config.DefaultCli()

	version := fs.Bool("version", false, "print application version")

	fs.StringVar(&cli.DatabaseURL, "database-url", cli.DatabaseURL, "Postgres connection URL of the shared job store")
	fs.StringVar(&cli.RedisURL, "redis-url", cli.RedisURL, "Redis URL of the job queue")
	fs.StringVar(&cli.QueueName, "queue-name", cli.QueueName, "Name of the Redis list job ids are popped from")
	fs.StringVar(&cli.OutputDir, "output-dir", cli.OutputDir, "Directory finished MP4s are written to")
	fs.StringVar(&cli.StatusAddr, "status-addr", cli.StatusAddr, "Address to bind the health/status/metrics server to")
	fs.IntVar(&cli.MaxDownloadWorkers, "max-download-workers", cli.MaxDownloadWorkers, "Concurrent segment downloads per job")
	fs.IntVar(&cli.FFmpegThreads, "ffmpeg-threads", cli.FFmpegThreads, "Thread count passed to ffmpeg")
	fs.IntVar(&cli.MaxRetryAttempts, "max-retry-attempts", cli.MaxRetryAttempts, "Job attempts before a failure becomes terminal")
	fs.BoolVar(&cli.SkipTSValidation, "skip-ts-validation", cli.SkipTSValidation, "Write segment bodies without checking for MPEG-TS sync bytes")
	fs.DurationVar(&cli.HTTPTimeout, "http-timeout", cli.HTTPTimeout, "Per-request HTTP timeout for playlist and segment fetches")
	fs.BoolVar(&cli.TLSVerify, "tls-verify", cli.TLSVerify, "Verify TLS certificates of stream hosts")
	fs.BoolVar(&cli.Impersonate, "impersonate", cli.Impersonate, "Use a Chrome TLS fingerprint for stream hosts that block other clients")
	fs.StringVar(&cli.LogLevel, "log-level", cli.LogLevel, "Minimum log level {debug|info|warn|error}")
	pprofPort := fs.Int("pprof-port", 6061, "Pprof listen port")
	_ = fs.String("config", "", "config file (optional)")

	err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarNoPrefix(),
	)
	if err != nil {
		fatal("error parsing cli", err)
	}
	if len(fs.Args()) > 0 {
		fatal("unexpected extra arguments on command line", fmt.Errorf("%v", fs.Args()))
	}

	if *version {
		fmt.Printf("vod-worker version: %s\n", config.Version)
		return
	}

	log.SetLevel(cli.LogLevel)
	log.LogNoJobID(
		"Starting download worker!",
		"version", config.Version,
		"queue", cli.QueueName,
		"output_dir", cli.OutputDir,
		"max_download_workers", cli.MaxDownloadWorkers,
		"max_retry_attempts", cli.MaxRetryAttempts,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := clients.NewStore(cli.DatabaseURL)
	if err != nil {
		fatal("error opening job store", err)
	}
	defer store.Close()
	if err := store.WaitReady(ctx, config.StartupAttempts, config.StartupInterval); err != nil {
		fatal("job store never became ready", err)
	}

	queue, err := clients.NewQueue(cli.RedisURL, cli.QueueName)
	if err != nil {
		fatal("error opening queue", err)
	}
	defer queue.Close()
	if err := queue.WaitReady(ctx, config.StartupAttempts, config.StartupInterval); err != nil {
		fatal("queue never became ready", err)
	}

	muxer, err := video.NewMuxer(cli.FFmpegThreads)
	if err != nil {
		fatal("muxer unavailable", err)
	}

	runner := pipeline.NewRunner(store, queue, muxer, &cli)

	go func() {
		log.LogNoJobID("pprof listener exited", "err", pprof.ListenAndServe(*pprofPort))
	}()
	go func() {
		if err := api.ListenAndServe(ctx, cli.StatusAddr, runner); err != nil {
			log.LogNoJobID("status server stopped", "err", err)
		}
	}()

	runner.Run(ctx)
	log.LogNoJobID("worker shut down cleanly")
}

func fatal(message string, err error) {
	log.LogNoJobID(message, "err", err)
	os.Exit(1)
}
