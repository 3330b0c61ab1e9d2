package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/vodarchive/worker/clients"
	"github.com/vodarchive/worker/log"
	"github.com/vodarchive/worker/metrics"
)

// How long to back off after a queue transport error before reconnecting.
const queueErrorSleep = 5 * time.Second

// Run is the worker's main loop: pop a job id, process it, repeat. Cancelling
// ctx initiates shutdown; a job already in flight runs to completion because
// it executes under a context detached from the shutdown signal.
func (r *Runner) Run(ctx context.Context) {
	log.LogNoJobID("worker loop started", "queue", r.cli.QueueName)

	for {
		if ctx.Err() != nil {
			log.LogNoJobID("worker loop stopped")
			return
		}

		jobID, ok, err := r.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.LogNoJobID("worker loop stopped")
				return
			}
			metrics.Metrics.QueuePopErrors.Inc()
			if clients.IsConnectionError(err) {
				log.LogNoJobID("queue connection error, reconnecting", "err", err)
			} else {
				log.LogNoJobID("unexpected queue error", "err", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(queueErrorSleep):
			}
			continue
		}
		if !ok {
			continue
		}

		// Detach from the shutdown signal: an interrupt lands the worker in
		// "finish the current job, then exit".
		jctx := log.WithLogValues(context.WithoutCancel(ctx), "job_id", jobID)
		log.LogCtx(jctx, "popped job from queue")
		r.processJob(jctx, jobID)
	}
}

// processJob shields the loop from panics inside a job: one crashing job must
// not take the worker down with it.
func (r *Runner) processJob(ctx context.Context, jobID string) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.Metrics.JobsProcessedCount.WithLabelValues("failed").Inc()
			log.LogError(jobID, "panic while processing job", fmt.Errorf("%v", rec),
				"stack", string(debug.Stack()))
		}
	}()
	r.ProcessJob(ctx, jobID)
}
