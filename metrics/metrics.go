package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type WorkerMetrics struct {
	JobsProcessedCount  *prometheus.CounterVec
	JobsRequeuedCount   prometheus.Counter
	JobsInFlight        prometheus.Gauge
	JobDurationSec      *prometheus.SummaryVec
	SegmentsDownloaded  prometheus.Counter
	SegmentRetryCount   prometheus.Counter
	SegmentFailureCount *prometheus.CounterVec
	MuxDurationSec      *prometheus.SummaryVec
	QueuePopErrors      prometheus.Counter
}

func NewMetrics() *WorkerMetrics {
	m := &WorkerMetrics{
		// Job lifecycle metrics
		JobsProcessedCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "download_jobs_processed_count",
			Help: "The total number of jobs reaching a terminal state, broken up by status",
		}, []string{"status"}),
		JobsRequeuedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "download_jobs_requeued_count",
			Help: "The total number of jobs pushed back onto the queue for retry",
		}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "download_jobs_in_flight",
			Help: "The number of jobs currently being processed by this worker",
		}),
		JobDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "download_job_duration_seconds",
			Help: "The time jobs take end to end, broken up by route and success",
		}, []string{"route", "success"}),

		// Segment download metrics
		SegmentsDownloaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "download_segments_downloaded_count",
			Help: "The total number of segments successfully written",
		}),
		SegmentRetryCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "download_segment_retry_count",
			Help: "The total number of per-segment retry attempts",
		}),
		SegmentFailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "download_segment_failure_count",
			Help: "The total number of segments abandoned after retries, broken up by kind",
		}, []string{"kind"}),

		MuxDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "download_mux_duration_seconds",
			Help: "Time taken by the muxer, broken up by mode and success",
		}, []string{"mode", "success"}),

		QueuePopErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "download_queue_pop_errors_count",
			Help: "The total number of queue connection errors seen by the pop loop",
		}),
	}

	return m
}

var Metrics = NewMetrics()
