// internal/metrics/metrics.go
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished jobs by outcome (success/error).
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchpress_jobs_total",
			Help: "Total number of finished file jobs.",
		},
		[]string{"outcome"},
	)

	// JobDuration records how long a job stayed in flight on a worker.
	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batchpress_job_duration_seconds",
			Help:    "Time from job assignment to result token.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	// Workers reports the number of workers per status.
	Workers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batchpress_workers",
			Help: "Number of pool workers in each status.",
		},
		[]string{"status"},
	)

	// RecordFailures counts job records the sink refused.
	RecordFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchpress_record_failures_total",
			Help: "Total number of job records that could not be persisted.",
		},
	)
)

// WriteTextfile dumps every registered metric to path in the text exposition
// format, for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
