// Package metrics exposes Prometheus instrumentation for the job pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pipeline's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsCancelled  prometheus.Counter
	jobsPaused     prometheus.Counter
	rowsProcessed  prometheus.Counter

	jobDuration  prometheus.Histogram
	recoveryTime prometheus.Gauge
	jobsActive   prometheus.Gauge
}

// NewCollector creates and registers the pipeline metrics on a dedicated
// registry, so tests can hold independent collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to handlers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_jobs_failed_total",
			Help: "Total number of jobs failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		}),
		jobsPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_jobs_paused_total",
			Help: "Total number of jobs paused mid-run",
		}),
		rowsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_rows_processed_total",
			Help: "Total number of import rows persisted",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rollcall_job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rollcall_recovery_seconds",
			Help: "Duration of the most recent startup recovery pass",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rollcall_jobs_active",
			Help: "Number of jobs currently being handled",
		}),
	}

	c.registry.MustRegister(c.jobsEnqueued, c.jobsDispatched, c.jobsCompleted,
		c.jobsFailed, c.jobsCancelled, c.jobsPaused, c.rowsProcessed,
		c.jobDuration, c.recoveryTime, c.jobsActive)
	return c
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordEnqueue counts a job entering the queue.
func (c *Collector) RecordEnqueue() { c.jobsEnqueued.Inc() }

// RecordDispatch counts a job handed to a handler.
func (c *Collector) RecordDispatch() {
	c.jobsDispatched.Inc()
	c.jobsActive.Inc()
}

// RecordOutcome counts a finished handler invocation by terminal status.
func (c *Collector) RecordOutcome(status string, seconds float64) {
	c.jobsActive.Dec()
	c.jobDuration.Observe(seconds)
	switch status {
	case "completed":
		c.jobsCompleted.Inc()
	case "failed":
		c.jobsFailed.Inc()
	case "cancelled":
		c.jobsCancelled.Inc()
	case "paused":
		c.jobsPaused.Inc()
	}
}

// AddRowsProcessed counts persisted import rows.
func (c *Collector) AddRowsProcessed(n int64) {
	if n > 0 {
		c.rowsProcessed.Add(float64(n))
	}
}

// SetRecoverySeconds records the duration of a startup recovery pass.
func (c *Collector) SetRecoverySeconds(seconds float64) {
	c.recoveryTime.Set(seconds)
}
