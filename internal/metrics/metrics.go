// Package metrics owns the Prometheus collectors for the job lifecycle.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups every metric the service exports.
type Collectors struct {
	JobsSubmitted prometheus.Counter
	JobsRejected  prometheus.Counter
	JobsRunning   prometheus.Gauge
	JobsCompleted *prometheus.CounterVec
	JobRuntime    *prometheus.HistogramVec
	QueueDepth    prometheus.GaugeFunc
	Registry      *prometheus.Registry
}

// New registers all collectors against a private registry. queueDepth is
// sampled on every scrape.
func New(queueDepth func() float64) (*Collectors, error) {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ripperd_jobs_submitted_total",
			Help: "Total jobs admitted into the queue.",
		}),
		JobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ripperd_jobs_rejected_total",
			Help: "Total submissions rejected because the queue was full.",
		}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ripperd_jobs_running",
			Help: "Current number of running jobs.",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ripperd_jobs_completed_total",
			Help: "Total jobs completed partitioned by result.",
		}, []string{"result"}),
		JobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ripperd_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		QueueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ripperd_queue_depth",
			Help: "Jobs waiting in the admission queue.",
		}, queueDepth),
		Registry: reg,
	}
	for _, collector := range []prometheus.Collector{
		c.JobsSubmitted,
		c.JobsRejected,
		c.JobsRunning,
		c.JobsCompleted,
		c.JobRuntime,
		c.QueueDepth,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return c, nil
}
