// Package jobs runs background work off the request path: the debounced graph
// recomputation scheduler and the metrics it reports.
package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricJobRunsTotal      = "background_job_runs_total"
	MetricJobRunDuration    = "background_job_run_duration_seconds"
	MetricJobErrorsTotal    = "background_job_errors_total"
	MetricJobCoalescedTotal = "background_job_coalesced_notifications_total"
)

// Job types used as label values.
const (
	JobTypeGraphRecompute = "graph_recompute"
)

// Run outcomes.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Error types reported with IncJobErrors.
const (
	ErrorTypePanic   = "panic"
	ErrorTypeTimeout = "timeout"
	ErrorTypeRun     = "run_error"
)

// Reporter is the subset of Metrics a job needs. A nil Reporter disables reporting.
type Reporter interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
	IncCoalesced(jobType string)
}

// Metrics holds the Prometheus collectors for background jobs. Safe for concurrent use.
type Metrics struct {
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	coalescedTotal *prometheus.CounterVec
}

// NewMetrics creates unregistered collectors; call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobRunsTotal,
				Help: "Total number of background job runs by type and status",
			},
			[]string{"job_type", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricJobRunDuration,
				Help:    "Background job run duration in seconds by job type",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"job_type"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobErrorsTotal,
				Help: "Total number of background job errors by type and error type",
			},
			[]string{"job_type", "error_type"},
		),
		coalescedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobCoalescedTotal,
				Help: "Notifications folded into an already pending run",
			},
			[]string{"job_type"},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncJobsTotal counts a finished run.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.runsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveJobDuration records how long a run took.
func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.runDuration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors counts a failed run by cause.
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.errorsTotal.WithLabelValues(jobType, errorType).Inc()
}

// IncCoalesced counts a notification that did not schedule an extra run.
func (m *Metrics) IncCoalesced(jobType string) {
	m.coalescedTotal.WithLabelValues(jobType).Inc()
}

// Collectors returns all collectors, mainly for tests.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.runsTotal,
		m.runDuration,
		m.errorsTotal,
		m.coalescedTotal,
	}
}
