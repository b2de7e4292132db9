package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder keeps engine metrics in a private registry. A batch run
// is short-lived, so the registry is exported as a node-exporter textfile
// rather than served.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	submitFailed  *prometheus.CounterVec
	pollCycles    *prometheus.CounterVec
	pollDuration  *prometheus.HistogramVec
	parseProblems *prometheus.CounterVec
	finished      *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder with all vvbatch metrics registered
func NewPrometheusRecorder() *PrometheusRecorder {
	r := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vvbatch_submissions_total",
			Help: "Total number of jobs submitted.",
		}, []string{"backend"}),
		submitFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vvbatch_submission_failures_total",
			Help: "Total number of submissions that produced no job id.",
		}, []string{"backend"}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vvbatch_poll_cycles_total",
			Help: "Total number of poll cycles.",
		}, []string{"backend"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vvbatch_poll_duration_seconds",
			Help:    "Duration of poll cycles.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		parseProblems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vvbatch_parse_problems_total",
			Help: "Total number of scheduler output lines that could not be parsed.",
		}, []string{"backend"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vvbatch_jobs_finished_total",
			Help: "Total number of finished jobs by classification.",
		}, []string{"backend", "status"}),
	}

	r.registry.MustRegister(
		r.submissions,
		r.submitFailed,
		r.pollCycles,
		r.pollDuration,
		r.parseProblems,
		r.finished,
	)
	return r
}

// Registry returns the underlying registry
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *PrometheusRecorder) JobSubmitted(backend string) {
	r.submissions.WithLabelValues(backend).Inc()
}

func (r *PrometheusRecorder) SubmitFailed(backend string) {
	r.submitFailed.WithLabelValues(backend).Inc()
}

func (r *PrometheusRecorder) PollCycle(backend string, d time.Duration) {
	r.pollCycles.WithLabelValues(backend).Inc()
	r.pollDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (r *PrometheusRecorder) ParseProblems(backend string, n int) {
	if n <= 0 {
		return
	}
	r.parseProblems.WithLabelValues(backend).Add(float64(n))
}

func (r *PrometheusRecorder) JobFinished(backend, status string) {
	r.finished.WithLabelValues(backend, status).Inc()
}

// WriteTextfile writes the current metrics in the text exposition format.
// The file is replaced atomically.
func (r *PrometheusRecorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

var _ Recorder = (*PrometheusRecorder)(nil)
