// Package metrics exposes the watcher's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketwatch/watcher-service/internal/model"
)

const namespace = "watcher"

// Metrics holds every collector on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	JobRuns           *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	SkippedFires      *prometheus.CounterVec
	ConsecutiveErrors *prometheus.GaugeVec
	Items             *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	Alerts            prometheus.Counter
	Swept             *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Job executions by kind and final status",
		}, []string{"kind", "status"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of job executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~3.5min
		}, []string{"kind"}),
		SkippedFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_fires_skipped_total",
			Help:      "Trigger fires dropped because the job was still running",
		}, []string{"kind"}),
		ConsecutiveErrors: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_consecutive_errors",
			Help:      "Current consecutive failure count per job",
		}, []string{"job"}),
		Items: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Catalog items by pipeline stage (seen, rejected, new, notified)",
		}, []string{"stage"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Notification attempts by channel and result",
		}, []string{"channel", "result"}),
		Alerts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Scheduler alerts raised",
		}),
		Swept: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_swept_total",
			Help:      "Rows touched by maintenance sweeps",
		}, []string{"sweep"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRun records a finished job execution.
func (m *Metrics) ObserveRun(run model.JobRun) {
	if m == nil {
		return
	}
	kind := string(run.Key.Kind)
	m.JobRuns.WithLabelValues(kind, string(run.Status)).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(run.Duration.Seconds())
	m.ConsecutiveErrors.WithLabelValues(run.Key.String()).Set(float64(run.ErrorCount))

	if run.Key.Kind == model.JobKindSearch {
		met := run.Metrics
		m.Items.WithLabelValues("seen").Add(float64(met.Seen))
		m.Items.WithLabelValues("rejected").Add(float64(met.Rejected))
		m.Items.WithLabelValues("new").Add(float64(met.New))
		m.Items.WithLabelValues("notified").Add(float64(met.Notified))
	}
	if run.Metrics.Swept > 0 {
		m.Swept.WithLabelValues(run.Key.Key).Add(float64(run.Metrics.Swept))
	}
}

// ObserveSkip records a trigger fire dropped by the single-flight guard.
func (m *Metrics) ObserveSkip(kind model.JobKind) {
	if m == nil {
		return
	}
	m.SkippedFires.WithLabelValues(string(kind)).Inc()
}

// ForgetJob drops the per-job gauge of a removed job.
func (m *Metrics) ForgetJob(key model.JobKey) {
	if m == nil {
		return
	}
	m.ConsecutiveErrors.DeleteLabelValues(key.String())
}

// ObserveDelivery records one channel attempt outcome.
func (m *Metrics) ObserveDelivery(channel string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.Deliveries.WithLabelValues(channel, result).Inc()
}

// ObserveAlert records a raised scheduler alert.
func (m *Metrics) ObserveAlert() {
	if m == nil {
		return
	}
	m.Alerts.Inc()
}
