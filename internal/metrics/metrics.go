// Package metrics exposes devbox's Prometheus metrics. All Record methods
// are safe to call on a nil *Metrics, which disables recording.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devbox"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	phaseDuration   *prometheus.HistogramVec
	sessionsCreated prometheus.Counter
	failures        *prometheus.CounterVec
	attachments     prometheus.Gauge
	fileOps         *prometheus.CounterVec
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provision_phase_duration_seconds",
				Help:      "Time spent in each provisioning phase.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"phase"},
		),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions accepted by create.",
		}),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_failures_total",
				Help:      "Sessions that ended in Failed, by failure code.",
			},
			[]string{"code"},
		),
		attachments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "terminal_attachments",
			Help:      "Terminal bridges currently attached.",
		}),
		fileOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fileops_total",
				Help:      "File operations by operation and result code.",
			},
			[]string{"op", "result"},
		),
	}

	m.registry.MustRegister(
		m.phaseDuration,
		m.sessionsCreated,
		m.failures,
		m.attachments,
		m.fileOps,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PhaseCounter reports the number of sessions currently in each phase.
type PhaseCounter func() map[string]int

// RegisterPhaseGauge exposes devbox_sessions{phase} computed on scrape.
func (m *Metrics) RegisterPhaseGauge(count PhaseCounter) {
	if m == nil {
		return
	}
	m.registry.MustRegister(&phaseCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions"),
			"Sessions known to the registry, by phase.",
			[]string{"phase"}, nil,
		),
		count: count,
	})
}

type phaseCollector struct {
	desc  *prometheus.Desc
	count PhaseCounter
}

func (c *phaseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *phaseCollector) Collect(ch chan<- prometheus.Metric) {
	for phase, n := range c.count() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), phase)
	}
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) SessionFailed(code string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(code).Inc()
}

func (m *Metrics) TerminalAttached() {
	if m == nil {
		return
	}
	m.attachments.Inc()
}

func (m *Metrics) TerminalDetached() {
	if m == nil {
		return
	}
	m.attachments.Dec()
}

// FileOp counts one file operation. result is "ok" or an error code.
func (m *Metrics) FileOp(op, result string) {
	if m == nil {
		return
	}
	m.fileOps.WithLabelValues(op, result).Inc()
}
