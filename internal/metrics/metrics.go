package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Measurements        *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	PublishFailures     *prometheus.CounterVec
	AuditFailures       *prometheus.CounterVec
	DroppedEvents       *prometheus.CounterVec
	OpenAlerts          prometheus.Gauge
	Subscribers         prometheus.Gauge
	AcknowledgmentDelay prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vital_alerts_measurements_total",
			Help: "Measurements processed by outcome",
		}, []string{"source", "result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vital_alerts_transitions_total",
			Help: "Alert lifecycle transitions",
		}, []string{"event", "severity"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vital_alerts_publish_failures_total",
			Help: "Lifecycle events that could not be published",
		}, []string{"event"}),
		AuditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vital_alerts_audit_failures_total",
			Help: "Audit entries a sink failed to store",
		}, []string{"sink"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vital_alerts_dropped_events_total",
			Help: "Events dropped because a queue was full",
		}, []string{"queue"}),
		OpenAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vital_alerts_open_alerts",
			Help: "Alerts currently New or Acknowledged",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vital_alerts_subscribers",
			Help: "Connected live dashboard sessions",
		}),
		AcknowledgmentDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vital_alerts_acknowledgment_seconds",
			Help:    "Time from alert creation to first acknowledgment",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Measurements,
		m.Transitions,
		m.PublishFailures,
		m.AuditFailures,
		m.DroppedEvents,
		m.OpenAlerts,
		m.Subscribers,
		m.AcknowledgmentDelay,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Measurement(source, result string) {
	if m == nil {
		return
	}
	m.Measurements.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Transition(event, severity string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(event, severity).Inc()
}

func (m *Metrics) PublishFailed(event string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(event).Inc()
}

func (m *Metrics) AuditFailed(sink string) {
	if m == nil {
		return
	}
	m.AuditFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) Dropped(queue string) {
	if m == nil {
		return
	}
	m.DroppedEvents.WithLabelValues(queue).Inc()
}

func (m *Metrics) AddOpenAlerts(delta float64) {
	if m == nil {
		return
	}
	m.OpenAlerts.Add(delta)
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) ObserveAcknowledgment(seconds float64) {
	if m == nil {
		return
	}
	m.AcknowledgmentDelay.Observe(seconds)
}
