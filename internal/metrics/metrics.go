// Package metrics owns the Prometheus registry exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "homepage"

// Metrics groups the collectors registered by the service.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	CertificateEvents        prometheus.Counter
	CertificateEventsDropped prometheus.Counter
	credentialsSource        *prometheus.GaugeVec
}

// New creates a registry with Go runtime and process collectors plus the
// service's own metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		CertificateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "certificate",
			Name:      "events_total",
			Help:      "Certificate directory changes observed.",
		}),
		CertificateEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "certificate",
			Name:      "events_dropped_total",
			Help:      "Certificate directory changes dropped because the event buffer was full.",
		}),
		credentialsSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "credentials_source",
			Help:      "Set to 1 for the source the active database credentials came from.",
		}, []string{"source"}),
	}

	reg.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.CertificateEvents,
		m.CertificateEventsDropped,
		m.credentialsSource,
	)
	return m
}

// RegisterReloadPending exports the certificate reload signal as a gauge.
func (m *Metrics) RegisterReloadPending(pending func() bool) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "certificate",
		Name:      "reload_pending",
		Help:      "1 while a certificate change is awaiting reload.",
	}, func() float64 {
		if pending() {
			return 1
		}
		return 0
	}))
}

// SetCredentialsSource marks source as the origin of the active credentials.
func (m *Metrics) SetCredentialsSource(source string) {
	m.credentialsSource.Reset()
	m.credentialsSource.WithLabelValues(source).Set(1)
}

// ObserveRequest records a served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
