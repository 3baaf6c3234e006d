// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HerbHall/netmapper/pkg/models"
)

const namespace = "netmapper"

// Metrics holds the collectors for one process. Each instance owns its own
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	subscribers     prometheus.Gauge
	dropped         prometheus.Counter
	scansStarted    prometheus.Counter
	scansFinished   *prometheus.CounterVec
	devices         prometheus.Gauge
}

// New registers the netmapper collectors along with the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published to live subscribers, by type.",
		}, []string{"type"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Currently attached live subscribers.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers removed because their queue was full.",
		}),
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "started_total",
			Help:      "Scan jobs started.",
		}),
		scansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "finished_total",
			Help:      "Scan jobs that reached a terminal status.",
		}, []string{"status"}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "devices",
			Help:      "Devices held by the store for the current job.",
		}),
	}

	m.registry.MustRegister(
		m.eventsPublished,
		m.subscribers,
		m.dropped,
		m.scansStarted,
		m.scansFinished,
		m.devices,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// EventPublished implements event.Observer.
func (m *Metrics) EventPublished(t models.EventType) {
	m.eventsPublished.WithLabelValues(string(t)).Inc()
}

// SubscribersChanged implements event.Observer.
func (m *Metrics) SubscribersChanged(n int) { m.subscribers.Set(float64(n)) }

// DeliveryDropped implements event.Observer.
func (m *Metrics) DeliveryDropped() { m.dropped.Inc() }

// ScanStarted counts a new job.
func (m *Metrics) ScanStarted() { m.scansStarted.Inc() }

// ScanFinished counts a job reaching status.
func (m *Metrics) ScanFinished(status models.JobStatus) {
	m.scansFinished.WithLabelValues(string(status)).Inc()
}

// SetDevices records the store's current device count.
func (m *Metrics) SetDevices(n int) { m.devices.Set(float64(n)) }
