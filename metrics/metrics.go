// Package metrics exposes link manager counters to Prometheus
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "multirole"

// Metrics holds every collector of one controller. Each instance has its own
// registry so tests and multiple controllers never collide.
type Metrics struct {
	registry *prometheus.Registry

	Connections      prometheus.Gauge
	PHYChanges       *prometheus.CounterVec
	ParamQueueLength prometheus.Gauge
	Dispatched       *prometheus.CounterVec
	Dropped          *prometheus.CounterVec
	Resets           prometheus.Counter
	ScanResults      prometheus.Gauge
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Links currently held in the connection table.",
		}),
		PHYChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phy_change_requests_total",
			Help:      "Set-PHY commands issued, by target PHY.",
		}, []string{"target"}),
		ParamQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "param_update_queue_length",
			Help:      "Links waiting for an in-flight parameter update to finish.",
		}),
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Messages handled by the controller loop, by queue.",
		}, []string{"queue"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages refused because their queue was full, by queue.",
		}, []string{"queue"}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_resets_total",
			Help:      "System resets issued to activate a new image.",
		}),
		ScanResults: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_results",
			Help:      "Peers listed by the last scan.",
		}),
	}

	m.registry.MustRegister(
		m.Connections,
		m.PHYChanges,
		m.ParamQueueLength,
		m.Dispatched,
		m.Dropped,
		m.Resets,
		m.ScanResults,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
