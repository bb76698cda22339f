package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	Connections     prometheus.Gauge
	Frames          *prometheus.CounterVec
	Evictions       prometheus.Counter
	LogAppends      *prometheus.CounterVec
	Compactions     *prometheus.CounterVec
	CompactDuration prometheus.Histogram
}

// NewMetrics creates and registers the relay collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowsync",
			Name:      "relay_connections",
			Help:      "Open client connections.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowsync",
			Name:      "relay_frames_total",
			Help:      "Frames received from clients by type.",
		}, []string{"type"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowsync",
			Name:      "relay_evictions_total",
			Help:      "Connections closed because their subscriber fell behind.",
		}),
		LogAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowsync",
			Name:      "update_log_appends_total",
			Help:      "Update log appends by result.",
		}, []string{"result"}), // result: ok|error
		Compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowsync",
			Name:      "compactions_total",
			Help:      "Update log compactions by result.",
		}, []string{"result"}), // result: ok|skipped|error
		CompactDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flowsync",
			Name:      "compaction_duration_seconds",
			Help:      "Time spent folding one diagram's update log.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
	m.registry.MustRegister(
		m.Connections, m.Frames, m.Evictions, m.LogAppends, m.Compactions, m.CompactDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
