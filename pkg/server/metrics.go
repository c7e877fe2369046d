package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "webchat"

// Metrics holds the server's Prometheus collectors. All methods are safe on
// a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	activeSessions    prometheus.Gauge
	framesReceived    *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	evictions         *prometheus.CounterVec
	fanout            prometheus.Histogram
	frameDuration     *prometheus.HistogramVec
}

// NewMetrics registers every collector on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections",
		}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of identified connections",
		}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames accepted by the dispatcher, by type",
		}, []string{"type"}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames ignored without reply, by reason",
		}, []string{"reason"}),

		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames queued for delivery, by type",
		}, []string{"type"}),

		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Connections evicted after a failed delivery, by reason",
		}, []string{"reason"}),

		fanout: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_recipients",
			Help:      "Recipients per room broadcast",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),

		frameDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "frame_duration_seconds",
			Help:      "Time spent handling one inbound frame",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

// Handler serves the private registry
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordFrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordFrameSent(frameType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesSent.WithLabelValues(frameType).Add(float64(n))
}

func (m *Metrics) RecordEviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveFanout(n int) {
	if m == nil {
		return
	}
	m.fanout.Observe(float64(n))
}

func (m *Metrics) ObserveFrameDuration(frameType string, seconds float64) {
	if m == nil {
		return
	}
	m.frameDuration.WithLabelValues(frameType).Observe(seconds)
}
