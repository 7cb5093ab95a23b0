// Package metrics exposes Prometheus collectors for channels, bridges and
// servers. A nil *Metrics is valid and records nothing, so components take it
// as an optional dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portrpc"

// UnknownMethod is the method label for requests naming no known method.
const UnknownMethod = "_unknown"

// Drop reasons reported by FrameDropped.
const (
	DropOrigin    = "origin"
	DropTarget    = "target"
	DropMalformed = "malformed"
	DropClosed    = "closed"
	DropUnknown   = "unknown_stream"
)

type Metrics struct {
	registry *prometheus.Registry

	dropped  *prometheus.CounterVec
	pending  prometheus.Gauge
	peers    prometheus.Gauge
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates collectors on a private registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded before reaching a stream.",
		}, []string{"reason"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Outgoing calls awaiting a response.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Peers currently served.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Handled requests by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time spent in the middleware pipeline.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(
		m.dropped, m.pending, m.peers, m.calls, m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) PendingAdd(delta int) {
	if m == nil {
		return
	}
	m.pending.Add(float64(delta))
}

func (m *Metrics) PeerConnected() {
	if m == nil {
		return
	}
	m.peers.Inc()
}

func (m *Metrics) PeerDisconnected() {
	if m == nil {
		return
	}
	m.peers.Dec()
}

// CallCompleted records one handled request. outcome is "ok" or the JSON-RPC
// error code.
func (m *Metrics) CallCompleted(method, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(seconds)
}
