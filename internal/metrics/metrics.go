// Package metrics provides Prometheus metrics for handlemesh.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "handlemesh"
)

// Metrics contains all Prometheus metrics for a node.
type Metrics struct {
	// Link metrics
	LinksConnected  prometheus.Gauge
	LinksTotal      prometheus.Counter
	LinkConnections *prometheus.CounterVec
	LinkDisconnects *prometheus.CounterVec
	HandshakeErrors *prometheus.CounterVec
	KeepalivesSent  prometheus.Counter
	KeepaliveRTT    prometheus.Histogram

	// Frame metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec

	// Proxy metrics
	ProxiesActive      prometheus.Gauge
	ProxiesTotal       prometheus.Counter
	ProxyOutcomes      *prometheus.CounterVec
	BytesRelayed       *prometheus.CounterVec
	ProtocolViolations *prometheus.CounterVec

	// Transfer metrics
	TransfersInitiated prometheus.Counter
	TransfersFollowed  prometheus.Counter
	DrainedMessages    prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// Discard returns metrics registered with a private registry, for tests and
// embedded nodes that do not export metrics.
func Discard() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LinksConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_connected",
			Help:      "Number of currently connected links",
		}),
		LinksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_total",
			Help:      "Total number of links established",
		}),
		LinkConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_connections_total",
			Help:      "Total links by transport and direction",
		}, []string{"transport", "direction"}),
		LinkDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_disconnects_total",
			Help:      "Total link disconnections by reason",
		}, []string{"reason"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total link handshake errors by type",
		}, []string{"error_type"}),
		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Total keepalives sent",
		}),
		KeepaliveRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keepalive_rtt_seconds",
			Help:      "Histogram of keepalive round-trip time in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by type",
		}, []string{"frame_type"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped for unknown streams by type",
		}, []string{"frame_type"}),

		ProxiesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxies_active",
			Help:      "Number of running proxy sessions",
		}),
		ProxiesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxies_total",
			Help:      "Total proxy sessions started",
		}),
		ProxyOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_outcomes_total",
			Help:      "Total proxy sessions ended by outcome",
		}, []string{"outcome"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total message bytes relayed by direction",
		}, []string{"direction"}),
		ProtocolViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total proxy protocol violations by offending frame",
		}, []string{"frame_type"}),

		TransfersInitiated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_initiated_total",
			Help:      "Total transfers started by this node",
		}),
		TransfersFollowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_followed_total",
			Help:      "Total transfers followed by this node",
		}),
		DrainedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drained_messages_total",
			Help:      "Total messages delivered through drain streams",
		}),
	}
}

// RecordLinkConnect records a new link.
func (m *Metrics) RecordLinkConnect(transport, direction string) {
	m.LinksConnected.Inc()
	m.LinksTotal.Inc()
	m.LinkConnections.WithLabelValues(transport, direction).Inc()
}

// RecordLinkDisconnect records a link going away.
func (m *Metrics) RecordLinkDisconnect(reason string) {
	m.LinksConnected.Dec()
	m.LinkDisconnects.WithLabelValues(reason).Inc()
}

// RecordHandshakeError records a failed link handshake.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordFrameSent records a frame sent.
func (m *Metrics) RecordFrameSent(frameType string) {
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived records a frame received.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordKeepaliveRTT records a keepalive round trip.
func (m *Metrics) RecordKeepaliveRTT(rttSeconds float64) {
	m.KeepaliveRTT.Observe(rttSeconds)
}

// RecordProxyStart records a proxy session starting.
func (m *Metrics) RecordProxyStart() {
	m.ProxiesActive.Inc()
	m.ProxiesTotal.Inc()
}

// RecordProxyEnd records a proxy session ending.
func (m *Metrics) RecordProxyEnd(outcome string) {
	m.ProxiesActive.Dec()
	m.ProxyOutcomes.WithLabelValues(outcome).Inc()
}
