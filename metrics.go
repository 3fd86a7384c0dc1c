package netplay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons recorded by Metrics.
const (
	dropMalformed   = "malformed"
	dropRateLimited = "rate_limited"
)

// Metrics holds the Prometheus collectors of one or more endpoints.
// A nil *Metrics records nothing.
type Metrics struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	writeErrors    prometheus.Counter
	peers          prometheus.Gauge
	evictions      prometheus.Counter
	disconnects    prometheus.Counter
}

// NewMetrics registers the transport collectors on reg under namespace.
// A nil reg uses prometheus.DefaultRegisterer; an empty namespace uses "netplay".
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "netplay"
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to connections, by frame kind",
		}, []string{"kind"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from connections, by frame kind",
		}, []string{"kind"}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped, by reason",
		}, []string{"reason"}),

		writeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_errors_total",
			Help:      "Failed frame writes",
		}),

		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Inbound peers currently registered on hosts",
		}),

		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_evictions_total",
			Help:      "Connections dropped for missing the heartbeat timeout",
		}),

		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "OnDisconnect notifications delivered to the game layer",
		}),
	}
}

func (m *Metrics) frameSent(kind FrameKind) {
	if m != nil {
		m.framesSent.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) frameReceived(kind FrameKind) {
	if m != nil {
		m.framesReceived.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) frameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) writeFailed() {
	if m != nil {
		m.writeErrors.Inc()
	}
}

func (m *Metrics) peerAdded() {
	if m != nil {
		m.peers.Inc()
	}
}

func (m *Metrics) peerRemoved() {
	if m != nil {
		m.peers.Dec()
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *Metrics) disconnected() {
	if m != nil {
		m.disconnects.Inc()
	}
}
