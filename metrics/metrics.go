// Package metrics exposes Prometheus instrumentation for the reply relay.
//
// All methods are safe to call on a nil *Metrics, so components can be built
// without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// Metrics holds the relay's collectors.
type Metrics struct {
	connections      prometheus.Gauge
	channels         prometheus.Gauge
	pushes           *prometheus.CounterVec
	framesDelivered  prometheus.Counter
	deliveryFailures prometheus.Counter
	inbound          *prometheus.CounterVec
}

// New registers the relay collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections across all channels.",
		}),
		channels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels",
			Help:      "Live session channels.",
		}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Push requests handled, by tier and outcome.",
		}, []string{"tier", "outcome"}),
		framesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Broadcast frames handed to connections.",
		}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Broadcast frames a connection refused.",
		}),
		inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Connection-originated messages, by kind.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.channels.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.channels.Dec()
}

// Push records one push handled by tier ("router" or "channel").
func (m *Metrics) Push(tier, outcome string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(tier, outcome).Inc()
}

// Delivery records the result of one broadcast.
func (m *Metrics) Delivery(delivered, failed int) {
	if m == nil {
		return
	}
	m.framesDelivered.Add(float64(delivered))
	m.deliveryFailures.Add(float64(failed))
}

// Inbound records a connection-originated message of the given kind.
func (m *Metrics) Inbound(kind string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(kind).Inc()
}
