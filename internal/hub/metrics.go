package hub

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the hub's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connected      prometheus.Gauge
	pendingAcks    prometheus.Gauge
	framesReceived *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	handshakes     *prometheus.CounterVec
	rateLimited    prometheus.Counter
	commands       *prometheus.CounterVec
	ackLatency     prometheus.Histogram
}

// NewMetrics creates the hub collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicehub_connected_devices",
			Help: "Number of authenticated device connections.",
		}),
		pendingAcks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicehub_pending_acks",
			Help: "Number of commands awaiting an ack.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicehub_frames_received_total",
			Help: "Valid frames received from devices, by kind.",
		}, []string{"kind"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicehub_protocol_errors_total",
			Help: "Rejected inbound frames, by reason.",
		}, []string{"reason"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicehub_handshakes_total",
			Help: "Completed handshakes, by result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicehub_rate_limited_total",
			Help: "Connections closed for exceeding the message budget.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicehub_commands_total",
			Help: "Commands dispatched to devices, by mode and result.",
		}, []string{"mode", "result"}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "devicehub_ack_latency_seconds",
			Help:    "Time between sending a command and receiving its ack.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connected,
			m.pendingAcks,
			m.framesReceived,
			m.protocolErrors,
			m.handshakes,
			m.rateLimited,
			m.commands,
			m.ackLatency,
		)
	}
	return m
}

func (m *Metrics) incConnected() {
	if m != nil {
		m.connected.Inc()
	}
}

func (m *Metrics) decConnected() {
	if m != nil {
		m.connected.Dec()
	}
}

func (m *Metrics) setPendingAcks(n int) {
	if m != nil {
		m.pendingAcks.Set(float64(n))
	}
}

func (m *Metrics) frameReceived(kind Kind) {
	if m != nil {
		m.framesReceived.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) protocolError(reason string) {
	if m != nil {
		m.protocolErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) rateLimitHit() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) command(mode, result string) {
	if m != nil {
		m.commands.WithLabelValues(mode, result).Inc()
	}
}

func (m *Metrics) observeAckLatency(d time.Duration) {
	if m != nil {
		m.ackLatency.Observe(d.Seconds())
	}
}

// protocolReason maps a decode error to a metric label.
func protocolReason(err error) string {
	switch {
	case errors.Is(err, ErrFrameTooLarge):
		return "too_large"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, ErrInvalidShape):
		return "invalid_shape"
	default:
		return "other"
	}
}
