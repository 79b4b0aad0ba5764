package mux

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts traffic for one or more connections.
type Metrics struct {
	ChunksSent     prometheus.Counter
	ChunksReceived prometheus.Counter
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter

	// FlowSignals is labelled by direction (sent, received) and signal
	// (block, unblock).
	FlowSignals *prometheus.CounterVec

	OpenChannels prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	if reg != nil {
		reg.MustRegister(
			m.ChunksSent,
			m.ChunksReceived,
			m.BytesSent,
			m.BytesReceived,
			m.FlowSignals,
			m.OpenChannels,
		)
	}
	return m
}

func newMetrics() *Metrics {
	return &Metrics{
		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dop",
			Name:      "chunks_sent_total",
			Help:      "Chunks written to the transport.",
		}),
		ChunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dop",
			Name:      "chunks_received_total",
			Help:      "Chunks read from the transport.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dop",
			Name:      "bytes_sent_total",
			Help:      "Payload bytes written before encryption.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dop",
			Name:      "bytes_received_total",
			Help:      "Payload bytes read after decryption.",
		}),
		FlowSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dop",
			Name:      "flow_signals_total",
			Help:      "Block and unblock control messages.",
		}, []string{"direction", "signal"}),
		OpenChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dop",
			Name:      "open_channels",
			Help:      "Channels currently registered.",
		}),
	}
}

func (m *Metrics) sent(n int) {
	m.ChunksSent.Inc()
	m.BytesSent.Add(float64(n))
}

func (m *Metrics) received(n int) {
	m.ChunksReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) flow(direction string, block bool) {
	signal := cmdUnblock
	if block {
		signal = cmdBlock
	}
	m.FlowSignals.WithLabelValues(direction, signal).Inc()
}
