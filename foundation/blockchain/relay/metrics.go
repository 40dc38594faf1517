package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the prometheus collectors for the peer network.
type metrics struct {
	peers           *prometheus.GaugeVec
	banned          prometheus.Gauge
	requestTimeouts prometheus.Counter
	messagesIn      *prometheus.CounterVec
	messagesOut     *prometheus.CounterVec
	misbehavior     *prometheus.CounterVec
	inboundQueue    prometheus.Gauge
	bytesIn         prometheus.Counter
	bytesOut        prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &metrics{
		peers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "utxonode", Subsystem: "p2p", Name: "peers",
			Help: "Connected peers by direction.",
		}, []string{"direction"}),
		banned: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "utxonode", Subsystem: "p2p", Name: "banned",
			Help: "Addresses currently banned.",
		}),
		requestTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "utxonode", Subsystem: "p2p", Name: "request_timeouts_total",
			Help: "Requested items that never arrived.",
		}),
		messagesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "utxonode", Subsystem: "p2p", Name: "messages_received_total",
			Help: "Messages received by command.",
		}, []string{"command"}),
		messagesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "utxonode", Subsystem: "p2p", Name: "messages_sent_total",
			Help: "Messages sent by command.",
		}, []string{"command"}),
		misbehavior: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "utxonode", Subsystem: "p2p", Name: "misbehavior_total",
			Help: "Misbehavior scored against peers by reason.",
		}, []string{"reason"}),
		inboundQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "utxonode", Subsystem: "p2p", Name: "inbound_queue",
			Help: "Messages waiting for the dispatcher.",
		}),
		bytesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: "utxonode", Subsystem: "p2p", Name: "received_bytes_total",
			Help: "Bytes read from peers.",
		}),
		bytesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: "utxonode", Subsystem: "p2p", Name: "sent_bytes_total",
			Help: "Bytes written to peers.",
		}),
	}
}

// setPeers updates the peer gauges. The caller must hold the peers lock.
func (m *metrics) setPeers(peers map[string]*remote) {
	var in, out int
	for _, p := range peers {
		if p.inbound {
			in++
			continue
		}
		out++
	}

	m.peers.WithLabelValues("inbound").Set(float64(in))
	m.peers.WithLabelValues("outbound").Set(float64(out))
}
