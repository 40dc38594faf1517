package state

import (
	"github.com/ardanlabs/utxonode/foundation/blockchain/chain"
	"github.com/ardanlabs/utxonode/foundation/blockchain/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the prometheus collectors for the node state.
type metrics struct {
	bestHeight      prometheus.Gauge
	blocksConnected prometheus.Counter
	blocksMined     prometheus.Counter
	blocksRejected  *prometheus.CounterVec
	reorgs          prometheus.Counter
	reorgDepth      prometheus.Histogram
	txsAccepted     prometheus.Counter
	txsRejected     *prometheus.CounterVec
	mempoolTxs      prometheus.Gauge
	mempoolBytes    prometheus.Gauge
	orphanTxs       prometheus.Gauge
	orphanBlocks    prometheus.Gauge
	utxos           prometheus.Gauge
}

// newMetrics registers the collectors. A nil registerer gets a private
// registry so several states can live in one process.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &metrics{
		bestHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "utxonode", Subsystem: "chain", Name: "best_height",
			Help: "Height of the best tip.",
		}),
		blocksConnected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "utxonode", Subsystem: "chain", Name: "blocks_connected_total",
			Help: "Blocks connected to the best chain.",
		}),
		blocksMined: f.NewCounter(prometheus.CounterOpts{
			Namespace: "utxonode", Subsystem: "chain", Name: "blocks_mined_total",
			Help: "Blocks mined by this node.",
		}),
		blocksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "utxonode", Subsystem: "chain", Name: "blocks_rejected_total",
			Help: "Blocks rejected by reason.",
		}, []string{"reason"}),
		reorgs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "utxonode", Subsystem: "chain", Name: "reorgs_total",
			Help: "Best chain reorganizations.",
		}),
		reorgDepth: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "utxonode", Subsystem: "chain", Name: "reorg_depth",
			Help:    "Blocks detached per reorganization.",
			Buckets: []float64{1, 2, 3, 6, 10, 50, 100},
		}),
		txsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "utxonode", Subsystem: "mempool", Name: "txs_accepted_total",
			Help: "Transactions accepted into the mempool.",
		}),
		txsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "utxonode", Subsystem: "mempool", Name: "txs_rejected_total",
			Help: "Transactions rejected by reason.",
		}, []string{"reason"}),
		mempoolTxs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "utxonode", Subsystem: "mempool", Name: "txs",
			Help: "Transactions in the mempool.",
		}),
		mempoolBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "utxonode", Subsystem: "mempool", Name: "bytes",
			Help: "Encoded size of the mempool.",
		}),
		orphanTxs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "utxonode", Subsystem: "mempool", Name: "orphan_txs",
			Help: "Transactions waiting for a parent.",
		}),
		orphanBlocks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "utxonode", Subsystem: "chain", Name: "orphan_blocks",
			Help: "Blocks waiting for a parent.",
		}),
		utxos: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "utxonode", Subsystem: "chain", Name: "utxos",
			Help: "Size of the utxo set.",
		}),
	}
}

func (m *metrics) setTip(tip chain.Node) {
	m.bestHeight.Set(float64(tip.Height))
}

func (m *metrics) setPools(s *State) {
	m.mempoolTxs.Set(float64(s.mempool.Count()))
	m.mempoolBytes.Set(float64(s.mempool.Bytes()))
	m.orphanTxs.Set(float64(s.orphanTxs.Count()))
	m.orphanBlocks.Set(float64(s.orphanBlocks.Len()))
	m.utxos.Set(float64(s.chain.UTXOCount()))
}

func (m *metrics) reorg(depth int) {
	m.reorgs.Inc()
	m.reorgDepth.Observe(float64(depth))
}

func (m *metrics) blockRejected(err error) {
	m.blocksRejected.WithLabelValues(reason(err)).Inc()
}

func (m *metrics) txRejected(err error) {
	m.txsRejected.WithLabelValues(reason(err)).Inc()
}

// reason returns the rule error reason used as a label.
func reason(err error) string {
	if re := validation.GetRuleError(err); re != nil {
		return string(re.Reason)
	}
	return "other"
}
