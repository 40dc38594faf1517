package public

import (
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
)

type tipInfo struct {
	Hash      database.Hash `json:"hash"`
	Height    uint64        `json:"height"`
	Work      string        `json:"work"`
	Bits      uint32        `json:"bits"`
	TimeStamp uint64        `json:"timestamp"`
	Mempool   int           `json:"mempool"`
}

type balanceInfo struct {
	Address database.Address `json:"address"`
	Name    string           `json:"name"`
	Balance uint64           `json:"balance"`
	Pending uint64           `json:"pending_spend"`
	UTXOs   int              `json:"utxos"`
	Tip     database.Hash    `json:"tip"`
}

type utxoInfo struct {
	TxID      database.Hash `json:"txid"`
	Index     uint32        `json:"index"`
	Value     uint64        `json:"value"`
	Height    uint64        `json:"height"`
	Coinbase  bool          `json:"coinbase"`
	Spendable bool          `json:"spendable"`
}

type output struct {
	Address database.Address `json:"address"`
	Name    string           `json:"name"`
	Value   uint64           `json:"value"`
}

type tx struct {
	ID      database.Hash       `json:"id"`
	Inputs  []database.OutPoint `json:"inputs"`
	From    string              `json:"from,omitempty"`
	Outputs []output            `json:"outputs"`
}

type mempoolTx struct {
	tx
	Fee   uint64    `json:"fee"`
	Size  int       `json:"size"`
	Added time.Time `json:"added"`
}

type block struct {
	Hash   database.Hash        `json:"hash"`
	Header database.BlockHeader `json:"header"`
	Txs    []tx                 `json:"txs"`
}

type submitResult struct {
	ID     database.Hash `json:"id"`
	Status string        `json:"status"`
}

// =============================================================================

func (h Handlers) toTx(t database.Tx) tx {
	out := tx{
		ID:      t.ID(),
		Inputs:  make([]database.OutPoint, len(t.Inputs)),
		Outputs: make([]output, len(t.Outputs)),
	}

	for i, in := range t.Inputs {
		out.Inputs[i] = in.PrevOut
	}

	if !t.IsCoinbase() && len(t.Inputs) > 0 {
		if from, err := t.FromAddress(0); err == nil {
			out.From = h.NS.Lookup(from)
		}
	}

	for i, o := range t.Outputs {
		out.Outputs[i] = output{
			Address: o.Address,
			Name:    h.NS.Lookup(o.Address),
			Value:   o.Value,
		}
	}

	return out
}

func (h Handlers) toMempoolTx(t database.Tx, fee uint64, size int, added time.Time) mempoolTx {
	return mempoolTx{
		tx:    h.toTx(t),
		Fee:   fee,
		Size:  size,
		Added: added,
	}
}

func (h Handlers) toBlock(b database.Block) block {
	out := block{
		Hash:   b.Hash(),
		Header: b.Header,
		Txs:    make([]tx, len(b.Txs)),
	}

	for i, t := range b.Txs {
		out.Txs[i] = h.toTx(t)
	}

	return out
}
