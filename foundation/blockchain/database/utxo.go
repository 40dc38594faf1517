package database

// UTXO represents an unspent transaction output along with the information
// needed to validate a spend of it.
type UTXO struct {
	Output   TxOut  `json:"output"`
	Height   uint64 `json:"height"`
	Coinbase bool   `json:"coinbase"`
}

// SpentOutput records an output consumed by a block so the spend can be
// reverted.
type SpentOutput struct {
	OutPoint OutPoint `json:"outpoint"`
	UTXO     UTXO     `json:"utxo"`
}

// Undo holds every output a block spent, in spend order. Reverting a block
// removes the outputs it created and restores these.
type Undo struct {
	BlockHash Hash          `json:"block_hash"`
	Spent     []SpentOutput `json:"spent"`
}
