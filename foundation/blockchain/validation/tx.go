package validation

import (
	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/genesis"
	"github.com/ardanlabs/utxonode/foundation/blockchain/signature"
	"github.com/ardanlabs/utxonode/foundation/blockchain/utxo"
)

// BlockReserve is the room a block template keeps out of the block weight
// for the header and the coinbase transaction.
const BlockReserve = 2_000

// CheckTxSanity performs the checks that need nothing but the transaction.
func CheckTxSanity(tx database.Tx) error {
	if len(tx.Inputs) == 0 {
		return NewRuleError(Malformed, ReasonMalformed, "tx %s has no inputs", tx.ID())
	}

	if _, err := tx.OutputTotal(); err != nil {
		return NewRuleError(Malformed, ReasonMalformed, "tx %s: %s", tx.ID(), err)
	}

	for i, out := range tx.Outputs {
		if !out.Address.IsAddress() {
			return NewRuleError(Malformed, ReasonMalformed, "tx %s output %d address %q is not valid", tx.ID(), i, out.Address)
		}
	}

	if tx.IsCoinbase() {
		if len(tx.Data) < 8 {
			return NewRuleError(Malformed, ReasonBadCoinbase, "coinbase %s does not commit to a height", tx.ID())
		}
		if len(tx.Inputs[0].Sig) != 0 {
			return NewRuleError(Malformed, ReasonBadCoinbase, "coinbase %s carries a signature", tx.ID())
		}
		return nil
	}

	if len(tx.Outputs) == 0 {
		return NewRuleError(Malformed, ReasonMalformed, "tx %s has no outputs", tx.ID())
	}

	seen := make(map[database.OutPoint]struct{}, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if in.PrevOut.IsNull() {
			return NewRuleError(Malformed, ReasonMalformed, "tx %s input %d spends the null outpoint", tx.ID(), i)
		}

		if _, exists := seen[in.PrevOut]; exists {
			return NewRuleError(Malformed, ReasonDoubleSpend, "tx %s spends %s twice", tx.ID(), in.PrevOut)
		}
		seen[in.PrevOut] = struct{}{}

		if len(in.Sig) != signature.SignatureLength {
			return NewRuleError(Malformed, ReasonBadSignature, "tx %s input %d signature length %d", tx.ID(), i, len(in.Sig))
		}
	}

	return nil
}

// ValidateTransaction checks a loose transaction against the view for
// inclusion in a block at spendHeight. The fee is returned. An unknown input
// is reported as a missing reference since the parent may not have arrived.
func ValidateTransaction(tx database.Tx, view utxo.Source, spendHeight uint64, params genesis.Genesis) (uint64, error) {
	if err := CheckTxSanity(tx); err != nil {
		return 0, err
	}

	if tx.IsCoinbase() {
		return 0, NewRuleError(Malformed, ReasonBadCoinbase, "coinbase %s is only valid in a block", tx.ID())
	}

	// A loose transaction has to fit in a block template next to the header
	// and the coinbase.
	if size, limit := tx.Size(), params.MaxBlockWeight-BlockReserve; size > limit {
		return 0, NewRuleError(ConsensusViolation, ReasonOversize, "tx %s size %d above %d", tx.ID(), size, limit)
	}

	return checkInputs(tx, view, spendHeight, params, MissingReference)
}

// checkInputs validates the inputs of a non-coinbase transaction that has
// already passed the sanity checks and returns the fee.
func checkInputs(tx database.Tx, view utxo.Source, spendHeight uint64, params genesis.Genesis, missing Kind) (uint64, error) {
	id := tx.ID()

	var total uint64
	for i, in := range tx.Inputs {
		u, exists := view.Get(in.PrevOut)
		if !exists {
			return 0, NewRuleError(missing, ReasonStaleReference, "tx %s input %d: %s is missing or spent", id, i, in.PrevOut)
		}

		if u.Coinbase && spendHeight-u.Height < params.CoinbaseMaturity {
			return 0, NewRuleError(ConsensusViolation, ReasonImmatureSpend, "tx %s input %d: coinbase at height %d spent at %d", id, i, u.Height, spendHeight)
		}

		total += u.Output.Value
		if u.Output.Value > database.MaxMoney || total > database.MaxMoney {
			return 0, NewRuleError(ConsensusViolation, ReasonOverspend, "tx %s input value out of range", id)
		}
	}

	out, _ := tx.OutputTotal()
	if out > total {
		return 0, NewRuleError(ConsensusViolation, ReasonOverspend, "tx %s spends %d with only %d in", id, out, total)
	}

	// Recovering a key is the expensive part, inputs sharing a signature
	// only recover it once.
	recovered := make(map[string]database.Address)
	for i, in := range tx.Inputs {
		addr, exists := recovered[string(in.Sig)]
		if !exists {
			var err error
			addr, err = tx.FromAddress(i)
			if err != nil {
				return 0, NewRuleError(ConsensusViolation, ReasonBadSignature, "tx %s input %d: %s", id, i, err)
			}
			recovered[string(in.Sig)] = addr
		}

		u, _ := view.Get(in.PrevOut)
		if addr != u.Output.Address {
			return 0, NewRuleError(ConsensusViolation, ReasonBadSignature, "tx %s input %d signed by %s, owned by %s", id, i, addr, u.Output.Address)
		}
	}

	return total - out, nil
}
