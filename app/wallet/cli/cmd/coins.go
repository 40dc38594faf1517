package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
)

// ErrInsufficientFunds is returned when the spendable outputs do not cover
// the value and fee.
var ErrInsufficientFunds = errors.New("insufficient funds")

// utxo is an unspent output as reported by the node.
type utxo struct {
	TxID      database.Hash `json:"txid"`
	Index     uint32        `json:"index"`
	Value     uint64        `json:"value"`
	Height    uint64        `json:"height"`
	Coinbase  bool          `json:"coinbase"`
	Spendable bool          `json:"spendable"`
}

// selectCoins picks spendable outputs, largest first, until the target is
// covered. It returns the picked outputs and the change left over.
func selectCoins(coins []utxo, target uint64) ([]utxo, uint64, error) {
	spendable := make([]utxo, 0, len(coins))
	for _, c := range coins {
		if c.Spendable {
			spendable = append(spendable, c)
		}
	}

	sort.Slice(spendable, func(i, j int) bool {
		if spendable[i].Value == spendable[j].Value {
			return spendable[i].Height < spendable[j].Height
		}
		return spendable[i].Value > spendable[j].Value
	})

	var total uint64
	for i, c := range spendable {
		total += c.Value
		if total >= target {
			return spendable[:i+1], total - target, nil
		}
	}

	return nil, 0, fmt.Errorf("have %d, need %d: %w", total, target, ErrInsufficientFunds)
}

// buildTx constructs the unsigned transaction paying value to the recipient
// and any change back to the sender.
func buildTx(coins []utxo, from database.Address, to database.Address, value uint64, fee uint64, data []byte) (database.Tx, error) {
	if value == 0 {
		return database.Tx{}, errors.New("value must be greater than zero")
	}
	if value > database.MaxMoney || fee > database.MaxMoney-value {
		return database.Tx{}, errors.New("value and fee exceed the money supply")
	}

	picked, change, err := selectCoins(coins, value+fee)
	if err != nil {
		return database.Tx{}, err
	}

	prevOuts := make([]database.OutPoint, len(picked))
	for i, c := range picked {
		prevOuts[i] = database.NewOutPoint(c.TxID, c.Index)
	}

	outputs := []database.TxOut{{Value: value, Address: to}}
	if change > 0 {
		outputs = append(outputs, database.TxOut{Value: change, Address: from})
	}

	return database.NewTx(prevOuts, outputs, data)
}
