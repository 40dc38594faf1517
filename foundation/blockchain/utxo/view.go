package utxo

import (
	"errors"
	"fmt"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
)

// ErrMissing is returned when an outpoint is not in the view.
var ErrMissing = errors.New("output missing or spent")

// View is a copy on write overlay of a source. Spends and additions are held
// by the view and only reach the source when the caller applies Changes.
type View struct {
	base     Source
	modified map[database.OutPoint]*database.UTXO
}

// NewView constructs a view over the source.
func NewView(base Source) *View {
	return &View{
		base:     base,
		modified: make(map[database.OutPoint]*database.UTXO),
	}
}

// Get returns the unspent output for the outpoint as seen by the view.
func (v *View) Get(op database.OutPoint) (database.UTXO, bool) {
	if u, exists := v.modified[op]; exists {
		if u == nil {
			return database.UTXO{}, false
		}
		return *u, true
	}

	return v.base.Get(op)
}

// Spend removes the output from the view and returns it.
func (v *View) Spend(op database.OutPoint) (database.UTXO, error) {
	u, exists := v.Get(op)
	if !exists {
		return database.UTXO{}, fmt.Errorf("%w: %s", ErrMissing, op)
	}

	v.modified[op] = nil
	return u, nil
}

// Add places an output in the view.
func (v *View) Add(op database.OutPoint, u database.UTXO) {
	v.modified[op] = &u
}

// AddTx places every output of the transaction in the view.
func (v *View) AddTx(tx database.Tx, height uint64) {
	id := tx.ID()
	coinbase := tx.IsCoinbase()

	for i, out := range tx.Outputs {
		v.Add(database.NewOutPoint(id, uint32(i)), database.UTXO{
			Output:   out,
			Height:   height,
			Coinbase: coinbase,
		})
	}
}

// ConnectBlock spends the inputs and adds the outputs of every transaction
// in block order. The returned undo data restores the view.
func (v *View) ConnectBlock(block database.Block, height uint64) (database.Undo, error) {
	undo := database.Undo{
		BlockHash: block.Hash(),
	}

	for _, tx := range block.Txs {
		if !tx.IsCoinbase() {
			for _, in := range tx.Inputs {
				u, err := v.Spend(in.PrevOut)
				if err != nil {
					return database.Undo{}, err
				}
				undo.Spent = append(undo.Spent, database.SpentOutput{OutPoint: in.PrevOut, UTXO: u})
			}
		}

		v.AddTx(tx, height)
	}

	return undo, nil
}

// DisconnectBlock reverts a connected block. Transactions are processed in
// reverse order so spends inside the block unwind correctly.
func (v *View) DisconnectBlock(block database.Block, undo database.Undo) error {
	if undo.BlockHash != block.Hash() {
		return fmt.Errorf("undo data for %s does not match block %s", undo.BlockHash, block.Hash())
	}

	next := len(undo.Spent)

	for i := len(block.Txs) - 1; i >= 0; i-- {
		tx := block.Txs[i]
		id := tx.ID()

		for j := range tx.Outputs {
			if _, err := v.Spend(database.NewOutPoint(id, uint32(j))); err != nil {
				return fmt.Errorf("disconnecting tx %s: %w", id, err)
			}
		}

		if tx.IsCoinbase() {
			continue
		}

		for j := len(tx.Inputs) - 1; j >= 0; j-- {
			next--
			if next < 0 {
				return fmt.Errorf("undo data for %s is short", undo.BlockHash)
			}

			spent := undo.Spent[next]
			if spent.OutPoint != tx.Inputs[j].PrevOut {
				return fmt.Errorf("undo data for %s out of order at %s", undo.BlockHash, spent.OutPoint)
			}

			v.Add(spent.OutPoint, spent.UTXO)
		}
	}

	if next != 0 {
		return fmt.Errorf("undo data for %s has %d unused entries", undo.BlockHash, next)
	}

	return nil
}

// Changes returns what the view would change in its source.
func (v *View) Changes() Changes {
	c := Changes{
		Adds: make(map[database.OutPoint]database.UTXO),
	}

	for op, u := range v.modified {
		if u != nil {
			c.Adds[op] = *u
			continue
		}

		// Outputs created and spent inside the view never reach the base.
		if _, exists := v.base.Get(op); exists {
			c.Deletes = append(c.Deletes, op)
		}
	}

	return c
}
