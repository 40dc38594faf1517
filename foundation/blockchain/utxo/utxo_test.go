package utxo_test

import (
	"errors"
	"maps"
	"testing"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/utxo"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const (
	alice = database.Address("0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4")
	bob   = database.Address("0xF01813E4B85e178A83e29B8E7bF26BD830a25f32")
)

// =============================================================================

func Test_ConnectDisconnect(t *testing.T) {
	t.Log("Given the need to connect and disconnect blocks against a view.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen a block spends outputs, including its own.", testID)
		{
			set := utxo.NewSet()

			// Seed the set with one output owned by alice.
			funding := database.NewCoinbaseTx(0, []database.TxOut{{Value: 100, Address: alice}}, nil)
			seed := utxo.NewView(set)
			seed.AddTx(funding, 0)
			set.Apply(seed.Changes())

			pre := set.Snapshot()

			// tx1 spends the funding output, tx2 spends tx1 in the same block.
			tx1 := database.Tx{
				Version: 1,
				Inputs:  []database.TxIn{{PrevOut: database.NewOutPoint(funding.ID(), 0)}},
				Outputs: []database.TxOut{{Value: 60, Address: bob}, {Value: 40, Address: alice}},
			}
			tx2 := database.Tx{
				Version: 1,
				Inputs:  []database.TxIn{{PrevOut: database.NewOutPoint(tx1.ID(), 0)}},
				Outputs: []database.TxOut{{Value: 60, Address: alice}},
			}
			cb := database.NewCoinbaseTx(1, []database.TxOut{{Value: 50, Address: bob}}, nil)
			block := database.Block{Header: database.BlockHeader{Version: 1}, Txs: []database.Tx{cb, tx1, tx2}}

			view := utxo.NewView(set)
			undo, err := view.ConnectBlock(block, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to connect the block: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould be able to connect the block.", success, testID)

			if len(undo.Spent) != 2 {
				t.Fatalf("\t%s\tTest %d:\tShould record two spent outputs, got %d.", failed, testID, len(undo.Spent))
			}

			if set.Count() != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould not change the base set before applying.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould not change the base set before applying.", success, testID)

			changes := view.Changes()
			if _, exists := changes.Adds[database.NewOutPoint(tx1.ID(), 0)]; exists {
				t.Fatalf("\t%s\tTest %d:\tShould not add an output spent in the same block.", failed, testID)
			}

			set.Apply(changes)

			exp := map[database.OutPoint]database.UTXO{
				database.NewOutPoint(cb.ID(), 0):  {Output: cb.Outputs[0], Height: 1, Coinbase: true},
				database.NewOutPoint(tx1.ID(), 1): {Output: tx1.Outputs[1], Height: 1},
				database.NewOutPoint(tx2.ID(), 0): {Output: tx2.Outputs[0], Height: 1},
			}
			if !maps.Equal(set.Snapshot(), exp) {
				t.Logf("\t%s\tTest %d:\tgot: %v", failed, testID, set.Snapshot())
				t.Logf("\t%s\tTest %d:\texp: %v", failed, testID, exp)
				t.Fatalf("\t%s\tTest %d:\tShould get exactly the post state.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould get exactly the post state.", success, testID)

			if set.Balance(alice) != 100 || set.Balance(bob) != 50 {
				t.Fatalf("\t%s\tTest %d:\tShould get balances 100 and 50, got %d and %d.", failed, testID, set.Balance(alice), set.Balance(bob))
			}

			if n := len(set.Unspent(alice)); n != 2 {
				t.Fatalf("\t%s\tTest %d:\tShould get two unspent outputs for alice, got %d.", failed, testID, n)
			}
			t.Logf("\t%s\tTest %d:\tShould index outputs by address.", success, testID)

			back := utxo.NewView(set)
			if err := back.DisconnectBlock(block, undo); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to disconnect the block: %v", failed, testID, err)
			}
			set.Apply(back.Changes())

			if !maps.Equal(set.Snapshot(), pre) {
				t.Fatalf("\t%s\tTest %d:\tShould restore the pre state exactly.", failed, testID)
			}

			if set.Balance(bob) != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould drop bob's index entries.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould restore the pre state exactly.", success, testID)
		}

		testID = 1
		t.Logf("\tTest %d:\tWhen a block spends a missing output.", testID)
		{
			set := utxo.NewSet()
			tx := database.Tx{
				Version: 1,
				Inputs:  []database.TxIn{{PrevOut: database.NewOutPoint(database.Hash{9}, 0)}},
				Outputs: []database.TxOut{{Value: 1, Address: bob}},
			}
			cb := database.NewCoinbaseTx(1, nil, nil)
			block := database.Block{Txs: []database.Tx{cb, tx}}

			view := utxo.NewView(set)
			if _, err := view.ConnectBlock(block, 1); !errors.Is(err, utxo.ErrMissing) {
				t.Fatalf("\t%s\tTest %d:\tShould get a missing output error, got %v.", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould get a missing output error.", success, testID)
		}

		testID = 2
		t.Logf("\tTest %d:\tWhen the undo data belongs to another block.", testID)
		{
			set := utxo.NewSet()
			cb := database.NewCoinbaseTx(1, []database.TxOut{{Value: 50, Address: bob}}, nil)
			block := database.Block{Txs: []database.Tx{cb}}

			view := utxo.NewView(set)
			if err := view.DisconnectBlock(block, database.Undo{BlockHash: database.Hash{1}}); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould reject mismatched undo data.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould reject mismatched undo data.", success, testID)
		}
	}
}

func Test_Stacking(t *testing.T) {
	set := utxo.NewSet()
	op := database.NewOutPoint(database.Hash{1}, 0)
	u := database.UTXO{Output: database.TxOut{Value: 5, Address: alice}}

	seed := utxo.NewView(set)
	seed.Add(op, u)
	set.Apply(seed.Changes())

	outer := utxo.NewView(set)
	inner := utxo.NewView(outer)

	if _, err := inner.Spend(op); err != nil {
		t.Fatalf("Should be able to spend through stacked views: %v", err)
	}

	if _, exists := outer.Get(op); !exists {
		t.Fatalf("Should not change the outer view.")
	}

	if _, err := inner.Spend(op); !errors.Is(err, utxo.ErrMissing) {
		t.Fatalf("Should not spend an output twice, got %v", err)
	}

	if c := inner.Changes(); len(c.Deletes) != 1 || c.Deletes[0] != op {
		t.Fatalf("Should report the spend as a delete.")
	}
}
