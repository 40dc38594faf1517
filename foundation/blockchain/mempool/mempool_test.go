package mempool_test

import (
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/genesis"
	"github.com/ardanlabs/utxonode/foundation/blockchain/mempool"
	"github.com/ardanlabs/utxonode/foundation/blockchain/mempool/selector"
	"github.com/ardanlabs/utxonode/foundation/blockchain/utxo"
	"github.com/ardanlabs/utxonode/foundation/blockchain/validation"
	"github.com/ethereum/go-ethereum/crypto"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const pkHexKey = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"

var params = genesis.Genesis{
	CoinbaseMaturity: 100,
	MaxBlockWeight:   1_000_000,
}

type harness struct {
	t     *testing.T
	key   *ecdsa.PrivateKey
	owner database.Address
	set   *utxo.Set
	coins []database.OutPoint
}

// newHarness constructs a utxo set holding n outputs of 1000 owned by the
// test key.
func newHarness(t *testing.T, n int) *harness {
	t.Helper()

	key, err := crypto.HexToECDSA(pkHexKey)
	if err != nil {
		t.Fatalf("Should be able to load the private key: %v", err)
	}
	owner := database.PublicKeyToAddress(key.PublicKey)

	set := utxo.NewSet()
	view := utxo.NewView(set)

	var coins []database.OutPoint
	for i := 0; i < n; i++ {
		op := database.NewOutPoint(database.Hash{byte(i + 1)}, 0)
		view.Add(op, database.UTXO{Output: database.TxOut{Value: 1_000, Address: owner}, Height: 1})
		coins = append(coins, op)
	}
	set.Apply(view.Changes())

	return &harness{t: t, key: key, owner: owner, set: set, coins: coins}
}

// spend pays value back to the owner from prev, the rest is the fee.
func (h *harness) spend(prev database.OutPoint, value uint64) database.Tx {
	h.t.Helper()

	tx, err := database.NewTx([]database.OutPoint{prev}, []database.TxOut{{Value: value, Address: h.owner}}, nil)
	if err != nil {
		h.t.Fatalf("Should be able to construct the tx: %v", err)
	}

	signed, err := tx.Sign(h.key)
	if err != nil {
		h.t.Fatalf("Should be able to sign the tx: %v", err)
	}

	return signed
}

func newPool(t *testing.T, cfg mempool.Config) *mempool.Mempool {
	t.Helper()

	if cfg.Strategy == "" {
		cfg.Strategy = selector.StrategyAncestor
	}

	mp, err := mempool.NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("Should be able to construct the mempool: %v", err)
	}

	return mp
}

// =============================================================================

func Test_Accept(t *testing.T) {
	t.Log("Given the need to admit transactions to the mempool.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen handling a chain of unconfirmed transactions.", testID)
		{
			h := newHarness(t, 1)
			mp := newPool(t, mempool.Config{})

			parent := h.spend(h.coins[0], 990)
			desc, err := mp.Accept(parent, h.set, 2, params)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould accept the parent: %v", failed, testID, err)
			}

			if desc.Fee != 10 {
				t.Fatalf("\t%s\tTest %d:\tShould record a fee of 10, got %d.", failed, testID, desc.Fee)
			}
			t.Logf("\t%s\tTest %d:\tShould accept the parent with its fee.", success, testID)

			child := h.spend(database.NewOutPoint(parent.ID(), 0), 900)
			if _, err := mp.Accept(child, h.set, 2, params); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould accept a child of a pool transaction: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould accept a child of a pool transaction.", success, testID)

			if _, err := mp.Accept(parent, h.set, 2, params); !errors.Is(err, mempool.ErrAlreadyKnown) {
				t.Fatalf("\t%s\tTest %d:\tShould report a duplicate, got %v.", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould report a duplicate.", success, testID)

			if !mp.IsSpent(h.coins[0]) || mp.Count() != 2 {
				t.Fatalf("\t%s\tTest %d:\tShould track the spent outpoints.", failed, testID)
			}
		}

		testID = 1
		t.Logf("\tTest %d:\tWhen handling a conflicting spend.", testID)
		{
			h := newHarness(t, 1)
			mp := newPool(t, mempool.Config{})

			if _, err := mp.Accept(h.spend(h.coins[0], 990), h.set, 2, params); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould accept the first spend: %v", failed, testID, err)
			}

			_, err := mp.Accept(h.spend(h.coins[0], 500), h.set, 2, params)
			if !validation.IsReason(err, validation.ReasonDoubleSpend) {
				t.Fatalf("\t%s\tTest %d:\tShould reject the second spend as a double spend, got %v.", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould reject the second spend as a double spend.", success, testID)

			if mp.Count() != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould keep only the first spend.", failed, testID)
			}
		}

		testID = 2
		t.Logf("\tTest %d:\tWhen a transaction spends an unknown output.", testID)
		{
			h := newHarness(t, 1)
			mp := newPool(t, mempool.Config{})

			_, err := mp.Accept(h.spend(database.NewOutPoint(database.Hash{0xee}, 0), 1), h.set, 2, params)
			if !validation.IsKind(err, validation.MissingReference) {
				t.Fatalf("\t%s\tTest %d:\tShould get a missing reference, got %v.", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould get a missing reference.", success, testID)
		}

		testID = 3
		t.Logf("\tTest %d:\tWhen a chain of unconfirmed transactions grows past the limit.", testID)
		{
			h := newHarness(t, 1)
			mp := newPool(t, mempool.Config{MaxAncestors: 3})

			prev := h.coins[0]
			value := uint64(1_000)
			for i := 0; i < 3; i++ {
				value -= 10
				tx := h.spend(prev, value)
				if _, err := mp.Accept(tx, h.set, 2, params); err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould accept link %d: %v", failed, testID, i, err)
				}
				prev = database.NewOutPoint(tx.ID(), 0)
			}
			t.Logf("\t%s\tTest %d:\tShould accept a chain up to the limit.", success, testID)

			_, err := mp.Accept(h.spend(prev, value-10), h.set, 2, params)
			if !validation.IsReason(err, validation.ReasonChainTooLong) || !validation.IsKind(err, validation.ResourceExhaustion) {
				t.Fatalf("\t%s\tTest %d:\tShould reject the next link, got %v.", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould reject the next link.", success, testID)

			if mp.Count() != 3 || mp.IsSpent(prev) {
				t.Fatalf("\t%s\tTest %d:\tShould leave the pool untouched.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould leave the pool untouched.", success, testID)
		}
	}
}

func Test_Select(t *testing.T) {
	h := newHarness(t, 2)
	mp := newPool(t, mempool.Config{})

	// The parent pays almost nothing, the child pays a lot.
	parent := h.spend(h.coins[0], 999)
	child := h.spend(database.NewOutPoint(parent.ID(), 0), 500)
	other := h.spend(h.coins[1], 900)

	for _, tx := range []database.Tx{parent, child, other} {
		if _, err := mp.Accept(tx, h.set, 2, params); err != nil {
			t.Fatalf("Should accept tx %s: %v", tx.ID(), err)
		}
	}

	txs := mp.SelectForBlock(params.MaxBlockWeight)
	if len(txs) != 3 {
		t.Fatalf("Should select every transaction, got %d.", len(txs))
	}

	if txs[0].ID() != parent.ID() || txs[1].ID() != child.ID() || txs[2].ID() != other.ID() {
		t.Fatalf("Should select the parent and child package first.")
	}
}

func Test_Evict(t *testing.T) {
	h := newHarness(t, 3)

	low := h.spend(h.coins[0], 999)
	lowChild := h.spend(database.NewOutPoint(low.ID(), 0), 990)
	high := h.spend(h.coins[1], 500)
	lowest := h.spend(h.coins[2], 1_000)

	// Room for three transactions.
	maxBytes := low.Size() + lowChild.Size() + high.Size() + 10
	mp := newPool(t, mempool.Config{MaxBytes: maxBytes})

	for _, tx := range []database.Tx{low, lowChild, high} {
		if _, err := mp.Accept(tx, h.set, 2, params); err != nil {
			t.Fatalf("Should accept tx %s: %v", tx.ID(), err)
		}
	}

	_, err := mp.Accept(lowest, h.set, 2, params)
	if !validation.IsKind(err, validation.ResourceExhaustion) {
		t.Fatalf("Should reject a zero fee tx from a full pool, got %v", err)
	}

	if mp.Count() != 3 || mp.Has(lowest.ID()) {
		t.Fatalf("Should leave the pool as it was, got %d entries.", mp.Count())
	}

	better := h.spend(h.coins[2], 600)
	if _, err := mp.Accept(better, h.set, 2, params); err != nil {
		t.Fatalf("Should accept a well paying tx into a full pool: %v", err)
	}

	if mp.Has(low.ID()) || mp.Has(lowChild.ID()) {
		t.Fatalf("Should evict the lowest fee rate entry with its descendants.")
	}

	if !mp.Has(high.ID()) || !mp.Has(better.ID()) || mp.Bytes() > maxBytes {
		t.Fatalf("Should keep the best paying entries within capacity.")
	}
}

func Test_Blocks(t *testing.T) {
	t.Log("Given the need to keep the mempool in step with the chain.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen a block confirms and conflicts with entries.", testID)
		{
			h := newHarness(t, 2)
			mp := newPool(t, mempool.Config{})

			parent := h.spend(h.coins[0], 990)
			child := h.spend(database.NewOutPoint(parent.ID(), 0), 980)
			victim := h.spend(h.coins[1], 950)
			victimChild := h.spend(database.NewOutPoint(victim.ID(), 0), 940)

			for _, tx := range []database.Tx{parent, child, victim, victimChild} {
				if _, err := mp.Accept(tx, h.set, 2, params); err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould accept tx %s: %v", failed, testID, tx.ID(), err)
				}
			}

			conflict := h.spend(h.coins[1], 100)
			cb := database.NewCoinbaseTx(2, nil, nil)
			block := database.Block{Txs: []database.Tx{cb, parent, conflict}}

			removed := mp.RemoveForBlock(block)
			if len(removed) != 2 {
				t.Fatalf("\t%s\tTest %d:\tShould remove the conflict and its child, got %d.", failed, testID, len(removed))
			}
			t.Logf("\t%s\tTest %d:\tShould remove conflicting entries and their descendants.", success, testID)

			if mp.Count() != 1 || !mp.Has(child.ID()) {
				t.Fatalf("\t%s\tTest %d:\tShould keep the child of a confirmed entry.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould keep the child of a confirmed entry.", success, testID)

			txs := mp.SelectForBlock(params.MaxBlockWeight)
			if len(txs) != 1 || txs[0].ID() != child.ID() {
				t.Fatalf("\t%s\tTest %d:\tShould select the child once its parent is confirmed.", failed, testID)
			}
		}

		testID = 1
		t.Logf("\tTest %d:\tWhen a block is disconnected by a reorg.", testID)
		{
			h := newHarness(t, 2)
			mp := newPool(t, mempool.Config{})

			confirmed := h.spend(h.coins[0], 990)
			pending := h.spend(h.coins[1], 950)

			if _, err := mp.Accept(pending, h.set, 2, params); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould accept the pending tx: %v", failed, testID, err)
			}

			cb := database.NewCoinbaseTx(2, nil, nil)
			block := database.Block{Txs: []database.Tx{cb, confirmed}}

			// The utxo set after the reorg still holds both coins.
			readded, dropped := mp.Reorganize([]database.Block{block}, h.set, 2, params)
			if readded != 1 || len(dropped) != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould re-admit one tx and drop none, got %d and %d.", failed, testID, readded, len(dropped))
			}

			if !mp.Has(confirmed.ID()) || !mp.Has(pending.ID()) {
				t.Fatalf("\t%s\tTest %d:\tShould hold both transactions.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould return disconnected transactions to the pool.", success, testID)

			// A new chain where the pending coin was spent elsewhere.
			view := utxo.NewView(h.set)
			view.Spend(h.coins[1])
			h.set.Apply(view.Changes())

			_, dropped = mp.Reorganize(nil, h.set, 3, params)
			if len(dropped) != 1 || dropped[0] != pending.ID() {
				t.Fatalf("\t%s\tTest %d:\tShould drop the now conflicting tx.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould drop transactions that no longer validate.", success, testID)
		}
	}
}

func Test_Expire(t *testing.T) {
	h := newHarness(t, 2)

	now := time.Unix(1_700_000_000, 0)
	mp := newPool(t, mempool.Config{Now: func() time.Time { return now }})

	old := h.spend(h.coins[0], 990)
	if _, err := mp.Accept(old, h.set, 2, params); err != nil {
		t.Fatalf("Should accept tx: %v", err)
	}

	now = now.Add(time.Hour)
	fresh := h.spend(h.coins[1], 990)
	if _, err := mp.Accept(fresh, h.set, 2, params); err != nil {
		t.Fatalf("Should accept tx: %v", err)
	}

	removed := mp.Expire(30 * time.Minute)
	if len(removed) != 1 || removed[0] != old.ID() || !mp.Has(fresh.ID()) {
		t.Fatalf("Should expire only the old transaction.")
	}
}

func Test_Orphans(t *testing.T) {
	h := newHarness(t, 1)
	op := mempool.NewOrphanPool(10, time.Minute)

	parent := h.spend(h.coins[0], 990)
	child := h.spend(database.NewOutPoint(parent.ID(), 0), 980)

	if !op.Add(child, "peer") || op.Add(child, "peer") {
		t.Fatalf("Should add an orphan only once.")
	}

	if op.Count() != 1 || !op.Has(child.ID()) {
		t.Fatalf("Should hold the orphan.")
	}

	if got := op.TakeChildren(database.Hash{0x01}); len(got) != 0 {
		t.Fatalf("Should not return orphans of another parent.")
	}

	got := op.TakeChildren(parent.ID())
	if len(got) != 1 || got[0].Tx.ID() != child.ID() || got[0].Origin != "peer" {
		t.Fatalf("Should return the orphan waiting on the parent.")
	}

	if op.Count() != 0 {
		t.Fatalf("Should remove returned orphans.")
	}
}
