package database_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/crypto"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const (
	pkHexKey = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"
	from     = database.Address("0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4")
	to       = database.Address("0xF01813E4B85e178A83e29B8E7bF26BD830a25f32")
)

// =============================================================================

func Test_Transactions(t *testing.T) {
	t.Log("Given the need to sign and verify transactions.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen handling a transaction spending one output.", testID)
		{
			pk, err := crypto.HexToECDSA(pkHexKey)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to load the private key: %v", failed, testID, err)
			}

			prev := database.NewOutPoint(database.Hash{1}, 0)
			tx, err := database.NewTx([]database.OutPoint{prev}, []database.TxOut{{Value: 100, Address: to}}, nil)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to construct a tx: %v", failed, testID, err)
			}

			unsignedID := tx.ID()

			signed, err := tx.Sign(pk)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to sign the tx: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould be able to sign the tx.", success, testID)

			if len(tx.Inputs[0].Sig) != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould not modify the original tx.", failed, testID)
			}

			if signed.ID() == unsignedID {
				t.Fatalf("\t%s\tTest %d:\tShould include the signature in the id.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould include the signature in the id.", success, testID)

			addr, err := signed.FromAddress(0)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to recover the signer: %v", failed, testID, err)
			}

			if addr != from {
				t.Logf("\t%s\tTest %d:\tgot: %s", failed, testID, addr)
				t.Logf("\t%s\tTest %d:\texp: %s", failed, testID, from)
				t.Fatalf("\t%s\tTest %d:\tShould recover the right signer.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould recover the right signer.", success, testID)

			signed.Outputs[0].Value = 1_000
			addr, err = signed.FromAddress(0)
			if err == nil && addr == from {
				t.Fatalf("\t%s\tTest %d:\tShould not recover the signer after tampering.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould not recover the signer after tampering.", success, testID)
		}

		testID = 1
		t.Logf("\tTest %d:\tWhen handling a coinbase transaction.", testID)
		{
			cb := database.NewCoinbaseTx(42, []database.TxOut{{Value: 50, Address: from}}, []byte("extra"))
			if !cb.IsCoinbase() {
				t.Fatalf("\t%s\tTest %d:\tShould be a coinbase tx.", failed, testID)
			}

			height, ok := cb.CoinbaseHeight()
			if !ok || height != 42 {
				t.Fatalf("\t%s\tTest %d:\tShould get back height 42, got %d.", failed, testID, height)
			}
			t.Logf("\t%s\tTest %d:\tShould get back the committed height.", success, testID)

			other := database.NewCoinbaseTx(43, []database.TxOut{{Value: 50, Address: from}}, []byte("extra"))
			if cb.ID() == other.ID() {
				t.Fatalf("\t%s\tTest %d:\tShould get unique ids per height.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould get unique ids per height.", success, testID)
		}

		testID = 2
		t.Logf("\tTest %d:\tWhen handling bad addresses and values.", testID)
		{
			if _, err := database.NewTx(nil, []database.TxOut{{Value: 1, Address: "0x123"}}, nil); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould reject a bad output address.", failed, testID)
			}

			tx := database.Tx{Outputs: []database.TxOut{{Value: database.MaxMoney, Address: to}, {Value: 1, Address: to}}}
			if _, err := tx.OutputTotal(); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould reject outputs above max money.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould reject bad addresses and values.", success, testID)
		}
	}
}

func Test_Encoding(t *testing.T) {
	cb := database.NewCoinbaseTx(1, []database.TxOut{{Value: 50, Address: from}}, nil)
	root, err := database.CalcMerkleRoot([]database.Tx{cb})
	if err != nil {
		t.Fatalf("Should be able to calculate the merkle root: %v", err)
	}

	block := database.Block{
		Header: database.BlockHeader{
			Version:    1,
			MerkleRoot: root,
			TimeStamp:  uint64(time.Now().Unix()),
			Bits:       0x207fffff,
		},
		Txs: []database.Tx{cb},
	}

	data, err := database.EncodeBlock(block)
	if err != nil {
		t.Fatalf("Should be able to encode the block: %v", err)
	}

	decoded, err := database.DecodeBlock(data)
	if err != nil {
		t.Fatalf("Should be able to decode the block: %v", err)
	}

	if decoded.Hash() != block.Hash() {
		t.Logf("got: %s", decoded.Hash())
		t.Logf("exp: %s", block.Hash())
		t.Fatalf("Should get back the same block hash.")
	}

	if _, err := database.DecodeBlock([]byte(`{"header":{},"txs":[],"extra":1}`)); err == nil {
		t.Fatalf("Should reject unknown fields.")
	}

	if _, err := database.DecodeTx([]byte(`{"version":1} {}`)); err == nil {
		t.Fatalf("Should reject trailing data.")
	}

	h, err := database.ToHash(block.Hash().String())
	if err != nil || h != block.Hash() {
		t.Fatalf("Should be able to parse a hash string: %v", err)
	}
}

func Test_Work(t *testing.T) {
	type table struct {
		name string
		bits uint32
		work *big.Int
	}

	tt := []table{
		{name: "regtest", bits: 0x207fffff, work: big.NewInt(2)},
		{name: "bitcoin", bits: 0x1d00ffff, work: big.NewInt(0x100010001)},
	}

	t.Log("Given the need to calculate proof of work.")
	{
		for testID, tst := range tt {
			f := func(t *testing.T) {
				t.Logf("\tTest %d:\tWhen handling bits %08x.", testID, tst.bits)
				{
					if got := database.CalcWork(tst.bits); got.Cmp(tst.work) != 0 {
						t.Logf("\t%s\tTest %d:\tgot: %s", failed, testID, got)
						t.Logf("\t%s\tTest %d:\texp: %s", failed, testID, tst.work)
						t.Fatalf("\t%s\tTest %d:\tShould get back the right work.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould get back the right work.", success, testID)

					if got := database.BigToCompact(database.CompactToBig(tst.bits)); got != tst.bits {
						t.Fatalf("\t%s\tTest %d:\tShould round trip the compact form, got %08x.", failed, testID, got)
					}
					t.Logf("\t%s\tTest %d:\tShould round trip the compact form.", success, testID)
				}
			}

			t.Run(tst.name, f)
		}
	}
}

func Test_POW(t *testing.T) {
	const bits = 0x207fffff
	powLimit := database.CompactToBig(bits)

	cb := database.NewCoinbaseTx(1, []database.TxOut{{Value: 50, Address: from}}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	block, err := database.POW(ctx, database.POWArgs{
		PrevBlockHash: database.Hash{9},
		Bits:          bits,
		TimeStamp:     uint64(time.Now().Unix()),
		Txs:           []database.Tx{cb},
	})
	if err != nil {
		t.Fatalf("Should be able to mine a block: %v", err)
	}

	if err := database.CheckProofOfWork(block.Hash(), block.Header.Bits, powLimit); err != nil {
		t.Fatalf("Should produce a block that satisfies the target: %v", err)
	}

	tooHard := database.BigToCompact(big.NewInt(1))
	err = database.CheckProofOfWork(block.Hash(), tooHard, powLimit)
	if !errors.Is(err, database.ErrInsufficientWork) {
		t.Fatalf("Should fail a target of one with insufficient work, got %v", err)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if _, err := database.POW(cancelled, database.POWArgs{Bits: tooHard, Txs: []database.Tx{cb}}); err == nil {
		t.Fatalf("Should stop mining when cancelled.")
	}
}
