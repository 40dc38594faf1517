package disk_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/database/storage/disk"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const owner = database.Address("0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4")

func newBlock(t *testing.T, height uint64, prev database.Hash) database.Block {
	t.Helper()

	cb := database.NewCoinbaseTx(height, []database.TxOut{{Value: 50, Address: owner}}, nil)
	root, err := database.CalcMerkleRoot([]database.Tx{cb})
	if err != nil {
		t.Fatalf("Should be able to calculate the merkle root: %v", err)
	}

	return database.Block{
		Header: database.BlockHeader{
			Version:       1,
			PrevBlockHash: prev,
			MerkleRoot:    root,
			TimeStamp:     1_600_000_000 + height,
			Bits:          0x207fffff,
		},
		Txs: []database.Tx{cb},
	}
}

// =============================================================================

func Test_Blocks(t *testing.T) {
	t.Log("Given the need to store blocks on disk.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen writing blocks across several files.", testID)
		{
			dir := t.TempDir()

			d, err := disk.New(dir, disk.WithMaxFileSize(600))
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open storage: %v", failed, testID, err)
			}

			var blocks []database.Block
			prev := database.ZeroHash
			for i := uint64(0); i < 5; i++ {
				b := newBlock(t, i, prev)
				if err := d.WriteBlock(b, i); err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to write block %d: %v", failed, testID, i, err)
				}
				blocks = append(blocks, b)
				prev = b.Hash()
			}
			t.Logf("\t%s\tTest %d:\tShould be able to write blocks.", success, testID)

			if err := d.WriteBlock(blocks[0], 0); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould ignore a duplicate write: %v", failed, testID, err)
			}

			if err := d.SetStatus(blocks[2].Hash(), database.StatusInvalid); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to set the status: %v", failed, testID, err)
			}

			if err := d.Close(); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to close storage: %v", failed, testID, err)
			}

			files, _ := filepath.Glob(filepath.Join(dir, "blocks", "blk*.dat"))
			if len(files) < 2 {
				t.Fatalf("\t%s\tTest %d:\tShould rotate block files, got %d files.", failed, testID, len(files))
			}
			t.Logf("\t%s\tTest %d:\tShould rotate block files.", success, testID)

			d, err = disk.New(dir, disk.WithMaxFileSize(600))
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to reopen storage: %v", failed, testID, err)
			}
			defer d.Close()

			for i, b := range blocks {
				got, err := d.ReadBlock(b.Hash())
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to read block %d: %v", failed, testID, i, err)
				}
				if got.Hash() != b.Hash() {
					t.Fatalf("\t%s\tTest %d:\tShould read back the same block %d.", failed, testID, i)
				}
			}
			t.Logf("\t%s\tTest %d:\tShould read back every block after reopening.", success, testID)

			seen := make(map[database.Hash]database.BlockRecord)
			err = d.ForEachBlock(func(rec database.BlockRecord) error {
				seen[rec.Hash] = rec
				return nil
			})
			if err != nil || len(seen) != len(blocks) {
				t.Fatalf("\t%s\tTest %d:\tShould iterate every record, got %d: %v", failed, testID, len(seen), err)
			}

			if seen[blocks[2].Hash()].Status != database.StatusInvalid {
				t.Fatalf("\t%s\tTest %d:\tShould keep the block status.", failed, testID)
			}

			if seen[blocks[4].Hash()].Seq <= seen[blocks[0].Hash()].Seq {
				t.Fatalf("\t%s\tTest %d:\tShould keep first seen order.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould keep the block index records.", success, testID)

			if _, err := d.ReadBlock(database.Hash{7}); !errors.Is(err, database.ErrNotFound) {
				t.Fatalf("\t%s\tTest %d:\tShould get not found for an unknown block, got %v.", failed, testID, err)
			}
		}
	}
}

func Test_Corruption(t *testing.T) {
	t.Log("Given the need to detect damaged block files.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen a block record is overwritten.", testID)
		{
			dir := t.TempDir()

			d, err := disk.New(dir)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open storage: %v", failed, testID, err)
			}
			defer d.Close()

			b := newBlock(t, 0, database.ZeroHash)
			if err := d.WriteBlock(b, 0); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to write the block: %v", failed, testID, err)
			}

			path := filepath.Join(dir, "blocks", "blk00000.dat")
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to read the block file: %v", failed, testID, err)
			}

			data[len(data)-3] ^= 0xff
			if err := os.WriteFile(path, data, 0600); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to damage the block file: %v", failed, testID, err)
			}

			if _, err := d.ReadBlock(b.Hash()); !errors.Is(err, database.ErrCorrupt) {
				t.Fatalf("\t%s\tTest %d:\tShould report corruption, got %v.", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould report corruption.", success, testID)
		}
	}
}

func Test_ChainState(t *testing.T) {
	t.Log("Given the need to commit chain state atomically.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen committing and reopening.", testID)
		{
			dir := t.TempDir()

			d, err := disk.New(dir)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open storage: %v", failed, testID, err)
			}

			if _, err := d.BestTip(); !errors.Is(err, database.ErrNotFound) {
				t.Fatalf("\t%s\tTest %d:\tShould have no tip before the first commit, got %v.", failed, testID, err)
			}

			opA := database.NewOutPoint(database.Hash{1}, 0)
			opB := database.NewOutPoint(database.Hash{2}, 3)
			utxo := database.UTXO{Output: database.TxOut{Value: 10, Address: owner}, Height: 1, Coinbase: true}

			c1 := database.Commit{
				Tip:  database.Hash{0xaa},
				Adds: map[database.OutPoint]database.UTXO{opA: utxo, opB: utxo},
				PutUndo: []database.Undo{
					{BlockHash: database.Hash{0xaa}},
				},
			}
			if err := d.Commit(c1); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to commit: %v", failed, testID, err)
			}

			c2 := database.Commit{
				Tip:     database.Hash{0xbb},
				Deletes: []database.OutPoint{opA},
				PutUndo: []database.Undo{
					{BlockHash: database.Hash{0xbb}, Spent: []database.SpentOutput{{OutPoint: opA, UTXO: utxo}}},
				},
				DeleteUndo: []database.Hash{{0xaa}},
			}
			if err := d.Commit(c2); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to commit: %v", failed, testID, err)
			}
			d.Close()

			d, err = disk.New(dir)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to reopen storage: %v", failed, testID, err)
			}
			defer d.Close()

			tip, err := d.BestTip()
			if err != nil || tip != (database.Hash{0xbb}) {
				t.Fatalf("\t%s\tTest %d:\tShould get back the last tip, got %s: %v", failed, testID, tip, err)
			}

			utxos := make(map[database.OutPoint]database.UTXO)
			err = d.ForEachUTXO(func(op database.OutPoint, u database.UTXO) error {
				utxos[op] = u
				return nil
			})
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to iterate utxos: %v", failed, testID, err)
			}

			if len(utxos) != 1 || utxos[opB] != utxo {
				t.Fatalf("\t%s\tTest %d:\tShould get back only the unspent output, got %v.", failed, testID, utxos)
			}
			t.Logf("\t%s\tTest %d:\tShould get back the committed utxo set.", success, testID)

			undo, err := d.ReadUndo(database.Hash{0xbb})
			if err != nil || len(undo.Spent) != 1 || undo.Spent[0].OutPoint != opA {
				t.Fatalf("\t%s\tTest %d:\tShould get back the undo data: %v", failed, testID, err)
			}

			if _, err := d.ReadUndo(database.Hash{0xaa}); !errors.Is(err, database.ErrNotFound) {
				t.Fatalf("\t%s\tTest %d:\tShould have removed the old undo data, got %v.", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould get back the committed undo data.", success, testID)
		}
	}
}
