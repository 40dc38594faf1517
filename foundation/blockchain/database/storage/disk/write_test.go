package disk

import (
	"errors"
	"testing"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
)

// tornFile writes part of the next record and then fails, the way a full
// disk does.
type tornFile struct {
	blockFile
	torn bool
}

func (tf *tornFile) Write(p []byte) (int, error) {
	if tf.torn {
		return tf.blockFile.Write(p)
	}
	tf.torn = true

	n, _ := tf.blockFile.Write(p[:len(p)/2])
	return n, errors.New("no space left on device")
}

func Test_TornWrite(t *testing.T) {
	const (
		success = "\u2713"
		failed  = "\u2717"
	)

	block := func(height uint64, prev database.Hash) database.Block {
		cb := database.NewCoinbaseTx(height, []database.TxOut{{Value: 50, Address: "0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4"}}, nil)
		root, err := database.CalcMerkleRoot([]database.Tx{cb})
		if err != nil {
			t.Fatalf("Should be able to calculate the merkle root: %v", err)
		}
		return database.Block{
			Header: database.BlockHeader{Version: 1, PrevBlockHash: prev, MerkleRoot: root, TimeStamp: 1_600_000_000 + height, Bits: 0x207fffff},
			Txs:    []database.Tx{cb},
		}
	}

	t.Log("Given the need to survive a failed block file write.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen a write stops halfway through a record.", testID)
		{
			d, err := New(t.TempDir())
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to open storage: %v", failed, testID, err)
			}
			defer d.Close()

			first := block(0, database.ZeroHash)
			if err := d.WriteBlock(first, 0); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to write the first block: %v", failed, testID, err)
			}
			before := d.fileSize

			d.file = &tornFile{blockFile: d.file}

			second := block(1, first.Hash())
			if err := d.WriteBlock(second, 1); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould report the failed write.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould report the failed write.", success, testID)

			info, err := d.file.Stat()
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to stat the block file: %v", failed, testID, err)
			}
			if d.fileSize != before || info.Size() != before {
				t.Fatalf("\t%s\tTest %d:\tShould cut the file back to %d, got size %d tracked %d.", failed, testID, before, info.Size(), d.fileSize)
			}
			t.Logf("\t%s\tTest %d:\tShould cut the partial record off the file.", success, testID)

			if err := d.WriteBlock(second, 1); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to write the block again: %v", failed, testID, err)
			}

			for _, b := range []database.Block{first, second} {
				got, err := d.ReadBlock(b.Hash())
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to read block %s: %v", failed, testID, b.Hash(), err)
				}
				if got.Hash() != b.Hash() {
					t.Fatalf("\t%s\tTest %d:\tShould read back block %s, got %s.", failed, testID, b.Hash(), got.Hash())
				}
			}
			t.Logf("\t%s\tTest %d:\tShould read every block from its indexed offset.", success, testID)
		}
	}
}
