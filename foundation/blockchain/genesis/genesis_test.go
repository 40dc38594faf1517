package genesis_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ardanlabs/utxonode/foundation/blockchain/genesis"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const content = `{
	"date": "2021-09-06T17:47:13Z",
	"chain_id": 1,
	"magic": 4190024921,
	"bits": 545259519,
	"pow_limit_bits": 545259519,
	"target_spacing": 300,
	"retarget_interval": 288,
	"subsidy": 5000000000,
	"halving_interval": 210000,
	"coinbase_maturity": 100,
	"max_block_weight": 1000000,
	"max_future_block_time": 7200,
	"median_time_span": 11,
	"allocations": {
		"0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4": 1000,
		"0xF01813E4B85e178A83e29B8E7bF26BD830a25f32": 2000
	}
}`

func Test_Load(t *testing.T) {
	t.Log("Given the need to load the genesis file.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen handling a valid file.", testID)
		{
			path := filepath.Join(t.TempDir(), "genesis.json")
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to write the file: %v", failed, testID, err)
			}

			gen, err := genesis.LoadFile(path)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to load the file: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould be able to load the file.", success, testID)

			if gen.TargetTimespan() != 300*288 {
				t.Fatalf("\t%s\tTest %d:\tShould get a one day timespan, got %d.", failed, testID, gen.TargetTimespan())
			}

			block, err := gen.Block()
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to build the genesis block: %v", failed, testID, err)
			}

			again, err := gen.Block()
			if err != nil || again.Hash() != block.Hash() {
				t.Fatalf("\t%s\tTest %d:\tShould build a deterministic genesis block.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould build a deterministic genesis block.", success, testID)

			cb := block.Txs[0]
			if !cb.IsCoinbase() || len(cb.Outputs) != 2 {
				t.Fatalf("\t%s\tTest %d:\tShould pay every allocation from the coinbase.", failed, testID)
			}

			if cb.Outputs[0].Value != 2000 || cb.Outputs[1].Value != 1000 {
				t.Fatalf("\t%s\tTest %d:\tShould pay allocations in address order, got %v.", failed, testID, cb.Outputs)
			}
			t.Logf("\t%s\tTest %d:\tShould pay every allocation in address order.", success, testID)
		}

		testID = 1
		t.Logf("\tTest %d:\tWhen handling a bad file.", testID)
		{
			path := filepath.Join(t.TempDir(), "genesis.json")
			if err := os.WriteFile(path, []byte(`{"pow_limit_bits": 0}`), 0600); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to write the file: %v", failed, testID, err)
			}

			if _, err := genesis.LoadFile(path); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould reject invalid parameters.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould reject invalid parameters.", success, testID)
		}
	}
}

func Test_Subsidy(t *testing.T) {
	gen := genesis.Genesis{Subsidy: 5_000_000_000, HalvingInterval: 210_000}

	tt := []struct {
		height uint64
		exp    uint64
	}{
		{0, 5_000_000_000},
		{209_999, 5_000_000_000},
		{210_000, 2_500_000_000},
		{420_000, 1_250_000_000},
		{210_000 * 64, 0},
	}

	for _, tst := range tt {
		if got := gen.CalcSubsidy(tst.height); got != tst.exp {
			t.Fatalf("Should get subsidy %d at height %d, got %d.", tst.exp, tst.height, got)
		}
	}
}
