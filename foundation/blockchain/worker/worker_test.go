package worker_test

import (
	"testing"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/database/storage/memory"
	"github.com/ardanlabs/utxonode/foundation/blockchain/genesis"
	"github.com/ardanlabs/utxonode/foundation/blockchain/state"
	"github.com/ardanlabs/utxonode/foundation/blockchain/worker"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const miner = database.Address("0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4")

func Test_Mining(t *testing.T) {
	t.Log("Given the need to mine blocks in the background.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen mining is enabled.", testID)
		{
			st, err := state.New(state.Config{
				MinerAddress:    miner,
				MineEmptyBlocks: true,
				Storage:         memory.New(),
				Genesis: genesis.Genesis{
					Date:               time.Unix(1_600_000_000, 0),
					Bits:               0x207fffff,
					PowLimitBits:       0x207fffff,
					NoRetarget:         true,
					Subsidy:            50,
					MaxBlockWeight:     1_000_000,
					MaxFutureBlockTime: 7200,
					MedianTimeSpan:     11,
					Allocations:        map[string]uint64{string(miner): 1_000},
				},
			})
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to construct the state: %v", failed, testID, err)
			}

			worker.Run(st, worker.Config{Mining: true}, func(v string, args ...any) {})

			deadline := time.Now().Add(10 * time.Second)
			for st.BestTip().Height < 3 {
				if time.Now().After(deadline) {
					t.Fatalf("\t%s\tTest %d:\tShould mine blocks, height %d.", failed, testID, st.BestTip().Height)
				}
				time.Sleep(10 * time.Millisecond)
			}
			t.Logf("\t%s\tTest %d:\tShould mine blocks.", success, testID)

			if err := st.Shutdown(); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to shut down: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould be able to shut down.", success, testID)

			if st.Balance(miner) < 1_150 {
				t.Fatalf("\t%s\tTest %d:\tShould pay the miner, got %d.", failed, testID, st.Balance(miner))
			}
			t.Logf("\t%s\tTest %d:\tShould pay the miner.", success, testID)
		}
	}
}
