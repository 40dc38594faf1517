package state

import (
	"context"
	"errors"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/validation"
)

// Set of errors returned when a block can't be mined.
var (
	ErrNoTransactions = errors.New("no transactions in mempool")
	ErrNoMiner        = errors.New("no miner address configured")
)

// =============================================================================

// MineNewBlock attempts to create a new block with a proper hash that can
// become the next block in the chain. The coinbase pays the subsidy plus
// the fees of the selected transactions to the miner address.
func (s *State) MineNewBlock(ctx context.Context) (database.Block, error) {
	if s.minerAddress == "" {
		return database.Block{}, ErrNoMiner
	}

	s.evHandler("state: MineNewBlock: MINING: select transactions")

	// Take what is needed from the current tip while holding the lock. The
	// POW itself runs without it.
	s.mu.Lock()
	tip := s.chain.BestTip()

	bits, err := s.chain.NextBits(tip.Hash)
	if err != nil {
		s.mu.Unlock()
		return database.Block{}, err
	}

	mtp, err := s.chain.MedianTimePast(tip.Hash)
	if err != nil {
		s.mu.Unlock()
		return database.Block{}, err
	}

	txs := s.mempool.SelectForBlock(s.genesis.MaxBlockWeight - validation.BlockReserve)

	var fees uint64
	for _, tx := range txs {
		if desc, exists := s.mempool.Lookup(tx.ID()); exists {
			fees += desc.Fee
		}
	}
	s.mu.Unlock()

	if len(txs) == 0 && !s.mineEmptyBlocks {
		return database.Block{}, ErrNoTransactions
	}

	height := tip.Height + 1
	reward := s.genesis.CalcSubsidy(height) + fees

	coinbase := database.NewCoinbaseTx(height, []database.TxOut{{Value: reward, Address: s.minerAddress}}, []byte(s.host))

	timestamp := max(uint64(s.now().Unix()), mtp+1)

	s.evHandler("state: MineNewBlock: MINING: perform POW: prev[%s] height[%d] txs[%d] reward[%d]", tip.Hash, height, len(txs), reward)

	// Attempt to create a new block by solving the POW puzzle. This can be cancelled.
	block, err := database.POW(ctx, database.POWArgs{
		PrevBlockHash: tip.Hash,
		Bits:          bits,
		TimeStamp:     timestamp,
		Txs:           append([]database.Tx{coinbase}, txs...),
		EvHandler:     s.evHandler,
	})
	if err != nil {
		return database.Block{}, err
	}

	// Just check one more time we were not cancelled.
	if ctx.Err() != nil {
		return database.Block{}, ctx.Err()
	}

	s.evHandler("state: MineNewBlock: MINING: process block: blk[%s]", block.Hash())

	// A solved block is processed even if mining is cancelled now.
	if err := s.ProcessBlock(context.WithoutCancel(ctx), block, ""); err != nil {
		return database.Block{}, err
	}

	s.metrics.blocksMined.Inc()

	return block, nil
}
