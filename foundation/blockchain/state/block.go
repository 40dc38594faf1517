package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardanlabs/utxonode/foundation/blockchain/chain"
	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/validation"
	"github.com/jellydator/ttlcache/v3"
)

// orphanBlock is a block waiting for its parent.
type orphanBlock struct {
	block  database.Block
	origin string
}

// =============================================================================

// SubmitBlock decodes and processes a block provided by a local front end.
func (s *State) SubmitBlock(ctx context.Context, data []byte) (database.Hash, error) {
	block, err := database.DecodeBlock(data)
	if err != nil {
		return database.Hash{}, validation.NewRuleError(validation.Malformed, validation.ReasonMalformed, "decoding block: %s", err)
	}

	return block.Hash(), s.ProcessBlock(ctx, block, "")
}

// ProcessBlock takes a block from a peer, a front end or the miner, stores
// it and moves the best chain to the tip with the most work. A block whose
// parent is unknown is held as an orphan and a MissingReference rule error
// is returned. The origin is the peer that delivered the block.
func (s *State) ProcessBlock(ctx context.Context, block database.Block, origin string) error {
	hash := block.Hash()

	s.evHandler("state: ProcessBlock: started: blk[%s] prev[%s] txs[%d] origin[%s]", hash, block.Header.PrevBlockHash, len(block.Txs), origin)
	defer s.evHandler("state: ProcessBlock: completed: blk[%s]", hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.orphanBlocks.Has(hash) {
		return fmt.Errorf("%w: orphan block %s", ErrAlreadyHave, hash)
	}

	if _, err := s.chain.AcceptBlock(block); err != nil {
		if validation.IsKind(err, validation.MissingReference) && !s.chain.Have(block.Header.PrevBlockHash) {
			s.addOrphanBlock(block, origin)
			return err
		}

		if !errors.Is(err, ErrAlreadyHave) {
			s.metrics.blockRejected(err)
		}
		return s.checkFatal(err)
	}

	// Any orphans waiting on this block can now be stored.
	s.acceptOrphanBlocks(hash)

	return s.activate(ctx, hash)
}

// activate moves the best chain and brings the mempool and the rest of the
// node in line with it. If the block just processed ended up invalid its
// failure is returned. The caller must hold mu.
func (s *State) activate(ctx context.Context, hash database.Hash) error {
	reorg, err := s.chain.ActivateBestChain(ctx)
	if reorg.Changed() {
		s.applyReorg(reorg)
	}

	if err != nil {
		return s.checkFatal(err)
	}

	if n, exists := s.chain.Node(hash); exists && n.Status == database.StatusInvalid {
		s.metrics.blockRejected(s.chain.Failure(hash))

		if failure := s.chain.Failure(hash); failure != nil {
			return failure
		}
		return validation.NewRuleError(validation.ConsensusViolation, validation.ReasonStaleReference, "block %s descends from an invalid block", hash)
	}

	return nil
}

// applyReorg updates the mempool after the best tip moved, then announces
// the connected blocks and restarts mining. The caller must hold mu.
func (s *State) applyReorg(reorg chain.Reorg) {
	tip := s.chain.BestTip()

	switch {
	case len(reorg.Detached) == 0:
		for _, block := range reorg.Attached {
			if conflicts := s.mempool.RemoveForBlock(block); len(conflicts) > 0 {
				s.evHandler("state: applyReorg: blk[%s] removed conflicting txs[%d]", block.Hash(), len(conflicts))
			}
		}

	default:
		readded, dropped := s.mempool.Reorganize(reorg.Detached, s.chain.UTXOSet(), tip.Height+1, s.genesis)
		s.evHandler("state: applyReorg: REORG: detached[%d] attached[%d] readded[%d] dropped[%d]", len(reorg.Detached), len(reorg.Attached), readded, len(dropped))
		s.metrics.reorg(len(reorg.Detached))
	}

	// Orphan transactions may spend outputs created by the new blocks.
	for _, block := range reorg.Attached {
		for _, tx := range block.Txs {
			s.acceptOrphanTxs(tx.ID())
		}
	}

	s.metrics.blocksConnected.Add(float64(len(reorg.Attached)))
	s.metrics.setTip(tip)
	s.metrics.setPools(s)

	for _, block := range reorg.Attached {
		s.announceBlock(block.Hash(), "")
	}

	if s.onNewBestTip != nil {
		s.onNewBestTip(tip.Hash)
	}

	s.signalMining()
}

// =============================================================================

// addOrphanBlock holds a block until its parent arrives. The caller must
// hold mu.
func (s *State) addOrphanBlock(block database.Block, origin string) {
	hash := block.Hash()
	prev := block.Header.PrevBlockHash

	s.orphanBlocks.Set(hash, orphanBlock{block: block, origin: origin}, ttlcache.DefaultTTL)
	s.orphanByPrev[prev] = append(s.orphanByPrev[prev], hash)

	s.metrics.orphanBlocks.Set(float64(s.orphanBlocks.Len()))
	s.evHandler("state: addOrphanBlock: blk[%s] waiting for prev[%s] orphans[%d]", hash, prev, s.orphanBlocks.Len())
}

// acceptOrphanBlocks stores every orphan descending from the parent, breadth
// first. The caller must hold mu.
func (s *State) acceptOrphanBlocks(parent database.Hash) {
	queue := []database.Hash{parent}

	for len(queue) > 0 {
		prev := queue[0]
		queue = queue[1:]

		children := s.orphanByPrev[prev]
		delete(s.orphanByPrev, prev)

		for _, hash := range children {
			item := s.orphanBlocks.Get(hash)
			if item == nil {
				continue
			}
			s.orphanBlocks.Delete(hash)

			if _, err := s.chain.AcceptBlock(item.Value().block); err != nil {
				s.evHandler("state: acceptOrphanBlocks: blk[%s] rejected: %s", hash, err)
				s.metrics.blockRejected(err)
				continue
			}

			s.evHandler("state: acceptOrphanBlocks: blk[%s] connected to prev[%s]", hash, prev)
			queue = append(queue, hash)
		}
	}

	s.metrics.orphanBlocks.Set(float64(s.orphanBlocks.Len()))
}

// pruneOrphanBlocks removes index entries for expired orphans. The caller
// must hold mu.
func (s *State) pruneOrphanBlocks() {
	for prev, hashes := range s.orphanByPrev {
		kept := hashes[:0]
		for _, hash := range hashes {
			if s.orphanBlocks.Has(hash) {
				kept = append(kept, hash)
			}
		}

		if len(kept) == 0 {
			delete(s.orphanByPrev, prev)
			continue
		}
		s.orphanByPrev[prev] = kept
	}
}

// OrphanRoot returns the hash of the earliest missing ancestor of an orphan
// block. This is what a peer should be asked for.
func (s *State) OrphanRoot(hash database.Hash) database.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := hash
	for {
		item := s.orphanBlocks.Get(root)
		if item == nil {
			return root
		}
		root = item.Value().block.Header.PrevBlockHash
	}
}
