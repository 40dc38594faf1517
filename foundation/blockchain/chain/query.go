package chain

import (
	"math/big"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/genesis"
	"github.com/ardanlabs/utxonode/foundation/blockchain/utxo"
	"github.com/ardanlabs/utxonode/foundation/blockchain/validation"
)

// BestTip returns a copy of the node at the tip of the best chain.
func (c *Chain) BestTip() Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return copyNode(c.best)
}

// GenesisHash returns the hash of the genesis block.
func (c *Chain) GenesisHash() database.Hash {
	return c.genesisHash
}

// Genesis returns the chain parameters.
func (c *Chain) Genesis() genesis.Genesis {
	return c.genesis
}

// Have reports whether the block is in the index.
func (c *Chain) Have(hash database.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, exists := c.index.lookup(hash)
	return exists
}

// Node returns a copy of the index entry for the block.
func (c *Chain) Node(hash database.Hash) (Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, exists := c.index.lookup(hash)
	if !exists {
		return Node{}, false
	}

	return copyNode(n), true
}

// Failure returns the rule error that made the block invalid, or nil.
// Blocks invalidated as descendants of a failed block have no failure of
// their own.
func (c *Chain) Failure(hash database.Hash) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.failures[hash]
}

// Tips returns every valid branch tip, the best tip included.
func (c *Chain) Tips() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tips := make([]Node, 0, len(c.index.tips))
	for _, n := range c.index.tips {
		tips = append(tips, copyNode(n))
	}

	return tips
}

// InBestChain reports whether the block is part of the best chain.
func (c *Chain) InBestChain(hash database.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.inBestChain(hash)
}

func (c *Chain) inBestChain(hash database.Hash) bool {
	n, exists := c.index.lookup(hash)
	if !exists || n.Height >= uint64(len(c.byHeight)) {
		return false
	}

	return c.byHeight[n.Height] == hash
}

// Block reads the block from storage.
func (c *Chain) Block(hash database.Hash) (database.Block, error) {
	return c.storage.ReadBlock(hash)
}

// BlockByHeight reads the best chain block at the specified height.
func (c *Chain) BlockByHeight(height uint64) (database.Block, error) {
	c.mu.RLock()
	if height >= uint64(len(c.byHeight)) {
		c.mu.RUnlock()
		return database.Block{}, database.ErrNotFound
	}
	hash := c.byHeight[height]
	c.mu.RUnlock()

	return c.storage.ReadBlock(hash)
}

// =============================================================================

// UTXO returns the best chain's unspent output for the outpoint.
func (c *Chain) UTXO(op database.OutPoint) (database.UTXO, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.utxos.Get(op)
}

// UTXOSet returns the utxo set of the best chain as a read only source.
// It only changes when the single writer commits a new tip.
func (c *Chain) UTXOSet() utxo.Source {
	return c.utxos
}

// UTXOCount returns the number of unspent outputs.
func (c *Chain) UTXOCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.utxos.Count()
}

// UTXOSnapshot returns a copy of the whole utxo set.
func (c *Chain) UTXOSnapshot() map[database.OutPoint]database.UTXO {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.utxos.Snapshot()
}

// Balance returns the sum of the unspent outputs owned by the address.
func (c *Chain) Balance(addr database.Address) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.utxos.Balance(addr)
}

// Unspent returns the unspent outputs owned by the address.
func (c *Chain) Unspent(addr database.Address) []utxo.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.utxos.Unspent(addr)
}

// =============================================================================

// Locator returns a list of best chain hashes, dense near the tip and
// exponentially sparser towards genesis, which always ends the list.
func (c *Chain) Locator() []database.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var locator []database.Hash

	step := uint64(1)
	height := c.best.Height
	for {
		locator = append(locator, c.byHeight[height])
		if height == 0 {
			break
		}

		if len(locator) >= 10 {
			step *= 2
		}

		if step >= height {
			height = 0
			continue
		}
		height -= step
	}

	return locator
}

// HashesAfter returns up to max best chain hashes following the first
// locator entry found in the best chain, stopping after stop.
func (c *Chain) HashesAfter(locator []database.Hash, stop database.Hash, max int) []database.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := uint64(0)
	for _, hash := range locator {
		if c.inBestChain(hash) {
			start = c.index.nodes[hash].Height + 1
			break
		}
	}

	var hashes []database.Hash
	for h := start; h < uint64(len(c.byHeight)) && len(hashes) < max; h++ {
		hashes = append(hashes, c.byHeight[h])
		if c.byHeight[h] == stop {
			break
		}
	}

	return hashes
}

// NextBits returns the difficulty required for a block on top of parent.
func (c *Chain) NextBits(parent database.Hash) (uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, exists := c.index.lookup(parent)
	if !exists {
		return 0, database.ErrNotFound
	}

	return c.nextBits(n), nil
}

// MedianTimePast returns the median timestamp of the blocks ending at hash.
func (c *Chain) MedianTimePast(hash database.Hash) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, exists := c.index.lookup(hash)
	if !exists {
		return 0, database.ErrNotFound
	}

	return c.index.medianTimePast(n, c.genesis.MedianTimeSpan), nil
}

// TipContext returns what a new block on the best tip must satisfy.
func (c *Chain) TipContext() validation.ParentContext {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.parentContext(c.best)
}

func copyNode(n *Node) Node {
	cpy := *n
	cpy.Work = new(big.Int).Set(n.Work)
	return cpy
}
