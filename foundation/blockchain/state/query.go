package state

import (
	"github.com/ardanlabs/utxonode/foundation/blockchain/chain"
	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/genesis"
	"github.com/ardanlabs/utxonode/foundation/blockchain/mempool"
	"github.com/ardanlabs/utxonode/foundation/blockchain/peer"
	"github.com/ardanlabs/utxonode/foundation/blockchain/utxo"
)

// BestTipHash returns the hash of the current best tip.
func (s *State) BestTipHash() database.Hash {
	return s.chain.BestTip().Hash
}

// BestTip returns the index entry of the current best tip.
func (s *State) BestTip() chain.Node {
	return s.chain.BestTip()
}

// Balance returns the confirmed balance of the address.
func (s *State) Balance(addr database.Address) uint64 {
	return s.chain.Balance(addr)
}

// Unspent returns the confirmed unspent outputs of the address.
func (s *State) Unspent(addr database.Address) []utxo.Entry {
	return s.chain.Unspent(addr)
}

// UTXO returns the unspent output at the outpoint.
func (s *State) UTXO(op database.OutPoint) (database.UTXO, bool) {
	return s.chain.UTXO(op)
}

// UTXOCount returns the size of the utxo set.
func (s *State) UTXOCount() int {
	return s.chain.UTXOCount()
}

// Block returns the stored block.
func (s *State) Block(hash database.Hash) (database.Block, error) {
	return s.chain.Block(hash)
}

// BlockByHeight returns the best chain block at the height.
func (s *State) BlockByHeight(height uint64) (database.Block, error) {
	return s.chain.BlockByHeight(height)
}

// BlockNode returns the index entry of the block.
func (s *State) BlockNode(hash database.Hash) (chain.Node, bool) {
	return s.chain.Node(hash)
}

// InBestChain reports whether the block is part of the best chain.
func (s *State) InBestChain(hash database.Hash) bool {
	return s.chain.InBestChain(hash)
}

// Tips returns the tips of every valid branch.
func (s *State) Tips() []chain.Node {
	return s.chain.Tips()
}

// HaveBlock reports whether the block is stored or held as an orphan.
func (s *State) HaveBlock(hash database.Hash) bool {
	return s.chain.Have(hash) || s.orphanBlocks.Has(hash)
}

// HaveTx reports whether the transaction is in the mempool or held as an
// orphan.
func (s *State) HaveTx(id database.Hash) bool {
	return s.mempool.Has(id) || s.orphanTxs.Has(id)
}

// MempoolTx returns the mempool entry for the transaction.
func (s *State) MempoolTx(id database.Hash) (mempool.TxDesc, bool) {
	return s.mempool.Lookup(id)
}

// Mempool returns a copy of the mempool in arrival order.
func (s *State) Mempool() []mempool.TxDesc {
	return s.mempool.Copy()
}

// MempoolLength returns the number of transactions in the mempool.
func (s *State) MempoolLength() int {
	return s.mempool.Count()
}

// IsSpentInMempool reports whether a mempool transaction spends the output.
func (s *State) IsSpentInMempool(op database.OutPoint) bool {
	return s.mempool.IsSpent(op)
}

// Locator returns the block locator of the best chain.
func (s *State) Locator() []database.Hash {
	return s.chain.Locator()
}

// BlockHashesAfter returns up to max best chain hashes following the
// locator.
func (s *State) BlockHashesAfter(locator []database.Hash, stop database.Hash, max int) []database.Hash {
	return s.chain.HashesAfter(locator, stop, max)
}

// Genesis returns a copy of the genesis information.
func (s *State) Genesis() genesis.Genesis {
	return s.genesis
}

// GenesisHash returns the hash of the genesis block.
func (s *State) GenesisHash() database.Hash {
	return s.chain.GenesisHash()
}

// Host returns a copy of host information.
func (s *State) Host() string {
	return s.host
}

// MinerAddress returns the address paid by mined blocks.
func (s *State) MinerAddress() database.Address {
	return s.minerAddress
}

// KnownPeers retrieves a copy of the known peer list.
func (s *State) KnownPeers() []peer.Peer {
	return s.knownPeers.Copy(s.host)
}

// AddKnownPeer provides the ability to add a new peer to
// the known peer list.
func (s *State) AddKnownPeer(p peer.Peer) bool {
	return s.knownPeers.Add(p)
}

// RemoveKnownPeer provides the ability to remove a peer from
// the known peer list.
func (s *State) RemoveKnownPeer(p peer.Peer) {
	s.knownPeers.Remove(p)
}

// Status returns the status of this node for peers and front ends.
func (s *State) Status() peer.PeerStatus {
	tip := s.chain.BestTip()

	return peer.PeerStatus{
		BestHash:   tip.Hash.String(),
		BestHeight: tip.Height,
		KnownPeers: s.KnownPeers(),
	}
}
