package relay

import (
	"sync"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/wire"
	"github.com/cespare/xxhash"
	"github.com/greatroar/blobloom"
)

// AnnounceBlock sends an inv for the block to every peer except the one it
// came from and those known to have it. A new block can make rejected
// transactions valid, so the reject filter is reset.
func (c *Coordinator) AnnounceBlock(hash database.Hash, origin string) {
	c.rejects.Reset()
	c.announce(wire.InvVect{Type: wire.InvBlock, Hash: hash}, origin)
}

// AnnounceTx sends an inv for the transaction to every peer except the one
// it came from and those known to have it.
func (c *Coordinator) AnnounceTx(id database.Hash, origin string) {
	c.announce(wire.InvVect{Type: wire.InvTx, Hash: id}, origin)
}

// announce never blocks. A peer with a full queue misses the inv.
func (c *Coordinator) announce(iv wire.InvVect, origin string) {
	var sent int

	for _, p := range c.activePeers() {
		if p.addr == origin || !p.isActive() || p.hasKnown(iv) {
			continue
		}

		if p.queue(&wire.MsgInv{Items: []wire.InvVect{iv}}) {
			p.markKnown(iv)
			sent++
		}
	}

	c.evHandler("relay: announce: item[%s] peers[%d]", iv, sent)
}

// =============================================================================

// Settings of the reject filter.
const (
	rejectCapacity = 50_000
	rejectFPRate   = 1e-6
)

// rejectFilter remembers the transactions that failed validation so they
// are not requested again. A false positive only delays a transaction until
// the next block.
type rejectFilter struct {
	mu     sync.Mutex
	filter *blobloom.Filter
}

func newRejectFilter() *rejectFilter {
	return &rejectFilter{
		filter: newBloom(),
	}
}

func newBloom() *blobloom.Filter {
	return blobloom.NewOptimized(blobloom.Config{
		Capacity: rejectCapacity,
		FPRate:   rejectFPRate,
	})
}

// Add records the transaction.
func (rf *rejectFilter) Add(id database.Hash) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	rf.filter.Add(xxhash.Sum64(id[:]))
}

// Has reports whether the transaction was probably rejected.
func (rf *rejectFilter) Has(id database.Hash) bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	return rf.filter.Has(xxhash.Sum64(id[:]))
}

// Reset forgets every transaction.
func (rf *rejectFilter) Reset() {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	rf.filter = newBloom()
}
