package mempool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/jellydator/ttlcache/v3"
)

// Orphan is a transaction waiting for one of its parents.
type Orphan struct {
	Tx     database.Tx
	Origin string
}

// OrphanPool holds transactions that spend outputs of unknown transactions.
// Entries expire after a ttl and the pool is bounded by capacity.
type OrphanPool struct {
	mu       sync.Mutex
	cache    *ttlcache.Cache[database.Hash, Orphan]
	byParent map[database.Hash]map[database.Hash]struct{}
	evicted  atomic.Uint64
}

// NewOrphanPool constructs an orphan pool.
func NewOrphanPool(capacity uint64, ttl time.Duration) *OrphanPool {
	cache := ttlcache.New[database.Hash, Orphan](
		ttlcache.WithTTL[database.Hash, Orphan](ttl),
		ttlcache.WithCapacity[database.Hash, Orphan](capacity),
		ttlcache.WithDisableTouchOnHit[database.Hash, Orphan](),
	)

	op := OrphanPool{
		cache:    cache,
		byParent: make(map[database.Hash]map[database.Hash]struct{}),
	}

	cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[database.Hash, Orphan]) {
		if reason != ttlcache.EvictionReasonDeleted {
			op.evicted.Add(1)
		}
	})

	return &op
}

// Add stores the orphan. Adding a known orphan does nothing.
func (op *OrphanPool) Add(tx database.Tx, origin string) bool {
	id := tx.ID()

	op.mu.Lock()
	defer op.mu.Unlock()

	if op.cache.Has(id) {
		return false
	}

	op.cache.Set(id, Orphan{Tx: tx, Origin: origin}, ttlcache.DefaultTTL)

	for _, in := range tx.Inputs {
		ids, exists := op.byParent[in.PrevOut.TxID]
		if !exists {
			ids = make(map[database.Hash]struct{})
			op.byParent[in.PrevOut.TxID] = ids
		}
		ids[id] = struct{}{}
	}

	return true
}

// Has reports whether the orphan is held.
func (op *OrphanPool) Has(id database.Hash) bool {
	return op.cache.Has(id)
}

// Remove drops the orphan.
func (op *OrphanPool) Remove(id database.Hash) {
	op.mu.Lock()
	defer op.mu.Unlock()

	op.remove(id)
}

// TakeChildren removes and returns every orphan spending an output of the
// parent transaction.
func (op *OrphanPool) TakeChildren(parent database.Hash) []Orphan {
	op.mu.Lock()
	defer op.mu.Unlock()

	var orphans []Orphan
	for id := range op.byParent[parent] {
		item := op.cache.Get(id)
		if item == nil {
			continue
		}

		orphans = append(orphans, item.Value())
		op.remove(id)
	}
	delete(op.byParent, parent)

	return orphans
}

// Count returns the number of orphans held.
func (op *OrphanPool) Count() int {
	return op.cache.Len()
}

// Evicted returns how many orphans were dropped by expiry or capacity.
func (op *OrphanPool) Evicted() uint64 {
	return op.evicted.Load()
}

// DeleteExpired drops expired orphans and prunes the parent index.
func (op *OrphanPool) DeleteExpired() {
	op.cache.DeleteExpired()

	op.mu.Lock()
	defer op.mu.Unlock()

	for parent, ids := range op.byParent {
		for id := range ids {
			if !op.cache.Has(id) {
				delete(ids, id)
			}
		}
		if len(ids) == 0 {
			delete(op.byParent, parent)
		}
	}
}

// remove drops the orphan and its index entries. The caller must hold mu.
func (op *OrphanPool) remove(id database.Hash) {
	item := op.cache.Get(id)
	if item == nil {
		return
	}

	for _, in := range item.Value().Tx.Inputs {
		if ids, exists := op.byParent[in.PrevOut.TxID]; exists {
			delete(ids, id)
			if len(ids) == 0 {
				delete(op.byParent, in.PrevOut.TxID)
			}
		}
	}

	op.cache.Delete(id)
}
