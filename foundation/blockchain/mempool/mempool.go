// Package mempool maintains the mempool for the blockchain.
package mempool

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/genesis"
	"github.com/ardanlabs/utxonode/foundation/blockchain/mempool/selector"
	"github.com/ardanlabs/utxonode/foundation/blockchain/utxo"
	"github.com/ardanlabs/utxonode/foundation/blockchain/validation"
)

// DefaultMaxBytes is the default capacity of the mempool.
const DefaultMaxBytes = 32 << 20

// DefaultExpiry is how long a transaction can sit in the mempool.
const DefaultExpiry = 336 * time.Hour

// DefaultMaxAncestors is the default limit on in-pool ancestors of a
// transaction, the transaction included.
const DefaultMaxAncestors = 25

// ErrAlreadyKnown is returned when the transaction is already in the pool.
var ErrAlreadyKnown = errors.New("transaction already in mempool")

// TxDesc describes a transaction held by the mempool.
type TxDesc struct {
	Tx     database.Tx   `json:"tx"`
	ID     database.Hash `json:"id"`
	Fee    uint64        `json:"fee"`
	Size   int           `json:"size"`
	Added  time.Time     `json:"added"`
	Height uint64        `json:"height"` // Best height when accepted.
}

type entry struct {
	TxDesc
	seq      uint64
	parents  map[database.Hash]struct{}
	children map[database.Hash]struct{}
}

// Config represents the configuration for the mempool.
type Config struct {
	MaxBytes     int
	MaxAncestors int
	Strategy     string
	Now          func() time.Time
}

// Mempool represents a cache of validated unconfirmed transactions keyed by
// id with a second key on every outpoint they spend.
type Mempool struct {
	mu       sync.RWMutex
	pool     map[database.Hash]*entry
	spends   map[database.OutPoint]database.Hash
	bytes    int
	seq      uint64
	maxBytes int
	maxAnc   int
	selectFn selector.Func
	now      func() time.Time
}

// New constructs a new mempool using the default select strategy.
func New() (*Mempool, error) {
	return NewWithConfig(Config{Strategy: selector.StrategyFeeRate})
}

// NewWithConfig constructs a new mempool with the specified configuration.
func NewWithConfig(cfg Config) (*Mempool, error) {
	selectFn, err := selector.Retrieve(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	maxAnc := cfg.MaxAncestors
	if maxAnc <= 0 {
		maxAnc = DefaultMaxAncestors
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	mp := Mempool{
		pool:     make(map[database.Hash]*entry),
		spends:   make(map[database.OutPoint]database.Hash),
		maxBytes: maxBytes,
		maxAnc:   maxAnc,
		selectFn: selectFn,
		now:      now,
	}

	return &mp, nil
}

// =============================================================================

// Accept validates the transaction against the source plus the outputs of
// the transactions already in the pool and adds it. The spend height is the
// height of the next block.
func (mp *Mempool) Accept(tx database.Tx, source utxo.Source, spendHeight uint64, params genesis.Genesis) (TxDesc, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	return mp.accept(tx, source, spendHeight, params)
}

func (mp *Mempool) accept(tx database.Tx, source utxo.Source, spendHeight uint64, params genesis.Genesis) (TxDesc, error) {
	id := tx.ID()

	if _, exists := mp.pool[id]; exists {
		return TxDesc{}, ErrAlreadyKnown
	}

	for _, in := range tx.Inputs {
		if other, exists := mp.spends[in.PrevOut]; exists {
			return TxDesc{}, validation.NewRuleError(validation.ConsensusViolation, validation.ReasonDoubleSpend, "tx %s spends %s already spent by %s", id, in.PrevOut, other)
		}
	}

	fee, err := validation.ValidateTransaction(tx, poolSource{mp: mp, base: source, height: spendHeight}, spendHeight, params)
	if err != nil {
		return TxDesc{}, err
	}

	size := tx.Size()
	if size > mp.maxBytes {
		return TxDesc{}, validation.NewRuleError(validation.ResourceExhaustion, validation.ReasonPoolFull, "tx %s size %d above pool capacity", id, size)
	}

	parents := make(map[database.Hash]struct{})
	for _, in := range tx.Inputs {
		if _, exists := mp.pool[in.PrevOut.TxID]; exists {
			parents[in.PrevOut.TxID] = struct{}{}
		}
	}

	if n := mp.countAncestors(parents); n+1 > mp.maxAnc {
		return TxDesc{}, validation.NewRuleError(validation.ResourceExhaustion, validation.ReasonChainTooLong, "tx %s has more than %d unconfirmed ancestors", id, mp.maxAnc-1)
	}

	mp.seq++
	e := entry{
		TxDesc: TxDesc{
			Tx:     tx,
			ID:     id,
			Fee:    fee,
			Size:   size,
			Added:  mp.now(),
			Height: spendHeight - 1,
		},
		seq:      mp.seq,
		parents:  parents,
		children: make(map[database.Hash]struct{}),
	}

	for _, in := range tx.Inputs {
		mp.spends[in.PrevOut] = id
	}
	for parent := range parents {
		mp.pool[parent].children[id] = struct{}{}
	}

	mp.pool[id] = &e
	mp.bytes += size

	if mp.bytes > mp.maxBytes {
		removed := mp.evict()
		if slices.Contains(removed, id) {
			return TxDesc{}, validation.NewRuleError(validation.ResourceExhaustion, validation.ReasonPoolFull, "tx %s fee rate too low for a full pool", id)
		}
	}

	return e.TxDesc, nil
}

// countAncestors returns the number of distinct in-pool ancestors reachable
// from the parents. The walk stops once the limit is passed.
func (mp *Mempool) countAncestors(parents map[database.Hash]struct{}) int {
	seen := make(map[database.Hash]struct{}, len(parents))
	stack := make([]database.Hash, 0, len(parents))
	for p := range parents {
		stack = append(stack, p)
	}

	for len(stack) > 0 && len(seen) < mp.maxAnc {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, exists := seen[id]; exists {
			continue
		}
		seen[id] = struct{}{}

		if e, exists := mp.pool[id]; exists {
			for p := range e.parents {
				stack = append(stack, p)
			}
		}
	}

	return len(seen)
}

// Evict removes the entries with the lowest fee rate, along with their
// descendants, until the pool is within capacity. The removed ids are
// returned.
func (mp *Mempool) Evict() []database.Hash {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	return mp.evict()
}

func (mp *Mempool) evict() []database.Hash {
	if mp.bytes <= mp.maxBytes {
		return nil
	}

	candidates := mp.candidates()
	selector.SortByFeeRate(candidates)

	var removed []database.Hash
	for i := len(candidates) - 1; i >= 0 && mp.bytes > mp.maxBytes; i-- {
		if _, exists := mp.pool[candidates[i].ID]; !exists {
			continue
		}
		removed = append(removed, mp.removeWithDescendants(candidates[i].ID)...)
	}

	return removed
}

// SelectForBlock uses the configured strategy to return the transactions
// for the next block. Parents always come before their children.
func (mp *Mempool) SelectForBlock(maxWeight int) []database.Tx {
	mp.mu.RLock()
	candidates := mp.candidates()
	mp.mu.RUnlock()

	selected := mp.selectFn(candidates, maxWeight)

	txs := make([]database.Tx, len(selected))
	for i, c := range selected {
		txs[i] = c.Tx
	}

	return txs
}

// RemoveForBlock removes the transactions included in the block and every
// entry that conflicts with them, along with the descendants of the
// conflicts. The ids of the conflicting entries are returned.
func (mp *Mempool) RemoveForBlock(block database.Block) []database.Hash {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, tx := range block.Txs {
		mp.removeOne(tx.ID())
	}

	var conflicts []database.Hash
	for _, tx := range block.Txs {
		if tx.IsCoinbase() {
			continue
		}
		for _, in := range tx.Inputs {
			if other, exists := mp.spends[in.PrevOut]; exists {
				conflicts = append(conflicts, mp.removeWithDescendants(other)...)
			}
		}
	}

	return conflicts
}

// Reorganize rebuilds the pool after the best chain switched branches. The
// transactions of the disconnected blocks are offered first, oldest block
// first, followed by the existing entries in arrival order. Anything that
// is now confirmed, conflicting or invalid is dropped. The disconnected
// blocks are expected in disconnect order, tip first.
func (mp *Mempool) Reorganize(disconnected []database.Block, source utxo.Source, spendHeight uint64, params genesis.Genesis) (readded int, dropped []database.Hash) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	old := make([]*entry, 0, len(mp.pool))
	for _, e := range mp.pool {
		old = append(old, e)
	}
	slices.SortFunc(old, func(a, b *entry) int {
		return cmp.Compare(a.seq, b.seq)
	})

	mp.pool = make(map[database.Hash]*entry)
	mp.spends = make(map[database.OutPoint]database.Hash)
	mp.bytes = 0

	for i := len(disconnected) - 1; i >= 0; i-- {
		for _, tx := range disconnected[i].Txs {
			if tx.IsCoinbase() {
				continue
			}
			if _, err := mp.accept(tx, source, spendHeight, params); err == nil {
				readded++
			}
		}
	}

	for _, e := range old {
		if _, err := mp.accept(e.Tx, source, spendHeight, params); err != nil && !errors.Is(err, ErrAlreadyKnown) {
			dropped = append(dropped, e.ID)
			continue
		}

		// Keep the original arrival time so expiry still applies.
		if kept, exists := mp.pool[e.ID]; exists {
			kept.Added = e.Added
		}
	}

	return readded, dropped
}

// Expire removes every entry older than age, along with its descendants.
func (mp *Mempool) Expire(age time.Duration) []database.Hash {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	cutoff := mp.now().Add(-age)

	var removed []database.Hash
	for id, e := range mp.pool {
		if _, exists := mp.pool[id]; !exists {
			continue
		}
		if e.Added.Before(cutoff) {
			removed = append(removed, mp.removeWithDescendants(id)...)
		}
	}

	return removed
}

// =============================================================================

// Count returns the current number of transactions in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.pool)
}

// Bytes returns the total size of the transactions in the pool.
func (mp *Mempool) Bytes() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.bytes
}

// Has reports whether the transaction is in the pool.
func (mp *Mempool) Has(id database.Hash) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	_, exists := mp.pool[id]
	return exists
}

// Lookup returns the description of the transaction.
func (mp *Mempool) Lookup(id database.Hash) (TxDesc, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	e, exists := mp.pool[id]
	if !exists {
		return TxDesc{}, false
	}

	return e.TxDesc, true
}

// IsSpent reports whether a pool transaction spends the outpoint.
func (mp *Mempool) IsSpent(op database.OutPoint) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	_, exists := mp.spends[op]
	return exists
}

// Copy returns a copy of every transaction description in arrival order.
func (mp *Mempool) Copy() []TxDesc {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	entries := make([]*entry, 0, len(mp.pool))
	for _, e := range mp.pool {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		return cmp.Compare(a.seq, b.seq)
	})

	descs := make([]TxDesc, len(entries))
	for i, e := range entries {
		descs[i] = e.TxDesc
	}

	return descs
}

// Truncate clears all the transactions from the pool.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pool = make(map[database.Hash]*entry)
	mp.spends = make(map[database.OutPoint]database.Hash)
	mp.bytes = 0
}

// =============================================================================

// candidates converts the pool for a selector. The caller must hold a lock.
func (mp *Mempool) candidates() []selector.Candidate {
	candidates := make([]selector.Candidate, 0, len(mp.pool))
	for _, e := range mp.pool {
		parents := make([]database.Hash, 0, len(e.parents))
		for p := range e.parents {
			parents = append(parents, p)
		}

		candidates = append(candidates, selector.Candidate{
			ID:      e.ID,
			Tx:      e.Tx,
			Fee:     e.Fee,
			Size:    e.Size,
			Parents: parents,
		})
	}

	return candidates
}

// removeOne removes a single entry. Children keep their place but lose the
// parent link since its outputs are now confirmed.
func (mp *Mempool) removeOne(id database.Hash) bool {
	e, exists := mp.pool[id]
	if !exists {
		return false
	}

	for _, in := range e.Tx.Inputs {
		if mp.spends[in.PrevOut] == id {
			delete(mp.spends, in.PrevOut)
		}
	}

	for p := range e.parents {
		if parent, exists := mp.pool[p]; exists {
			delete(parent.children, id)
		}
	}

	for c := range e.children {
		if child, exists := mp.pool[c]; exists {
			delete(child.parents, id)
		}
	}

	delete(mp.pool, id)
	mp.bytes -= e.Size

	return true
}

// removeWithDescendants removes the entry and everything that spends its
// outputs, directly or not.
func (mp *Mempool) removeWithDescendants(id database.Hash) []database.Hash {
	var removed []database.Hash

	stack := []database.Hash{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		e, exists := mp.pool[cur]
		if !exists {
			continue
		}

		for c := range e.children {
			stack = append(stack, c)
		}

		mp.removeOne(cur)
		removed = append(removed, cur)
	}

	return removed
}

// =============================================================================

// poolSource resolves outputs from the pool first, then from the base.
// Outputs of pool transactions are treated as created at the spend height.
type poolSource struct {
	mp     *Mempool
	base   utxo.Source
	height uint64
}

func (ps poolSource) Get(op database.OutPoint) (database.UTXO, bool) {
	if e, exists := ps.mp.pool[op.TxID]; exists {
		if int(op.Index) >= len(e.Tx.Outputs) {
			return database.UTXO{}, false
		}
		return database.UTXO{Output: e.Tx.Outputs[op.Index], Height: ps.height}, true
	}

	return ps.base.Get(op)
}
