// Package chain maintains the block index, selects the chain with the most
// cumulative work and keeps the utxo set in step with it.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/genesis"
	"github.com/ardanlabs/utxonode/foundation/blockchain/utxo"
	"github.com/ardanlabs/utxonode/foundation/blockchain/validation"
)

// ErrAlreadyHave is returned when a block is already in the index.
var ErrAlreadyHave = errors.New("block already known")

// Reorg describes a change of the best tip. For a simple extension Detached
// is empty. Detached is in disconnect order, Attached in connect order.
type Reorg struct {
	OldTip   database.Hash
	NewTip   database.Hash
	Detached []database.Block
	Attached []database.Block
}

// Changed reports whether the best tip moved.
func (r Reorg) Changed() bool {
	return r.OldTip != r.NewTip
}

// Config represents the configuration required to start the chain.
type Config struct {
	Storage   database.Storage
	Genesis   genesis.Genesis
	EvHandler func(v string, args ...any)
	Now       func() time.Time
}

// Chain manages the block index and the best chain. Mutating methods must
// be called by a single writer. Queries are safe from any goroutine and
// never observe a partially applied reorganization.
type Chain struct {
	genesis     genesis.Genesis
	genesisHash database.Hash
	storage     database.Storage
	evHandler   func(v string, args ...any)
	now         func() time.Time

	mu       sync.RWMutex
	index    *index
	best     *Node
	byHeight []database.Hash
	utxos    *utxo.Set
	failures map[database.Hash]error
}

// New constructs a chain from the contents of storage. Empty storage is
// initialized with the genesis block.
func New(cfg Config) (*Chain, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	genBlock, err := cfg.Genesis.Block()
	if err != nil {
		return nil, fmt.Errorf("genesis block: %w", err)
	}

	c := Chain{
		genesis:     cfg.Genesis,
		genesisHash: genBlock.Hash(),
		storage:     cfg.Storage,
		evHandler:   ev,
		now:         now,
		index:       newIndex(),
		utxos:       utxo.NewSet(),
		failures:    make(map[database.Hash]error),
	}

	if !c.storage.HasBlock(c.genesisHash) {
		if err := c.writeGenesis(genBlock); err != nil {
			return nil, err
		}
	}

	if err := c.load(); err != nil {
		return nil, err
	}

	ev("chain: New: loaded: blocks[%d] tip[%s] height[%d] utxos[%d]", len(c.index.nodes), c.best.Hash, c.best.Height, c.utxos.Count())

	// A stop between storing a heavier branch and switching to it leaves
	// the stored tip behind the best known chain.
	reorg, err := c.ActivateBestChain(context.Background())
	if err != nil {
		return nil, fmt.Errorf("activating best chain: %w", err)
	}
	if reorg.Changed() {
		ev("chain: New: activated: tip[%s] height[%d] detached[%d] attached[%d]", c.best.Hash, c.best.Height, len(reorg.Detached), len(reorg.Attached))
	}

	return &c, nil
}

// writeGenesis stores the genesis block and commits its outputs. Genesis
// allocations are spendable immediately.
func (c *Chain) writeGenesis(block database.Block) error {
	if _, err := c.storage.BestTip(); !errors.Is(err, database.ErrNotFound) {
		return errors.New("storage holds a chain with a different genesis block")
	}

	if err := c.storage.WriteBlock(block, 0); err != nil {
		return fmt.Errorf("writing genesis: %w", err)
	}

	view := utxo.NewView(c.utxos)
	for _, tx := range block.Txs {
		id := tx.ID()
		for i, out := range tx.Outputs {
			view.Add(database.NewOutPoint(id, uint32(i)), database.UTXO{Output: out})
		}
	}

	commit := database.Commit{
		Tip:     c.genesisHash,
		Adds:    view.Changes().Adds,
		PutUndo: []database.Undo{{BlockHash: c.genesisHash}},
	}
	if err := c.storage.Commit(commit); err != nil {
		return fmt.Errorf("committing genesis: %w", err)
	}

	return c.storage.SetStatus(c.genesisHash, database.StatusValid)
}

// load rebuilds the index, the best chain and the utxo set from storage.
func (c *Chain) load() error {
	var recs []database.BlockRecord
	err := c.storage.ForEachBlock(func(rec database.BlockRecord) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading block index: %w", err)
	}

	slices.SortFunc(recs, func(a, b database.BlockRecord) int {
		if a.Height != b.Height {
			if a.Height < b.Height {
				return -1
			}
			return 1
		}
		if a.Seq < b.Seq {
			return -1
		}
		if a.Seq > b.Seq {
			return 1
		}
		return 0
	})

	for _, rec := range recs {
		n := Node{
			Hash:   rec.Hash,
			Header: rec.Header,
			Height: rec.Height,
			Status: rec.Status,
			seq:    rec.Seq,
		}

		work := database.CalcWork(rec.Header.Bits)

		switch {
		case rec.Hash == c.genesisHash:
			n.Work = work

		default:
			parent, exists := c.index.lookup(rec.Header.PrevBlockHash)
			if !exists || rec.Height == 0 {
				c.evHandler("chain: load: WARNING: skipping block[%s]: no parent", rec.Hash)
				continue
			}
			n.Work = new(big.Int).Add(parent.Work, work)
			if parent.Status == database.StatusInvalid {
				n.Status = database.StatusInvalid
			}
		}

		c.index.add(&n)
	}

	if _, exists := c.index.lookup(c.genesisHash); !exists {
		return errors.New("storage holds a chain with a different genesis block")
	}

	tip, err := c.storage.BestTip()
	if err != nil {
		return fmt.Errorf("reading best tip: %w", err)
	}

	best, exists := c.index.lookup(tip)
	if !exists {
		return fmt.Errorf("%w: best tip %s not in the block index", database.ErrCorrupt, tip)
	}

	if err := c.utxos.Load(c.storage); err != nil {
		return fmt.Errorf("loading utxo set: %w", err)
	}

	c.setBest(best)

	return nil
}

// setBest updates the best tip and the height index. The caller must hold
// the write lock, or be constructing the chain.
func (c *Chain) setBest(n *Node) {
	byHeight := c.byHeight
	if uint64(len(byHeight)) > n.Height+1 {
		byHeight = byHeight[:n.Height+1]
	}
	for uint64(len(byHeight)) < n.Height+1 {
		byHeight = append(byHeight, database.Hash{})
	}

	for cur := n; cur != nil; cur = c.index.parent(cur) {
		if byHeight[cur.Height] == cur.Hash {
			break
		}
		byHeight[cur.Height] = cur.Hash
	}

	c.byHeight = byHeight
	c.best = n
}

// =============================================================================

// AcceptBlock performs the checks that do not need the utxo set, stores the
// block and adds it to the index. The best chain is not changed.
func (c *Chain) AcceptBlock(block database.Block) (Node, error) {
	hash := block.Hash()

	c.mu.RLock()
	existing, exists := c.index.lookup(hash)
	parent, parentExists := c.index.lookup(block.Header.PrevBlockHash)
	c.mu.RUnlock()

	if exists {
		if existing.Status == database.StatusInvalid {
			return Node{}, validation.NewRuleError(validation.ConsensusViolation, validation.ReasonKnownInvalid, "block %s previously rejected", hash)
		}
		return Node{}, ErrAlreadyHave
	}

	if !parentExists {
		return Node{}, validation.NewRuleError(validation.MissingReference, validation.ReasonStaleReference, "block %s parent %s unknown", hash, block.Header.PrevBlockHash)
	}

	if parent.Status == database.StatusInvalid {
		return Node{}, validation.NewRuleError(validation.ConsensusViolation, validation.ReasonStaleReference, "block %s builds on invalid block %s", hash, parent.Hash)
	}

	if err := validation.CheckBlockSanity(block, c.genesis); err != nil {
		return Node{}, err
	}

	c.mu.RLock()
	pc := c.parentContext(parent)
	c.mu.RUnlock()

	if err := validation.CheckHeaderContext(block.Header, pc, c.genesis, c.now()); err != nil {
		return Node{}, err
	}

	if err := c.storage.WriteBlock(block, parent.Height+1); err != nil {
		return Node{}, fmt.Errorf("writing block: %w", err)
	}

	n := Node{
		Hash:   hash,
		Header: block.Header,
		Height: parent.Height + 1,
		Work:   new(big.Int).Add(parent.Work, database.CalcWork(block.Header.Bits)),
		Status: database.StatusStored,
	}

	c.mu.Lock()
	c.index.add(&n)
	c.mu.Unlock()

	c.evHandler("chain: AcceptBlock: stored: blk[%s] height[%d] work[%s]", hash, n.Height, n.Work)

	return n, nil
}

// ActivateBestChain moves the best tip to the valid tip with the most work.
// Blocks leaving the best chain are disconnected in reverse order and new
// blocks are validated and connected in order, all against a view. The
// storage, the utxo set and the best tip are then committed together. A
// block that fails validation is marked invalid with its descendants and
// selection starts over.
func (c *Chain) ActivateBestChain(ctx context.Context) (Reorg, error) {
	reorg := Reorg{
		OldTip: c.BestTip().Hash,
	}
	reorg.NewTip = reorg.OldTip

	for {
		if err := ctx.Err(); err != nil {
			return reorg, err
		}

		c.mu.RLock()
		best := c.best
		candidate := c.index.bestTip(best)
		c.mu.RUnlock()

		if candidate == best {
			return reorg, nil
		}

		result, err := c.switchTo(best, candidate)
		if err != nil {
			if re := validation.GetRuleError(err); re == nil || !re.Permanent() {
				return reorg, err
			}
			continue
		}

		reorg.NewTip = result.NewTip
		reorg.Detached = append(reorg.Detached, result.Detached...)
		reorg.Attached = append(reorg.Attached, result.Attached...)
	}
}

// switchTo moves the best chain from best to target. A rule error means a
// block on the way was marked invalid and nothing was committed.
func (c *Chain) switchTo(best *Node, target *Node) (Reorg, error) {
	c.mu.RLock()
	fork := c.index.fork(best, target)

	var detach []*Node
	for n := best; n != fork; n = c.index.parent(n) {
		detach = append(detach, n)
	}

	var attach []*Node
	for n := target; n != fork; n = c.index.parent(n) {
		attach = append(attach, n)
	}
	slices.Reverse(attach)
	c.mu.RUnlock()

	reorg := Reorg{
		OldTip: best.Hash,
		NewTip: target.Hash,
	}

	view := utxo.NewView(c.utxos)
	commit := database.Commit{
		Tip: target.Hash,
	}

	for _, n := range detach {
		block, err := c.storage.ReadBlock(n.Hash)
		if err != nil {
			return Reorg{}, fmt.Errorf("reading block %s: %w", n.Hash, err)
		}

		undo, err := c.storage.ReadUndo(n.Hash)
		if err != nil {
			return Reorg{}, fmt.Errorf("reading undo %s: %w", n.Hash, err)
		}

		if err := view.DisconnectBlock(block, undo); err != nil {
			return Reorg{}, fmt.Errorf("%w: disconnecting %s: %s", database.ErrCorrupt, n.Hash, err)
		}

		reorg.Detached = append(reorg.Detached, block)
		commit.DeleteUndo = append(commit.DeleteUndo, n.Hash)
	}

	for _, n := range attach {
		block, err := c.storage.ReadBlock(n.Hash)
		if err != nil {
			return Reorg{}, fmt.Errorf("reading block %s: %w", n.Hash, err)
		}

		c.mu.RLock()
		pc := c.parentContext(c.index.parent(n))
		c.mu.RUnlock()

		undo, _, err := validation.ConnectBlock(block, pc, view, c.genesis, c.now())
		if err != nil {
			if re := validation.GetRuleError(err); re != nil && re.Permanent() {
				c.markInvalid(n, re)
			}
			return Reorg{}, err
		}

		reorg.Attached = append(reorg.Attached, block)
		commit.PutUndo = append(commit.PutUndo, undo)
	}

	changes := view.Changes()
	commit.Adds = changes.Adds
	commit.Deletes = changes.Deletes

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.storage.Commit(commit); err != nil {
		return Reorg{}, fmt.Errorf("committing chain state: %w", err)
	}

	c.utxos.Apply(changes)

	for _, n := range attach {
		n.Status = database.StatusValid
		if err := c.storage.SetStatus(n.Hash, database.StatusValid); err != nil {
			c.evHandler("chain: switchTo: WARNING: status: blk[%s]: %s", n.Hash, err)
		}
	}

	c.setBest(target)

	if len(detach) > 0 {
		c.evHandler("chain: switchTo: REORG: fork[%s] old[%s] new[%s] detached[%d] attached[%d]", fork.Hash, best.Hash, target.Hash, len(detach), len(attach))
	} else {
		c.evHandler("chain: switchTo: tip[%s] height[%d]", target.Hash, target.Height)
	}

	return reorg, nil
}

// markInvalid marks the node and its descendants invalid in the index and
// in storage.
func (c *Chain) markInvalid(n *Node, reason error) {
	c.mu.Lock()
	marked := c.index.invalidate(n)
	c.failures[n.Hash] = reason
	c.mu.Unlock()

	c.evHandler("chain: markInvalid: blk[%s] descendants[%d]: %s", n.Hash, len(marked)-1, reason)

	for _, m := range marked {
		if err := c.storage.SetStatus(m.Hash, database.StatusInvalid); err != nil {
			c.evHandler("chain: markInvalid: WARNING: status: blk[%s]: %s", m.Hash, err)
		}
	}
}

// =============================================================================

// parentContext returns what the validation engine needs to know about the
// parent of a new block. The caller must hold a lock.
func (c *Chain) parentContext(parent *Node) validation.ParentContext {
	return validation.ParentContext{
		Hash:           parent.Hash,
		Height:         parent.Height,
		MedianTimePast: c.index.medianTimePast(parent, c.genesis.MedianTimeSpan),
		ExpectedBits:   c.nextBits(parent),
	}
}

// nextBits calculates the required difficulty for the block after parent.
// The target is adjusted every retarget interval by the ratio of the actual
// and expected time it took to mine the interval, limited to a factor of 4.
func (c *Chain) nextBits(parent *Node) uint32 {
	if c.genesis.NoRetarget || c.genesis.RetargetInterval == 0 {
		return parent.Header.Bits
	}

	height := parent.Height + 1
	if height%c.genesis.RetargetInterval != 0 {
		return parent.Header.Bits
	}

	first := c.index.ancestor(parent, height-c.genesis.RetargetInterval)
	if first == nil {
		return parent.Header.Bits
	}

	timespan := c.genesis.TargetTimespan()

	actual := uint64(1)
	if parent.Header.TimeStamp > first.Header.TimeStamp {
		actual = parent.Header.TimeStamp - first.Header.TimeStamp
	}
	actual = min(max(actual, timespan/4), timespan*4)

	target := database.CompactToBig(parent.Header.Bits)
	target.Mul(target, new(big.Int).SetUint64(actual))
	target.Div(target, new(big.Int).SetUint64(timespan))

	if limit := c.genesis.PowLimit(); target.Cmp(limit) > 0 {
		target = limit
	}

	return database.BigToCompact(target)
}
