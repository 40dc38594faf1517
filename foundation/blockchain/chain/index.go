package chain

import (
	"math/big"
	"slices"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
)

// Node is the block index entry for a stored block. Nodes refer to their
// parent by hash and are owned by the index.
type Node struct {
	Hash   database.Hash
	Header database.BlockHeader
	Height uint64
	Work   *big.Int // Cumulative work of the chain ending at this block.
	Status database.BlockStatus
	seq    uint64
}

// betterThan reports whether n should be preferred over other as the tip.
// Equal work goes to the block seen first.
func (n *Node) betterThan(other *Node) bool {
	switch n.Work.Cmp(other.Work) {
	case 1:
		return true
	case 0:
		return n.seq < other.seq
	}
	return false
}

// =============================================================================

// index holds every known block header and the tips of every branch.
type index struct {
	nodes    map[database.Hash]*Node
	children map[database.Hash][]database.Hash
	tips     map[database.Hash]*Node
	seq      uint64
}

func newIndex() *index {
	return &index{
		nodes:    make(map[database.Hash]*Node),
		children: make(map[database.Hash][]database.Hash),
		tips:     make(map[database.Hash]*Node),
	}
}

// add places the node in the index. The parent, if any, must already exist.
func (idx *index) add(n *Node) {
	if n.seq == 0 {
		idx.seq++
		n.seq = idx.seq
	}
	if n.seq > idx.seq {
		idx.seq = n.seq
	}

	idx.nodes[n.Hash] = n

	if n.Height > 0 {
		parent := n.Header.PrevBlockHash
		idx.children[parent] = append(idx.children[parent], n.Hash)
		if n.Status != database.StatusInvalid {
			delete(idx.tips, parent)
		}
	}

	if n.Status != database.StatusInvalid && len(idx.children[n.Hash]) == 0 {
		idx.tips[n.Hash] = n
	}
}

func (idx *index) lookup(hash database.Hash) (*Node, bool) {
	n, exists := idx.nodes[hash]
	return n, exists
}

func (idx *index) parent(n *Node) *Node {
	if n.Height == 0 {
		return nil
	}
	return idx.nodes[n.Header.PrevBlockHash]
}

// ancestor walks back from n to the specified height.
func (idx *index) ancestor(n *Node, height uint64) *Node {
	for n != nil && n.Height > height {
		n = idx.parent(n)
	}
	return n
}

// fork returns the last common ancestor of a and b.
func (idx *index) fork(a, b *Node) *Node {
	for a != nil && b != nil && a.Height > b.Height {
		a = idx.parent(a)
	}
	for a != nil && b != nil && b.Height > a.Height {
		b = idx.parent(b)
	}
	for a != nil && b != nil && a != b {
		a = idx.parent(a)
		b = idx.parent(b)
	}
	return a
}

// invalidate marks n and all of its descendants invalid and returns every
// node that changed. The parent becomes a tip again if it has no other
// candidate children.
func (idx *index) invalidate(n *Node) []*Node {
	var marked []*Node

	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur.Status != database.StatusInvalid {
			cur.Status = database.StatusInvalid
			marked = append(marked, cur)
		}
		delete(idx.tips, cur.Hash)

		for _, child := range idx.children[cur.Hash] {
			stack = append(stack, idx.nodes[child])
		}
	}

	if parent := idx.parent(n); parent != nil && parent.Status != database.StatusInvalid {
		hasChild := slices.ContainsFunc(idx.children[parent.Hash], func(h database.Hash) bool {
			return idx.nodes[h].Status != database.StatusInvalid
		})
		if !hasChild {
			idx.tips[parent.Hash] = parent
		}
	}

	return marked
}

// bestTip returns the most preferred valid tip, starting from current.
func (idx *index) bestTip(current *Node) *Node {
	best := current
	for _, tip := range idx.tips {
		if tip.Status == database.StatusInvalid {
			continue
		}
		if best == nil || tip.betterThan(best) {
			best = tip
		}
	}
	return best
}

// medianTimePast returns the median timestamp of the span blocks ending at n.
func (idx *index) medianTimePast(n *Node, span int) uint64 {
	times := make([]uint64, 0, span)
	for i := 0; i < span && n != nil; i++ {
		times = append(times, n.Header.TimeStamp)
		n = idx.parent(n)
	}

	if len(times) == 0 {
		return 0
	}

	slices.Sort(times)
	return times[len(times)/2]
}
