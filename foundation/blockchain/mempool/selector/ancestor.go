package selector

import (
	"container/heap"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
)

// ancestorSelect returns transactions by the fee rate of their package: the
// transaction plus every ancestor not yet selected. This lets a child with
// a high fee pull its low fee parent into the block.
//
// Package totals are computed once. When a transaction is selected it is
// subtracted from the package of each unselected descendant, and those
// descendants are pushed again with their new totals. Older heap entries
// are recognized by their generation and skipped.
var ancestorSelect = func(candidates []Candidate, maxWeight int) []Candidate {
	g := newGraph(candidates)

	pkgFee := make([]uint64, len(candidates))
	pkgSize := make([]int, len(candidates))
	gen := make([]int, len(candidates))

	ph := packageHeap{candidates: candidates, items: make([]pkgEntry, 0, len(candidates))}
	for i := range candidates {
		for _, n := range g.ancestorsOf(i) {
			pkgFee[i] += candidates[n].Fee
			pkgSize[i] += candidates[n].Size
		}
		ph.items = append(ph.items, pkgEntry{idx: i, fee: pkgFee[i], size: pkgSize[i]})
	}
	heap.Init(&ph)

	var final []Candidate
	weight := 0

	for ph.Len() > 0 {
		e := heap.Pop(&ph).(pkgEntry)
		if g.selected[e.idx] || e.gen != gen[e.idx] {
			continue
		}

		// A package that does not fit is set aside. It comes back if one of
		// its ancestors is selected and the package shrinks.
		if weight+e.size > maxWeight {
			continue
		}

		var touched []int
		for _, n := range g.unselected(e.idx) {
			for _, d := range g.descendantsOf(n) {
				pkgFee[d] -= candidates[n].Fee
				pkgSize[d] -= candidates[n].Size
				touched = append(touched, d)
			}

			g.selected[n] = true
			weight += candidates[n].Size
			final = append(final, candidates[n])
		}

		for _, d := range touched {
			if g.selected[d] || g.pushed[d] == g.round {
				continue
			}
			g.pushed[d] = g.round
			gen[d]++
			heap.Push(&ph, pkgEntry{idx: d, fee: pkgFee[d], size: pkgSize[d], gen: gen[d]})
		}
		g.round++
	}

	return final
}

// =============================================================================

// graph holds the parent and child links between candidates by index.
type graph struct {
	candidates []Candidate
	parents    [][]int
	children   [][]int
	selected   []bool

	// Visit stamps let each walk reuse the same slice.
	mark  []int
	stamp int

	pushed []int
	round  int
}

func newGraph(candidates []Candidate) *graph {
	byID := make(map[database.Hash]int, len(candidates))
	for i, c := range candidates {
		byID[c.ID] = i
	}

	g := graph{
		candidates: candidates,
		parents:    make([][]int, len(candidates)),
		children:   make([][]int, len(candidates)),
		selected:   make([]bool, len(candidates)),
		mark:       make([]int, len(candidates)),
		pushed:     make([]int, len(candidates)),
		round:      1,
	}

	for i, c := range candidates {
		for _, p := range c.Parents {
			if pi, exists := byID[p]; exists && pi != i {
				g.parents[i] = append(g.parents[i], pi)
				g.children[pi] = append(g.children[pi], i)
			}
		}
	}

	return &g
}

// walk visits every node reachable from i through next once, i included,
// skipping selected nodes.
func (g *graph) walk(i int, next [][]int) []int {
	g.stamp++

	var out []int
	stack := []int{i}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if g.mark[n] == g.stamp || g.selected[n] {
			continue
		}
		g.mark[n] = g.stamp
		out = append(out, n)

		stack = append(stack, next[n]...)
	}

	return out
}

// ancestorsOf returns i and its unselected ancestors in no order.
func (g *graph) ancestorsOf(i int) []int {
	return g.walk(i, g.parents)
}

// descendantsOf returns the unselected descendants of i, i excluded. The
// node i must not be selected yet.
func (g *graph) descendantsOf(i int) []int {
	return g.walk(i, g.children)[1:]
}

// unselected returns i and its unselected ancestors with parents first.
func (g *graph) unselected(i int) []int {
	g.stamp++

	var order []int
	var visit func(n int)
	visit = func(n int) {
		if g.mark[n] == g.stamp || g.selected[n] {
			return
		}
		g.mark[n] = g.stamp

		for _, p := range g.parents[n] {
			visit(p)
		}
		order = append(order, n)
	}
	visit(i)

	return order
}

// =============================================================================

// pkgEntry is a package offered at the fee and size it had when pushed.
type pkgEntry struct {
	idx  int
	fee  uint64
	size int
	gen  int
}

// packageHeap orders packages by fee rate, highest first.
type packageHeap struct {
	candidates []Candidate
	items      []pkgEntry
}

func (ph *packageHeap) Len() int {
	return len(ph.items)
}

func (ph *packageHeap) Less(i, j int) bool {
	a, b := ph.items[i], ph.items[j]
	return higherRate(a.fee, a.size, ph.candidates[a.idx].ID, b.fee, b.size, ph.candidates[b.idx].ID)
}

func (ph *packageHeap) Swap(i, j int) {
	ph.items[i], ph.items[j] = ph.items[j], ph.items[i]
}

func (ph *packageHeap) Push(x any) {
	ph.items = append(ph.items, x.(pkgEntry))
}

func (ph *packageHeap) Pop() any {
	n := len(ph.items)
	x := ph.items[n-1]
	ph.items = ph.items[:n-1]
	return x
}
