package selector

import (
	"container/heap"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
)

// feeRateSelect returns transactions by their own fee rate. A transaction
// only becomes ready once every parent has been selected, so a well paying
// child waits behind a poorly paying parent.
var feeRateSelect = func(candidates []Candidate, maxWeight int) []Candidate {
	byID := make(map[database.Hash]int, len(candidates))
	for i, c := range candidates {
		byID[c.ID] = i
	}

	// Count the parents each candidate is waiting on and record who waits.
	waiting := make([]int, len(candidates))
	children := make(map[database.Hash][]int)
	for i, c := range candidates {
		for _, p := range c.Parents {
			if _, exists := byID[p]; exists {
				waiting[i]++
				children[p] = append(children[p], i)
			}
		}
	}

	ready := &readyHeap{candidates: candidates}
	for i := range candidates {
		if waiting[i] == 0 {
			ready.items = append(ready.items, i)
		}
	}
	heap.Init(ready)

	var final []Candidate
	weight := 0
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		c := candidates[i]

		// A transaction that does not fit is skipped and its descendants
		// never become ready.
		if weight+c.Size > maxWeight {
			continue
		}

		weight += c.Size
		final = append(final, c)

		for _, child := range children[c.ID] {
			waiting[child]--
			if waiting[child] == 0 {
				heap.Push(ready, child)
			}
		}
	}

	return final
}

// =============================================================================

// readyHeap orders candidate indexes by fee rate, highest first.
type readyHeap struct {
	candidates []Candidate
	items      []int
}

func (rh *readyHeap) Len() int {
	return len(rh.items)
}

func (rh *readyHeap) Less(i, j int) bool {
	a := rh.candidates[rh.items[i]]
	b := rh.candidates[rh.items[j]]
	return higherRate(a.Fee, a.Size, a.ID, b.Fee, b.Size, b.ID)
}

func (rh *readyHeap) Swap(i, j int) {
	rh.items[i], rh.items[j] = rh.items[j], rh.items[i]
}

func (rh *readyHeap) Push(x any) {
	rh.items = append(rh.items, x.(int))
}

func (rh *readyHeap) Pop() any {
	n := len(rh.items)
	x := rh.items[n-1]
	rh.items = rh.items[:n-1]
	return x
}
