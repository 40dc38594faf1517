// Package selector provides different transaction selecting algorithms.
package selector

import (
	"bytes"
	"fmt"
	"math/bits"
	"sort"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
)

// List of different select strategies.
const (
	StrategyFeeRate  = "feerate"
	StrategyAncestor = "ancestor"
)

// Map of different select strategies with functions.
var strategies = map[string]Func{
	StrategyFeeRate:  feeRateSelect,
	StrategyAncestor: ancestorSelect,
}

// Candidate is a mempool transaction offered to a selector. Parents lists
// the candidates this transaction spends outputs of.
type Candidate struct {
	ID      database.Hash
	Tx      database.Tx
	Fee     uint64
	Size    int
	Parents []database.Hash
}

// Func defines a function that takes the mempool candidates and selects the
// transactions for the next block without going over maxWeight. All
// selector functions MUST place a transaction after every parent it has in
// the candidates.
type Func func(candidates []Candidate, maxWeight int) []Candidate

// Retrieve returns the specified select strategy function.
func Retrieve(strategy string) (Func, error) {
	fn, exists := strategies[strategy]
	if !exists {
		return nil, fmt.Errorf("strategy %q does not exist", strategy)
	}
	return fn, nil
}

// SortByFeeRate orders the candidates by their own fee rate, highest first.
// Ancestor order is not considered.
func SortByFeeRate(candidates []Candidate) {
	sort.Sort(byFeeRate(candidates))
}

// =============================================================================

// higherRate reports whether fee a over size a pays more per byte than fee b
// over size b. The cross products are compared as 128 bit values. Ties go
// to the lower id so the order is deterministic.
func higherRate(feeA uint64, sizeA int, idA database.Hash, feeB uint64, sizeB int, idB database.Hash) bool {
	leftHi, leftLo := bits.Mul64(feeA, uint64(max(sizeB, 1)))
	rightHi, rightLo := bits.Mul64(feeB, uint64(max(sizeA, 1)))

	switch {
	case leftHi != rightHi:
		return leftHi > rightHi
	case leftLo != rightLo:
		return leftLo > rightLo
	}

	return bytes.Compare(idA[:], idB[:]) < 0
}

// byFeeRate provides sorting support by fee rate in descending order.
type byFeeRate []Candidate

// Len returns the number of transactions in the list.
func (br byFeeRate) Len() int {
	return len(br)
}

// Less helps to sort the list by fee rate in descending order to pick the
// transactions that provide the best reward.
func (br byFeeRate) Less(i, j int) bool {
	return higherRate(br[i].Fee, br[i].Size, br[i].ID, br[j].Fee, br[j].Size, br[j].ID)
}

// Swap moves transactions in the order of the fee rate.
func (br byFeeRate) Swap(i, j int) {
	br[i], br[j] = br[j], br[i]
}
