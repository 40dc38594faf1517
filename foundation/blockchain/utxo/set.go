// Package utxo maintains the set of unspent transaction outputs for the best
// chain and the views used to validate blocks against it without changing it.
package utxo

import (
	"bytes"
	"slices"
	"sync"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/dolthub/swiss"
)

// initialSize is the number of outputs the set is sized for at construction.
const initialSize = 1 << 16

// Source represents anything outputs can be looked up in.
type Source interface {
	Get(op database.OutPoint) (database.UTXO, bool)
}

// Entry pairs an outpoint with its unspent output.
type Entry struct {
	OutPoint database.OutPoint `json:"outpoint"`
	UTXO     database.UTXO     `json:"utxo"`
}

// Changes is the set of additions and deletions a view has made to its base.
type Changes struct {
	Adds    map[database.OutPoint]database.UTXO
	Deletes []database.OutPoint
}

// =============================================================================

// Set is the authoritative in memory set of unspent outputs, indexed by
// outpoint and by owning address.
type Set struct {
	mu     sync.RWMutex
	utxos  *swiss.Map[database.OutPoint, database.UTXO]
	byAddr map[database.Address]map[database.OutPoint]struct{}
}

// NewSet constructs an empty set.
func NewSet() *Set {
	return &Set{
		utxos:  swiss.NewMap[database.OutPoint, database.UTXO](initialSize),
		byAddr: make(map[database.Address]map[database.OutPoint]struct{}),
	}
}

// Load replaces the contents of the set with the outputs held in storage.
func (s *Set) Load(store database.Storage) error {
	utxos := swiss.NewMap[database.OutPoint, database.UTXO](initialSize)
	byAddr := make(map[database.Address]map[database.OutPoint]struct{})

	err := store.ForEachUTXO(func(op database.OutPoint, u database.UTXO) error {
		utxos.Put(op, u)
		index(byAddr, op, u.Output.Address)
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.utxos = utxos
	s.byAddr = byAddr

	return nil
}

// Get returns the unspent output for the outpoint.
func (s *Set) Get(op database.OutPoint) (database.UTXO, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.utxos.Get(op)
}

// Count returns the number of unspent outputs.
func (s *Set) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.utxos.Count()
}

// Balance returns the sum of every unspent output owned by the address.
func (s *Set) Balance(addr database.Address) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total uint64
	for op := range s.byAddr[addr] {
		if u, exists := s.utxos.Get(op); exists {
			total += u.Output.Value
		}
	}

	return total
}

// Unspent returns every unspent output owned by the address in outpoint order.
func (s *Set) Unspent(addr database.Address) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.byAddr[addr]))
	for op := range s.byAddr[addr] {
		if u, exists := s.utxos.Get(op); exists {
			entries = append(entries, Entry{OutPoint: op, UTXO: u})
		}
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		return CompareOutPoints(a.OutPoint, b.OutPoint)
	})

	return entries
}

// Apply makes the changes to the set as one unit.
func (s *Set) Apply(c Changes) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range c.Deletes {
		if u, exists := s.utxos.Get(op); exists {
			unindex(s.byAddr, op, u.Output.Address)
			s.utxos.Delete(op)
		}
	}

	for op, u := range c.Adds {
		if old, exists := s.utxos.Get(op); exists {
			unindex(s.byAddr, op, old.Output.Address)
		}
		s.utxos.Put(op, u)
		index(s.byAddr, op, u.Output.Address)
	}
}

// Snapshot returns a copy of the whole set.
func (s *Set) Snapshot() map[database.OutPoint]database.UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cpy := make(map[database.OutPoint]database.UTXO, s.utxos.Count())
	s.utxos.Iter(func(op database.OutPoint, u database.UTXO) (stop bool) {
		cpy[op] = u
		return false
	})

	return cpy
}

// CompareOutPoints orders outpoints by transaction id and then index.
func CompareOutPoints(a, b database.OutPoint) int {
	if c := bytes.Compare(a.TxID[:], b.TxID[:]); c != 0 {
		return c
	}

	switch {
	case a.Index < b.Index:
		return -1
	case a.Index > b.Index:
		return 1
	}

	return 0
}

// =============================================================================

func index(byAddr map[database.Address]map[database.OutPoint]struct{}, op database.OutPoint, addr database.Address) {
	ops, exists := byAddr[addr]
	if !exists {
		ops = make(map[database.OutPoint]struct{})
		byAddr[addr] = ops
	}
	ops[op] = struct{}{}
}

func unindex(byAddr map[database.Address]map[database.OutPoint]struct{}, op database.OutPoint, addr database.Address) {
	ops := byAddr[addr]
	delete(ops, op)
	if len(ops) == 0 {
		delete(byAddr, addr)
	}
}
