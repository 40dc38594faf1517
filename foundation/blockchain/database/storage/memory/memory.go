// Package memory implements the ability to read and write blocks and chain
// state to memory using maps.
package memory

import (
	"fmt"
	"sync"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
)

// Memory represents the serialization implementation for reading and storing
// blocks and chain state in memory. This implements the database.Storage
// interface.
type Memory struct {
	mu      sync.RWMutex
	blocks  map[database.Hash][]byte
	records map[database.Hash]database.BlockRecord
	utxos   map[database.OutPoint]database.UTXO
	undo    map[database.Hash]database.Undo
	tip     database.Hash
	hasTip  bool
	seq     uint64
}

// New constructs a Memory value for use.
func New() *Memory {
	return &Memory{
		blocks:  make(map[database.Hash][]byte),
		records: make(map[database.Hash]database.BlockRecord),
		utxos:   make(map[database.OutPoint]database.UTXO),
		undo:    make(map[database.Hash]database.Undo),
	}
}

// Close in this implementation has nothing to do since everything
// is in memory.
func (m *Memory) Close() error {
	return nil
}

// WriteBlock stores the block by its hash. Writing a block that already
// exists does nothing.
func (m *Memory) WriteBlock(block database.Block, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := block.Hash()
	if _, exists := m.records[hash]; exists {
		return nil
	}

	data, err := database.EncodeBlock(block)
	if err != nil {
		return err
	}

	m.seq++
	m.blocks[hash] = data
	m.records[hash] = database.BlockRecord{
		Hash:   hash,
		Header: block.Header,
		Height: height,
		Status: database.StatusStored,
		Seq:    m.seq,
	}

	return nil
}

// ReadBlock returns the block for the specified hash.
func (m *Memory) ReadBlock(hash database.Hash) (database.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.blocks[hash]
	if !exists {
		return database.Block{}, database.ErrNotFound
	}

	block, err := database.DecodeBlock(data)
	if err != nil {
		return database.Block{}, fmt.Errorf("%w: %s", database.ErrCorrupt, err)
	}

	return block, nil
}

// HasBlock reports whether the block is stored.
func (m *Memory) HasBlock(hash database.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.records[hash]
	return exists
}

// SetStatus updates the status of a stored block.
func (m *Memory) SetStatus(hash database.Hash, status database.BlockStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[hash]
	if !exists {
		return database.ErrNotFound
	}

	rec.Status = status
	m.records[hash] = rec

	return nil
}

// ForEachBlock calls fn for the record of every stored block.
func (m *Memory) ForEachBlock(fn func(rec database.BlockRecord) error) error {
	m.mu.RLock()
	recs := make([]database.BlockRecord, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}

	return nil
}

// =============================================================================

// Commit applies the chain state changes as one unit.
func (m *Memory) Commit(c database.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range c.Deletes {
		delete(m.utxos, op)
	}

	for op, u := range c.Adds {
		m.utxos[op] = u
	}

	for _, hash := range c.DeleteUndo {
		delete(m.undo, hash)
	}

	for _, u := range c.PutUndo {
		m.undo[u.BlockHash] = u
	}

	m.tip = c.Tip
	m.hasTip = true

	return nil
}

// ReadUndo returns the undo data for the specified block.
func (m *Memory) ReadUndo(hash database.Hash) (database.Undo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, exists := m.undo[hash]
	if !exists {
		return database.Undo{}, database.ErrNotFound
	}

	return u, nil
}

// ForEachUTXO calls fn for every stored unspent output.
func (m *Memory) ForEachUTXO(fn func(op database.OutPoint, u database.UTXO) error) error {
	m.mu.RLock()
	cpy := make(map[database.OutPoint]database.UTXO, len(m.utxos))
	for op, u := range m.utxos {
		cpy[op] = u
	}
	m.mu.RUnlock()

	for op, u := range cpy {
		if err := fn(op, u); err != nil {
			return err
		}
	}

	return nil
}

// BestTip returns the hash of the last committed best tip.
func (m *Memory) BestTip() (database.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.hasTip {
		return database.Hash{}, database.ErrNotFound
	}

	return m.tip, nil
}
