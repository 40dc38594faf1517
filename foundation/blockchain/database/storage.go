package database

import "errors"

// Set of errors returned by storage implementations.
var (
	ErrNotFound = errors.New("not found")
	ErrCorrupt  = errors.New("storage corrupted")
)

// BlockStatus represents what is known about a stored block.
type BlockStatus uint8

// Set of block statuses.
const (
	StatusStored  BlockStatus = iota // Data is stored, block not yet connected.
	StatusValid                      // Block has been fully validated and connected.
	StatusInvalid                    // Block, or one of its ancestors, failed validation.
)

// String implements the Stringer interface.
func (s BlockStatus) String() string {
	switch s {
	case StatusStored:
		return "stored"
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// BlockRecord is the index entry kept for every stored block.
type BlockRecord struct {
	Hash   Hash        `json:"hash"`
	Header BlockHeader `json:"header"`
	Height uint64      `json:"height"`
	Status BlockStatus `json:"status"`
	Seq    uint64      `json:"seq"` // Order the block was first stored.
}

// Commit is a set of chain state changes that must be applied atomically.
type Commit struct {
	Tip        Hash
	Adds       map[OutPoint]UTXO
	Deletes    []OutPoint
	PutUndo    []Undo
	DeleteUndo []Hash
}

// Storage interface represents the behavior required to be implemented by
// any package providing support for persisting the blockchain. Blocks are
// content addressed by their hash. The chain state (utxo set, undo data and
// best tip) is kept separately and only changes through Commit.
type Storage interface {
	WriteBlock(block Block, height uint64) error
	ReadBlock(hash Hash) (Block, error)
	HasBlock(hash Hash) bool
	SetStatus(hash Hash, status BlockStatus) error
	ForEachBlock(fn func(rec BlockRecord) error) error

	Commit(c Commit) error
	ReadUndo(hash Hash) (Undo, error)
	ForEachUTXO(fn func(op OutPoint, u UTXO) error) error
	BestTip() (Hash, error)

	Close() error
}
