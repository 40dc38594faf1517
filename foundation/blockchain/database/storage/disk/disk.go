// Package disk implements the ability to read and write blocks and chain
// state to disk. Block data is appended to flat files and located through
// a LevelDB index. The chain state lives in a second LevelDB so a whole
// block, or a whole reorganization, can be committed in one batch.
package disk

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/signature"
	"github.com/btcsuite/goleveldb/leveldb"
	lerrors "github.com/btcsuite/goleveldb/leveldb/errors"
	"github.com/btcsuite/goleveldb/leveldb/opt"
	"github.com/btcsuite/goleveldb/leveldb/util"
)

// DefaultMaxFileSize is the size a block file can grow to before a new
// file is started.
const DefaultMaxFileSize = 128 << 20

// recordHeaderSize is the length and checksum stored before every block.
const recordHeaderSize = 8

// Key prefixes used in the databases.
var (
	prefixBlock = []byte("b")
	keyFileNum  = []byte("f")
	keySeq      = []byte("s")
	prefixUTXO  = []byte("u")
	prefixUndo  = []byte("d")
	keyTip      = []byte("t")
)

// location is an index entry pointing at a block in the flat files.
type location struct {
	database.BlockRecord
	File   uint32 `json:"file"`
	Offset uint32 `json:"offset"`
	Length uint32 `json:"length"`
}

// blockFile is the open block file records are appended to.
type blockFile interface {
	io.WriteCloser
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
}

// =============================================================================

// Disk represents the serialization implementation for reading and storing
// blocks and chain state on disk. This implements the database.Storage
// interface.
type Disk struct {
	dir         string
	maxFileSize int64

	mu       sync.Mutex
	index    *leveldb.DB
	state    *leveldb.DB
	file     blockFile
	fileNum  uint32
	fileSize int64
	seq      uint64
}

// WithMaxFileSize changes the size at which a new block file is started.
func WithMaxFileSize(size int64) func(d *Disk) {
	return func(d *Disk) {
		d.maxFileSize = size
	}
}

// New constructs a Disk value for use, creating the directory layout if
// this is a new node.
func New(dir string, options ...func(d *Disk)) (*Disk, error) {
	d := Disk{
		dir:         dir,
		maxFileSize: DefaultMaxFileSize,
	}

	for _, option := range options {
		option(&d)
	}

	if err := os.MkdirAll(filepath.Join(dir, "blocks"), 0755); err != nil {
		return nil, err
	}

	index, err := leveldb.OpenFile(filepath.Join(dir, "blocks", "index"), nil)
	if err != nil {
		return nil, openErr("block index", err)
	}

	state, err := leveldb.OpenFile(filepath.Join(dir, "chainstate"), nil)
	if err != nil {
		index.Close()
		return nil, openErr("chain state", err)
	}

	d.index = index
	d.state = state

	if err := d.loadCounters(); err != nil {
		d.Close()
		return nil, err
	}

	if err := d.openFile(); err != nil {
		d.Close()
		return nil, err
	}

	return &d, nil
}

// Close closes the block file and both databases.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if d.file != nil {
		errs = append(errs, d.file.Close())
		d.file = nil
	}

	if d.index != nil {
		errs = append(errs, d.index.Close())
		d.index = nil
	}

	if d.state != nil {
		errs = append(errs, d.state.Close())
		d.state = nil
	}

	return errors.Join(errs...)
}

// =============================================================================

// WriteBlock appends the block to the current block file and records its
// location in the index. Writing a block that already exists does nothing.
func (d *Disk) WriteBlock(block database.Block, height uint64) error {
	hash := block.Hash()

	d.mu.Lock()
	defer d.mu.Unlock()

	exists, err := d.index.Has(blockKey(hash), nil)
	if err != nil {
		return fmt.Errorf("checking index: %w", err)
	}
	if exists {
		return nil
	}

	data, err := database.EncodeBlock(block)
	if err != nil {
		return err
	}

	if d.fileSize > 0 && d.fileSize+int64(len(data)+recordHeaderSize) > d.maxFileSize {
		if err := d.rotate(); err != nil {
			return err
		}
	}

	// Every record carries its length and a checksum so a torn or damaged
	// record is detected on read.
	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], uint32(len(data)))
	sum := signature.DoubleHash(data)
	copy(header[4:], sum[:4])

	offset := d.fileSize
	if err := d.appendRecord(append(header, data...)); err != nil {
		return err
	}

	d.seq++
	loc := location{
		BlockRecord: database.BlockRecord{
			Hash:   hash,
			Header: block.Header,
			Height: height,
			Status: database.StatusStored,
			Seq:    d.seq,
		},
		File:   d.fileNum,
		Offset: uint32(offset),
		Length: uint32(len(data)),
	}

	value, err := json.Marshal(loc)
	if err != nil {
		return err
	}

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, d.seq)

	batch := new(leveldb.Batch)
	batch.Put(blockKey(hash), value)
	batch.Put(keySeq, seq)

	if err := d.index.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}

	return nil
}

// ReadBlock locates the block through the index and reads it from its
// block file. Any mismatch between the index, the record and the content
// hash is reported as corruption.
func (d *Disk) ReadBlock(hash database.Hash) (database.Block, error) {
	loc, err := d.location(hash)
	if err != nil {
		return database.Block{}, err
	}

	f, err := os.Open(d.filePath(loc.File))
	if err != nil {
		return database.Block{}, fmt.Errorf("%w: opening block file %d: %s", database.ErrCorrupt, loc.File, err)
	}
	defer f.Close()

	buf := make([]byte, recordHeaderSize+int(loc.Length))
	if _, err := f.ReadAt(buf, int64(loc.Offset)); err != nil {
		if errors.Is(err, io.EOF) {
			return database.Block{}, fmt.Errorf("%w: block %s truncated", database.ErrCorrupt, hash)
		}
		return database.Block{}, fmt.Errorf("reading block file %d: %w", loc.File, err)
	}

	length := binary.LittleEndian.Uint32(buf[:4])
	if length != loc.Length {
		return database.Block{}, fmt.Errorf("%w: block %s length mismatch", database.ErrCorrupt, hash)
	}

	data := buf[recordHeaderSize:]
	sum := signature.DoubleHash(data)
	if string(sum[:4]) != string(buf[4:8]) {
		return database.Block{}, fmt.Errorf("%w: block %s checksum mismatch", database.ErrCorrupt, hash)
	}

	block, err := database.DecodeBlock(data)
	if err != nil {
		return database.Block{}, fmt.Errorf("%w: %s", database.ErrCorrupt, err)
	}

	if block.Hash() != hash {
		return database.Block{}, fmt.Errorf("%w: block content does not match hash %s", database.ErrCorrupt, hash)
	}

	return block, nil
}

// HasBlock reports whether the block is stored.
func (d *Disk) HasBlock(hash database.Hash) bool {
	exists, err := d.index.Has(blockKey(hash), nil)
	return err == nil && exists
}

// SetStatus updates the status of a stored block.
func (d *Disk) SetStatus(hash database.Hash, status database.BlockStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	loc, err := d.location(hash)
	if err != nil {
		return err
	}

	loc.Status = status

	value, err := json.Marshal(loc)
	if err != nil {
		return err
	}

	return d.index.Put(blockKey(hash), value, &opt.WriteOptions{Sync: true})
}

// ForEachBlock calls fn for the record of every stored block.
func (d *Disk) ForEachBlock(fn func(rec database.BlockRecord) error) error {
	iter := d.index.NewIterator(util.BytesPrefix(prefixBlock), nil)
	defer iter.Release()

	for iter.Next() {
		var loc location
		if err := json.Unmarshal(iter.Value(), &loc); err != nil {
			return fmt.Errorf("%w: index record: %s", database.ErrCorrupt, err)
		}

		if err := fn(loc.BlockRecord); err != nil {
			return err
		}
	}

	return iter.Error()
}

// =============================================================================

// Commit applies the chain state changes in a single synced batch.
func (d *Disk) Commit(c database.Commit) error {
	batch := new(leveldb.Batch)

	for _, op := range c.Deletes {
		batch.Delete(utxoKey(op))
	}

	for op, u := range c.Adds {
		value, err := json.Marshal(u)
		if err != nil {
			return err
		}
		batch.Put(utxoKey(op), value)
	}

	for _, hash := range c.DeleteUndo {
		batch.Delete(undoKey(hash))
	}

	for _, u := range c.PutUndo {
		value, err := json.Marshal(u)
		if err != nil {
			return err
		}
		batch.Put(undoKey(u.BlockHash), value)
	}

	batch.Put(keyTip, c.Tip[:])

	if err := d.state.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("committing chain state: %w", err)
	}

	return nil
}

// ReadUndo returns the undo data for the specified block.
func (d *Disk) ReadUndo(hash database.Hash) (database.Undo, error) {
	value, err := d.state.Get(undoKey(hash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return database.Undo{}, database.ErrNotFound
		}
		return database.Undo{}, readErr("undo", err)
	}

	var u database.Undo
	if err := json.Unmarshal(value, &u); err != nil {
		return database.Undo{}, fmt.Errorf("%w: undo %s: %s", database.ErrCorrupt, hash, err)
	}

	if u.BlockHash != hash {
		return database.Undo{}, fmt.Errorf("%w: undo record does not match block %s", database.ErrCorrupt, hash)
	}

	return u, nil
}

// ForEachUTXO calls fn for every stored unspent output.
func (d *Disk) ForEachUTXO(fn func(op database.OutPoint, u database.UTXO) error) error {
	iter := d.state.NewIterator(util.BytesPrefix(prefixUTXO), nil)
	defer iter.Release()

	for iter.Next() {
		op, err := outPointFromKey(iter.Key())
		if err != nil {
			return err
		}

		var u database.UTXO
		if err := json.Unmarshal(iter.Value(), &u); err != nil {
			return fmt.Errorf("%w: utxo %s: %s", database.ErrCorrupt, op, err)
		}

		if err := fn(op, u); err != nil {
			return err
		}
	}

	return iter.Error()
}

// BestTip returns the hash of the last committed best tip.
func (d *Disk) BestTip() (database.Hash, error) {
	value, err := d.state.Get(keyTip, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return database.Hash{}, database.ErrNotFound
		}
		return database.Hash{}, readErr("best tip", err)
	}

	if len(value) != database.HashLength {
		return database.Hash{}, fmt.Errorf("%w: best tip record", database.ErrCorrupt)
	}

	var h database.Hash
	copy(h[:], value)

	return h, nil
}

// =============================================================================

func (d *Disk) location(hash database.Hash) (location, error) {
	value, err := d.index.Get(blockKey(hash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return location{}, database.ErrNotFound
		}
		return location{}, readErr("block index", err)
	}

	var loc location
	if err := json.Unmarshal(value, &loc); err != nil {
		return location{}, fmt.Errorf("%w: index record %s: %s", database.ErrCorrupt, hash, err)
	}

	return loc, nil
}

func (d *Disk) loadCounters() error {
	value, err := d.index.Get(keyFileNum, nil)
	switch {
	case err == nil:
		if len(value) != 4 {
			return fmt.Errorf("%w: file number record", database.ErrCorrupt)
		}
		d.fileNum = binary.BigEndian.Uint32(value)
	case !errors.Is(err, leveldb.ErrNotFound):
		return readErr("file number", err)
	}

	value, err = d.index.Get(keySeq, nil)
	switch {
	case err == nil:
		if len(value) != 8 {
			return fmt.Errorf("%w: sequence record", database.ErrCorrupt)
		}
		d.seq = binary.BigEndian.Uint64(value)
	case !errors.Is(err, leveldb.ErrNotFound):
		return readErr("sequence", err)
	}

	return nil
}

func (d *Disk) openFile() error {
	f, err := os.OpenFile(d.filePath(d.fileNum), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	d.file = f
	d.fileSize = info.Size()

	return nil
}

// appendRecord writes the record to the end of the block file. When the
// write fails the file is cut back to fileSize so the next record starts
// where the index expects it.
func (d *Disk) appendRecord(record []byte) error {
	_, err := d.file.Write(record)
	if err != nil {
		err = fmt.Errorf("writing block file: %w", err)
	} else if err = d.file.Sync(); err != nil {
		err = fmt.Errorf("syncing block file: %w", err)
	}

	if err == nil {
		d.fileSize += int64(len(record))
		return nil
	}

	if terr := d.file.Truncate(d.fileSize); terr != nil {
		info, serr := d.file.Stat()
		if serr != nil {
			return errors.Join(err, terr, serr)
		}
		d.fileSize = info.Size()
		return errors.Join(err, terr)
	}

	return err
}

func (d *Disk) rotate() error {
	if err := d.file.Close(); err != nil {
		return err
	}

	d.fileNum++

	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, d.fileNum)
	if err := d.index.Put(keyFileNum, value, &opt.WriteOptions{Sync: true}); err != nil {
		return err
	}

	return d.openFile()
}

func (d *Disk) filePath(num uint32) string {
	return filepath.Join(d.dir, "blocks", fmt.Sprintf("blk%05d.dat", num))
}

// =============================================================================

func blockKey(hash database.Hash) []byte {
	return append(append([]byte{}, prefixBlock...), hash[:]...)
}

func undoKey(hash database.Hash) []byte {
	return append(append([]byte{}, prefixUndo...), hash[:]...)
}

func utxoKey(op database.OutPoint) []byte {
	key := make([]byte, 0, len(prefixUTXO)+database.HashLength+4)
	key = append(key, prefixUTXO...)
	key = append(key, op.TxID[:]...)
	return binary.BigEndian.AppendUint32(key, op.Index)
}

func outPointFromKey(key []byte) (database.OutPoint, error) {
	if len(key) != len(prefixUTXO)+database.HashLength+4 {
		return database.OutPoint{}, fmt.Errorf("%w: utxo key length %d", database.ErrCorrupt, len(key))
	}

	var op database.OutPoint
	copy(op.TxID[:], key[len(prefixUTXO):len(prefixUTXO)+database.HashLength])
	op.Index = binary.BigEndian.Uint32(key[len(prefixUTXO)+database.HashLength:])

	return op, nil
}

func openErr(name string, err error) error {
	if lerrors.IsCorrupted(err) {
		return fmt.Errorf("%w: opening %s: %s", database.ErrCorrupt, name, err)
	}
	return fmt.Errorf("opening %s: %w", name, err)
}

func readErr(name string, err error) error {
	if lerrors.IsCorrupted(err) {
		return fmt.Errorf("%w: reading %s: %s", database.ErrCorrupt, name, err)
	}
	return fmt.Errorf("reading %s: %w", name, err)
}
