package database

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ardanlabs/utxonode/foundation/blockchain/merkle"
	"github.com/ardanlabs/utxonode/foundation/blockchain/signature"
)

// BlockHeader represents common information required for each block.
type BlockHeader struct {
	Version       uint32 `json:"version"`         // Bitcoin: Block version.
	PrevBlockHash Hash   `json:"prev_block_hash"` // Bitcoin: Hash of the previous block in the chain.
	MerkleRoot    Hash   `json:"merkle_root"`     // Bitcoin: Merkle tree root hash for the transactions in this block.
	TimeStamp     uint64 `json:"timestamp"`       // Bitcoin: Time the block was mined in unix seconds.
	Bits          uint32 `json:"bits"`            // Bitcoin: Compact representation of the target.
	Nonce         uint64 `json:"nonce"`           // Bitcoin: Value identified to solve the hash solution.
}

// Hash returns the unique hash for the header.
func (h BlockHeader) Hash() Hash {

	// CORE NOTE: Hashing the block header and not the whole block so the
	// blockchain can be cryptographically checked by only needing block
	// headers. The merkle root commits the header to the transactions.

	return Hash(signature.Hash(h))
}

// =============================================================================

// Block represents a group of transactions batched together. The first
// transaction is always the coinbase.
type Block struct {
	Header BlockHeader `json:"header"`
	Txs    []Tx        `json:"txs"`
}

// Hash returns the unique hash for the Block.
func (b Block) Hash() Hash {
	return b.Header.Hash()
}

// Size returns the number of bytes of the canonical encoding.
func (b Block) Size() int {
	data, err := json.Marshal(b)
	if err != nil {
		return 0
	}

	return len(data)
}

// CalcMerkleRoot computes the merkle root over the transaction ids.
func CalcMerkleRoot(txs []Tx) (Hash, error) {
	tree, err := merkle.NewTree(txs)
	if err != nil {
		return Hash{}, err
	}

	var h Hash
	copy(h[:], tree.MerkleRoot)

	return h, nil
}

// DecodeBlock decodes the canonical encoding of a block. Unknown fields
// are rejected.
func DecodeBlock(data []byte) (Block, error) {
	var block Block
	if err := decodeStrict(data, &block); err != nil {
		return Block{}, fmt.Errorf("decoding block: %w", err)
	}

	return block, nil
}

// EncodeBlock returns the canonical encoding of a block.
func EncodeBlock(block Block) ([]byte, error) {
	return json.Marshal(block)
}

// =============================================================================

// POWArgs represents the set of arguments required to run POW.
type POWArgs struct {
	PrevBlockHash Hash
	Bits          uint32
	TimeStamp     uint64
	Txs           []Tx
	EvHandler     func(v string, args ...any)
}

// POW constructs a new Block and performs the work to find a nonce that
// solves the cryptographic POW puzzle.
func POW(ctx context.Context, args POWArgs) (Block, error) {
	if len(args.Txs) == 0 || !args.Txs[0].IsCoinbase() {
		return Block{}, errors.New("block must start with a coinbase transaction")
	}

	// Construct a merkle tree from the transactions for this block. The
	// root of this tree will be part of the block to be mined.
	root, err := CalcMerkleRoot(args.Txs)
	if err != nil {
		return Block{}, err
	}

	// Construct the block to be mined.
	nb := Block{
		Header: BlockHeader{
			Version:       1,
			PrevBlockHash: args.PrevBlockHash,
			MerkleRoot:    root,
			TimeStamp:     args.TimeStamp,
			Bits:          args.Bits,
			Nonce:         0, // Will be identified by the POW algorithm.
		},
		Txs: args.Txs,
	}

	ev := args.EvHandler
	if ev == nil {
		ev = func(v string, args ...any) {}
	}

	// Perform the proof of work mining operation.
	if err := nb.performPOW(ctx, ev); err != nil {
		return Block{}, err
	}

	return nb, nil
}

// performPOW does the work of mining to find a valid hash for a specified
// block. Pointer semantics are being used since a nonce is being discovered.
func (b *Block) performPOW(ctx context.Context, ev func(v string, args ...any)) error {
	ev("database: PerformPOW: MINING: started")
	defer ev("database: PerformPOW: MINING: completed")

	// Log the transactions that are a part of this potential block.
	for _, tx := range b.Txs {
		ev("database: PerformPOW: MINING: tx[%s]", tx)
	}

	target := CompactToBig(b.Header.Bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("invalid target for bits %08x", b.Header.Bits)
	}

	// Choose a random starting point for the nonce. After this, the nonce
	// will be incremented by 1 until a solution is found by us or another node.
	nBig, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return err
	}
	b.Header.Nonce = nBig.Uint64()

	// Loop until we or another node finds a solution for the next block.
	var attempts uint64
	for {
		attempts++
		if attempts%1_000_000 == 0 {
			ev("database: PerformPOW: MINING: attempts[%d]", attempts)
		}

		// Did we timeout trying to solve the problem.
		if ctx.Err() != nil {
			ev("database: PerformPOW: MINING: CANCELLED")
			return ctx.Err()
		}

		// Hash the block and check if we have solved the puzzle.
		hash := b.Hash()
		if HashToBig(hash).Cmp(target) > 0 {
			b.Header.Nonce++
			continue
		}

		ev("database: PerformPOW: MINING: SOLVED: prevBlk[%s]: newBlk[%s]", b.Header.PrevBlockHash, hash)
		ev("database: PerformPOW: MINING: attempts[%d]", attempts)

		return nil
	}
}
