// Copyright 2017 Cameron Bergoon
// https://github.com/cbergoon/merkletree
// Licensed under the MIT License, see LICENCE file for details.
// This code has been cleaned up, refactored, and turned into generics.

// Package merkle provides an implementation of a merkle tree for validation
// support for the blockchain. The tree is stored as a set of levels where
// an odd level duplicates its last hash, the same way Bitcoin computes the
// transaction root of a block.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Hashable represents the behavior concrete data must exhibit to be used in
// the merkle tree.
type Hashable[T any] interface {
	Hash() ([]byte, error)
	Equals(other T) bool
}

// Proof order values tell a verifier on which side the proof hash sits.
const (
	ProofLeft  int64 = 0
	ProofRight int64 = 1
)

// =============================================================================

// Tree represents a merkle tree that uses data of some type T that exhibits the
// behavior defined by the Hashable constraint.
type Tree[T Hashable[T]] struct {
	Values       []T
	Levels       [][][]byte
	MerkleRoot   []byte
	hashStrategy func() hash.Hash
}

// WithHashStrategy is used to change the default hash strategy of using sha256
// when constructing a new tree.
func WithHashStrategy[T Hashable[T]](hashStrategy func() hash.Hash) func(t *Tree[T]) {
	return func(t *Tree[T]) {
		t.hashStrategy = hashStrategy
	}
}

// NewTree constructs a new merkle tree that uses data of some type T that
// exhibits the behavior defined by the Hashable interface.
func NewTree[T Hashable[T]](values []T, options ...func(t *Tree[T])) (*Tree[T], error) {
	t := Tree[T]{
		hashStrategy: sha256.New,
	}

	for _, option := range options {
		option(&t)
	}

	if err := t.Generate(values); err != nil {
		return nil, err
	}

	return &t, nil
}

// Generate constructs the levels of the tree from the specified data. If the
// tree has been generated previously, the tree is re-generated from scratch.
func (t *Tree[T]) Generate(values []T) error {
	if len(values) == 0 {
		return errors.New("cannot construct tree with no content")
	}

	leafs := make([][]byte, len(values))
	for i, value := range values {
		h, err := value.Hash()
		if err != nil {
			return fmt.Errorf("hashing leaf %d: %w", i, err)
		}
		leafs[i] = h
	}

	levels := [][][]byte{leafs}
	for level := leafs; len(level) > 1; {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := i + 1
			if right == len(level) {
				right = i
			}

			h, err := t.combine(level[i], level[right])
			if err != nil {
				return err
			}
			next = append(next, h)
		}

		levels = append(levels, next)
		level = next
	}

	t.Values = values
	t.Levels = levels
	t.MerkleRoot = levels[len(levels)-1][0]

	return nil
}

// Proof returns the set of hashes and the order of concatenating those
// hashes for proving a value is in the tree. An order of ProofLeft says the
// proof hash comes first when concatenating.
func (t *Tree[T]) Proof(data T) ([][]byte, []int64, error) {
	idx := -1
	for i, value := range t.Values {
		if value.Equals(data) {
			idx = i
			break
		}
	}

	if idx == -1 {
		return nil, nil, errors.New("unable to find data in tree")
	}

	var proof [][]byte
	var order []int64

	for _, level := range t.Levels[:len(t.Levels)-1] {
		switch {
		case idx%2 == 1:
			proof = append(proof, level[idx-1])
			order = append(order, ProofLeft)

		case idx+1 < len(level):
			proof = append(proof, level[idx+1])
			order = append(order, ProofRight)

		default:
			proof = append(proof, level[idx])
			order = append(order, ProofRight)
		}

		idx /= 2
	}

	return proof, order, nil
}

// VerifyData indicates whether a given piece of data is in the tree by
// walking its proof back up to the root.
func (t *Tree[T]) VerifyData(data T) error {
	proof, order, err := t.Proof(data)
	if err != nil {
		return err
	}

	leaf, err := data.Hash()
	if err != nil {
		return err
	}

	return VerifyProof(leaf, proof, order, t.MerkleRoot, t.hashStrategy)
}

// RootHex converts the merkle root byte hash to a hex encoded string.
func (t *Tree[T]) RootHex() string {
	return hexutil.Encode(t.MerkleRoot)
}

// combine hashes the concatenation of two child hashes.
func (t *Tree[T]) combine(left []byte, right []byte) ([]byte, error) {
	return combine(t.hashStrategy, left, right)
}

// =============================================================================

// VerifyProof recomputes the root from a leaf hash and its proof and compares
// it against the expected root. A nil hash strategy means sha256.
func VerifyProof(leaf []byte, proof [][]byte, order []int64, root []byte, hashStrategy func() hash.Hash) error {
	if len(proof) != len(order) {
		return errors.New("proof and order length mismatch")
	}

	if hashStrategy == nil {
		hashStrategy = sha256.New
	}

	current := leaf
	for i, p := range proof {
		var err error
		switch order[i] {
		case ProofLeft:
			current, err = combine(hashStrategy, p, current)
		default:
			current, err = combine(hashStrategy, current, p)
		}
		if err != nil {
			return err
		}
	}

	if !bytes.Equal(current, root) {
		return errors.New("merkle root is not equivalent to the merkle root calculated on the critical path")
	}

	return nil
}

func combine(hashStrategy func() hash.Hash, left []byte, right []byte) ([]byte, error) {
	h := hashStrategy()

	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left...)
	buf = append(buf, right...)

	if _, err := h.Write(buf); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}
