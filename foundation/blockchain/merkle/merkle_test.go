// Copyright 2017 Cameron Bergoon
// https://github.com/cbergoon/merkletree
// Licensed under the MIT License, see LICENCE file for details.

package merkle_test

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"testing"

	"github.com/ardanlabs/utxonode/foundation/blockchain/merkle"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

// Data uses the sha256 hashing algorithm for the merkle tree.
type Data struct {
	x string
}

// Hash hashes the values using sha256.
func (d Data) Hash() ([]byte, error) {
	h := sha256.Sum256([]byte(d.x))
	return h[:], nil
}

// Equals tests for equality of two piece of data.
func (d Data) Equals(other Data) bool {
	return d.x == other.x
}

func pair(a, b []byte) []byte {
	h := sha256.Sum256(append(append([]byte{}, a...), b...))
	return h[:]
}

func leaf(s string) []byte {
	h, _ := Data{x: s}.Hash()
	return h
}

// =============================================================================

func Test_Root(t *testing.T) {
	type table struct {
		name string
		data []Data
		root []byte
	}

	tt := []table{
		{
			name: "single",
			data: []Data{{x: "a"}},
			root: leaf("a"),
		},
		{
			name: "even",
			data: []Data{{x: "a"}, {x: "b"}, {x: "c"}, {x: "d"}},
			root: pair(pair(leaf("a"), leaf("b")), pair(leaf("c"), leaf("d"))),
		},
		{
			name: "odd",
			data: []Data{{x: "a"}, {x: "b"}, {x: "c"}},
			root: pair(pair(leaf("a"), leaf("b")), pair(leaf("c"), leaf("c"))),
		},
		{
			name: "odd-intermediate",
			data: []Data{{x: "a"}, {x: "b"}, {x: "c"}, {x: "d"}, {x: "e"}},
			root: func() []byte {
				l := pair(pair(leaf("a"), leaf("b")), pair(leaf("c"), leaf("d")))
				r := pair(pair(leaf("e"), leaf("e")), pair(leaf("e"), leaf("e")))
				return pair(l, r)
			}(),
		},
	}

	t.Log("Given the need to calculate merkle roots.")
	{
		for testID, tst := range tt {
			f := func(t *testing.T) {
				t.Logf("\tTest %d:\tWhen handling %d values.", testID, len(tst.data))
				{
					tree, err := merkle.NewTree(tst.data)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to build the tree: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to build the tree.", success, testID)

					if !bytes.Equal(tree.MerkleRoot, tst.root) {
						t.Logf("\t%s\tTest %d:\tgot: %x", failed, testID, tree.MerkleRoot)
						t.Logf("\t%s\tTest %d:\texp: %x", failed, testID, tst.root)
						t.Fatalf("\t%s\tTest %d:\tShould get back the right root.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould get back the right root.", success, testID)

					for _, d := range tst.data {
						if err := tree.VerifyData(d); err != nil {
							t.Fatalf("\t%s\tTest %d:\tShould verify %q: %v", failed, testID, d.x, err)
						}
					}
					t.Logf("\t%s\tTest %d:\tShould verify every value with its proof.", success, testID)
				}
			}

			t.Run(tst.name, f)
		}
	}
}

func Test_Proof(t *testing.T) {
	data := []Data{{x: "a"}, {x: "b"}, {x: "c"}, {x: "d"}, {x: "e"}}

	t.Log("Given the need to validate inclusion proofs.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen handling a tree of five values.", testID)
		{
			tree, err := merkle.NewTree(data)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to build the tree: %v", failed, testID, err)
			}

			proof, order, err := tree.Proof(Data{x: "c"})
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to build a proof: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould be able to build a proof.", success, testID)

			if err := merkle.VerifyProof(leaf("c"), proof, order, tree.MerkleRoot, nil); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould verify the proof: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould verify the proof.", success, testID)

			if err := merkle.VerifyProof(leaf("z"), proof, order, tree.MerkleRoot, nil); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould not verify the proof for other data.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould not verify the proof for other data.", success, testID)

			if _, _, err := tree.Proof(Data{x: "z"}); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould not build a proof for missing data.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould not build a proof for missing data.", success, testID)
		}
	}
}

func Test_HashStrategy(t *testing.T) {
	data := []Data{{x: "a"}, {x: "b"}}

	sha, err := merkle.NewTree(data)
	if err != nil {
		t.Fatalf("Should be able to build the tree: %v", err)
	}

	m5, err := merkle.NewTree(data, merkle.WithHashStrategy[Data](md5.New))
	if err != nil {
		t.Fatalf("Should be able to build the tree: %v", err)
	}

	if len(m5.MerkleRoot) != md5.Size {
		t.Fatalf("Should get an md5 sized root, got %d bytes.", len(m5.MerkleRoot))
	}

	if bytes.Equal(sha.MerkleRoot, m5.MerkleRoot) {
		t.Fatalf("Should get different roots for different strategies.")
	}

	if _, err := merkle.NewTree([]Data{}); err == nil {
		t.Fatalf("Should not build a tree without content.")
	}
}
