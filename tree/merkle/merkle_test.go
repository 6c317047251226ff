//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package merkle

import (
	"crypto/rand"
	"math/bits"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func random() Hash {
	var out Hash
	if _, err := rand.Read(out[:]); err != nil {
		panic(err)
	}
	return out
}

func randomLeaves(n int) []Hash {
	out := make([]Hash, n)
	for i := range out {
		r := random()
		out[i] = Sum(r[:])
	}
	return out
}

func concat(a, b Hash) []byte {
	return append(append([]byte{}, a[:]...), b[:]...)
}

func TestEmptyTree(t *testing.T) {
	tree := Build(nil)
	assert.Equal(t, strings.Repeat("0", 64), tree.Root().String())
	assert.Equal(t, 0, tree.Size())

	_, ok := tree.Proof(random())
	assert.False(t, ok)
}

func TestSingleLeaf(t *testing.T) {
	h := Sum([]byte("only"))
	tree := Build([]Hash{h})

	assert.Equal(t, h, tree.Root())
	proof, ok := tree.Proof(h)
	require.True(t, ok)
	assert.Empty(t, proof)
	assert.True(t, Verify(h, Proof{}, h.String()))
}

func TestOddLayerDuplicatesLastNode(t *testing.T) {
	a, b, c := Sum([]byte("a")), Sum([]byte("b")), Sum([]byte("c"))
	tree := Build([]Hash{a, b, c})

	ab := Sum(concat(a, b))
	cc := Sum(concat(c, c))
	assert.Equal(t, []Hash{ab, cc}, tree.Layer(1))
	assert.Equal(t, Sum(concat(ab, cc)), tree.Root())

	// The proof for c records c itself as its sibling.
	proof, ok := tree.Proof(c)
	require.True(t, ok)
	require.Len(t, proof, 2)
	assert.Equal(t, ProofStep{Sibling: c.String(), IsLeftSibling: false}, proof[0])
	assert.Equal(t, ProofStep{Sibling: ab.String(), IsLeftSibling: true}, proof[1])
	assert.True(t, Verify(c, proof, tree.Root().String()))
}

func TestLeavesAreNotRehashed(t *testing.T) {
	leaves := randomLeaves(4)
	tree := Build(leaves)
	assert.Equal(t, leaves, tree.Layer(0))
}

func TestInclusionProof(t *testing.T) {
	sizes := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 15, 16, 17, 31, 33, 100, 257, 1000}
	for _, n := range sizes {
		leaves := randomLeaves(n)
		tree := Build(leaves)
		root := tree.Root().String()

		assert.Equal(t, n, tree.Size())
		for i, leaf := range leaves {
			proof, ok := tree.Proof(leaf)
			require.True(t, ok)
			require.Len(t, proof, bits.Len(uint(n-1)), "n=%d", n)
			if !Verify(leaf, proof, root) {
				t.Fatalf("proof for leaf %d of %d did not verify", i, n)
			}
		}
	}
}

func TestMaximumBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large batch in short mode")
	}
	leaves := randomLeaves(10000)
	tree := Build(leaves)
	root := tree.Root().String()
	for i := range leaves {
		if !Verify(leaves[i], tree.ProofAt(i), root) {
			t.Fatalf("proof for leaf %d did not verify", i)
		}
	}
}

func TestTamperedProofFails(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		leaves := randomLeaves(n)
		tree := Build(leaves)
		root := tree.Root().String()

		for i, leaf := range leaves {
			proof := tree.ProofAt(i)

			// Flip each bit of the leaf.
			for bit := 0; bit < 8*HashSize; bit++ {
				tampered := leaf
				tampered[bit/8] ^= 1 << (bit % 8)
				if Verify(tampered, proof, root) {
					t.Fatalf("tampered leaf verified: n=%d i=%d bit=%d", n, i, bit)
				}
			}

			// Flip each bit of each sibling.
			for s := range proof {
				sibling, err := ParseHash(proof[s].Sibling)
				require.NoError(t, err)
				for bit := 0; bit < 8*HashSize; bit++ {
					tampered := sibling
					tampered[bit/8] ^= 1 << (bit % 8)

					bad := append(Proof{}, proof...)
					bad[s].Sibling = tampered.String()
					if Verify(leaf, bad, root) {
						t.Fatalf("tampered sibling verified: n=%d i=%d step=%d bit=%d", n, i, s, bit)
					}
				}
			}
		}
	}
}

func TestDeterministic(t *testing.T) {
	leaves := randomLeaves(11)
	a, b := Build(leaves), Build(leaves)
	assert.Equal(t, a.Root(), b.Root())
	for i := range leaves {
		assert.Equal(t, a.ProofAt(i), b.ProofAt(i))
	}
}

func TestDuplicateLeafUsesFirstPosition(t *testing.T) {
	leaves := randomLeaves(4)
	leaves[3] = leaves[1]
	tree := Build(leaves)

	i, ok := tree.Index(leaves[1])
	require.True(t, ok)
	assert.Equal(t, 1, i)
}

func TestAbsentLeaf(t *testing.T) {
	tree := Build(randomLeaves(6))
	proof, ok := tree.Proof(random())
	assert.False(t, ok)
	assert.Empty(t, proof)
}

func TestBuildCopiesInput(t *testing.T) {
	leaves := randomLeaves(3)
	tree := Build(leaves)
	root := tree.Root()

	leaves[0] = random()
	assert.Equal(t, root, Build(tree.Layer(0)).Root())
}
