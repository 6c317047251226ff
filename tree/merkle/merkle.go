//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package merkle implements the fixed-size binary hash tree that commits to
// a batch of survey tokens, along with inclusion proofs for its leaves.
//
// Leaves are expected to already be hashes. When a layer has an odd number
// of nodes, the last node is paired with itself.
package merkle

// ProofStep is one sibling on the path from a leaf to the root.
//
// IsLeftSibling is true when the sibling sits to the left of the path node,
// meaning the parent is computed as Hash(sibling || current).
type ProofStep struct {
	Sibling       string `json:"sibling"`
	IsLeftSibling bool   `json:"isLeftSibling"`
}

// Proof is an ordered list of steps, from the leaf layer up to but excluding
// the root layer.
type Proof []ProofStep

// Tree holds every layer of a Merkle tree, from the leaves (layers[0]) to the
// single-node root layer.
type Tree struct {
	layers [][]Hash
	index  map[Hash]int
}

// Build computes the full tree over leaves, which are used as layer 0
// unchanged. An empty input produces a tree whose root is all zeroes.
func Build(leaves []Hash) *Tree {
	if len(leaves) == 0 {
		return &Tree{
			layers: [][]Hash{{{}}},
			index:  map[Hash]int{},
		}
	}

	base := make([]Hash, len(leaves))
	copy(base, leaves)

	index := make(map[Hash]int, len(base))
	for i := len(base) - 1; i >= 0; i-- {
		// Iterate backwards so that the first occurrence of a duplicate wins.
		index[base[i]] = i
	}

	layers := [][]Hash{base}
	for current := base; len(current) > 1; {
		next := make([]Hash, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left
			if i+1 < len(current) {
				right = current[i+1]
			}
			next = append(next, nodeHash(left, right))
		}
		layers = append(layers, next)
		current = next
	}

	return &Tree{layers: layers, index: index}
}

// Size returns the number of leaves in the tree.
func (t *Tree) Size() int {
	if len(t.index) == 0 {
		return 0
	}
	return len(t.layers[0])
}

// Height returns the number of steps in every inclusion proof.
func (t *Tree) Height() int { return len(t.layers) - 1 }

// Root returns the single node of the top layer.
func (t *Tree) Root() Hash {
	return t.layers[len(t.layers)-1][0]
}

// Leaf returns the leaf at position i.
func (t *Tree) Leaf(i int) Hash { return t.layers[0][i] }

// Layer returns a copy of layer i, where 0 is the leaf layer.
func (t *Tree) Layer(i int) []Hash {
	out := make([]Hash, len(t.layers[i]))
	copy(out, t.layers[i])
	return out
}

// Index returns the position of the first leaf equal to leaf.
func (t *Tree) Index(leaf Hash) (int, bool) {
	i, ok := t.index[leaf]
	return i, ok
}

// Proof returns the inclusion proof for leaf. If leaf is not in the tree the
// proof is empty and ok is false; callers must not mistake that for the
// empty proof of a single-leaf tree.
func (t *Tree) Proof(leaf Hash) (proof Proof, ok bool) {
	index, ok := t.Index(leaf)
	if !ok {
		return Proof{}, false
	}
	return t.ProofAt(index), true
}

// ProofAt returns the inclusion proof for the leaf at position index. It
// panics if index is out of range.
func (t *Tree) ProofAt(index int) Proof {
	if index < 0 || index >= t.Size() {
		panic("leaf index out of range")
	}

	proof := make(Proof, 0, t.Height())
	for level := 0; level < len(t.layers)-1; level++ {
		layer := t.layers[level]

		isRightNode := index%2 == 1
		sibling := index + 1
		if isRightNode {
			sibling = index - 1
		}
		if sibling >= len(layer) {
			// Odd node at the end of the layer: it was paired with itself.
			sibling = index
		}

		proof = append(proof, ProofStep{
			Sibling:       layer[sibling].String(),
			IsLeftSibling: isRightNode,
		})
		index /= 2
	}
	return proof
}
