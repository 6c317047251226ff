//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Command generate-test-vectors outputs a file in the current working
// directory that contains test vectors for an implementation of batch
// inclusion proof verification.
package main

import (
	"crypto/rand"
	"encoding/json"
	"log"
	"os"
	"slices"

	"github.com/signalapp/surveytokens/tree/merkle"
)

type testVector struct {
	Description string       `json:"description"`
	Leaf        string       `json:"leaf"`
	Proof       merkle.Proof `json:"proof"`
	Root        string       `json:"root"`
	Valid       bool         `json:"valid"`
}

func randomLeaves(n int) []merkle.Hash {
	out := make([]merkle.Hash, n)
	for i := range out {
		if _, err := rand.Read(out[i][:]); err != nil {
			panic(err)
		}
	}
	return out
}

func vector(description string, tree *merkle.Tree, index int, valid bool) *testVector {
	return &testVector{
		Description: description,
		Leaf:        tree.Leaf(index).String(),
		Proof:       tree.ProofAt(index),
		Root:        tree.Root().String(),
		Valid:       valid,
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var output []*testVector

	// valid proofs for every position of small trees, which covers odd layers
	// where the last node is paired with itself
	for _, size := range []int{1, 2, 3, 5, 8} {
		tree := merkle.Build(randomLeaves(size))
		for i := 0; i < size; i++ {
			output = append(output, vector("valid proof", tree, i, true))
		}
	}

	// leaf from another position
	{
		tree := merkle.Build(randomLeaves(6))
		v := vector("proof for a different leaf", tree, 2, false)
		v.Leaf = tree.Leaf(3).String()
		output = append(output, v)
	}

	// sibling flipped to the other side
	{
		tree := merkle.Build(randomLeaves(6))
		v := vector("sibling order flipped", tree, 1, false)
		v.Proof[0].IsLeftSibling = !v.Proof[0].IsLeftSibling
		output = append(output, v)
	}

	// step removed
	{
		tree := merkle.Build(randomLeaves(7))
		v := vector("proof step removed", tree, 4, false)
		v.Proof = v.Proof[:len(v.Proof)-1]
		output = append(output, v)
	}

	// steps reordered
	{
		tree := merkle.Build(randomLeaves(8))
		v := vector("proof steps reordered", tree, 5, false)
		slices.Reverse(v.Proof)
		output = append(output, v)
	}

	// root of another batch
	{
		tree := merkle.Build(randomLeaves(4))
		v := vector("root of a different batch", tree, 0, false)
		v.Root = merkle.Build(randomLeaves(4)).Root().String()
		output = append(output, v)
	}

	// proof given for a single leaf tree
	{
		tree := merkle.Build(randomLeaves(1))
		v := vector("extra step for a single leaf", tree, 0, false)
		v.Proof = append(v.Proof, merkle.ProofStep{Sibling: tree.Leaf(0).String()})
		output = append(output, v)
	}

	for _, v := range output {
		if merkle.VerifyHex(v.Leaf, v.Proof, v.Root) != v.Valid {
			log.Fatalf("generated vector does not verify as expected: %v", v.Description)
		}
	}

	raw, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile("./test-vectors.json", raw, 0644); err != nil {
		log.Fatal(err)
	}
}
