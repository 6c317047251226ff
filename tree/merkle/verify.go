//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package merkle

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// EvaluateProof returns the root that would result in the given proof being
// valid for leaf.
func EvaluateProof(leaf Hash, proof Proof) (Hash, error) {
	acc := leaf
	for _, step := range proof {
		sibling, err := ParseHash(step.Sibling)
		if err != nil {
			return Hash{}, errors.New("malformed proof")
		}
		if step.IsLeftSibling {
			acc = nodeHash(sibling, acc)
		} else {
			acc = nodeHash(acc, sibling)
		}
	}
	return acc, nil
}

// Verify reports whether proof recomputes expectedRoot, a hex encoded root,
// from leaf. It depends only on its arguments, so third parties can run it
// against values taken from storage.
func Verify(leaf Hash, proof Proof, expectedRoot string) bool {
	computed, err := EvaluateProof(leaf, proof)
	if err != nil {
		return false
	}
	candidate := computed.String()
	expected := strings.ToLower(expectedRoot)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(expected)) == 1
}

// VerifyHex is Verify with the leaf given in its hex form.
func VerifyHex(leafHex string, proof Proof, expectedRoot string) bool {
	leaf, err := ParseHash(leafHex)
	if err != nil {
		return false
	}
	return Verify(leaf, proof, expectedRoot)
}
