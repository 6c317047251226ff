//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// HashSize is the size in bytes of every leaf and node hash.
const HashSize = sha256.Size

// Hash is a single leaf or interior node value.
type Hash [HashSize]byte

var ErrMalformedHash = errors.New("hash must be 64 hex characters")

// Sum returns the digest of data. It is used for both leaves and interior
// nodes.
func Sum(data []byte) Hash {
	return sha256.Sum256(data)
}

// nodeHash returns the value of the parent of left and right.
func nodeHash(left, right Hash) Hash {
	s := sha256.New()
	s.Write(left[:])
	s.Write(right[:])

	var out Hash
	s.Sum(out[:0])
	return out
}

// String returns the lowercase hex encoding of h, which is also its
// persisted form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a 64 character hex string. Upper-case input is
// accepted.
func ParseHash(s string) (Hash, error) {
	var out Hash
	if len(s) != 2*HashSize {
		return out, ErrMalformedHash
	}
	raw, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return out, ErrMalformedHash
	}
	copy(out[:], raw)
	return out, nil
}
