//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/signalapp/surveytokens/tree/merkle"
)

const SecretSize = 32

var ErrMalformedSecret = errors.New("malformed token secret")

// Secret is the random preimage of a token. Possession of it is what lets a
// respondent submit a response. It is never persisted by the server.
type Secret [SecretSize]byte

func newSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, err
	}
	return s, nil
}

// String returns the unpadded base64url encoding of the secret, which is how
// secrets appear in respondent links.
func (s Secret) String() string { return base64.RawURLEncoding.EncodeToString(s[:]) }

// Hash returns the leaf hash that identifies the token publicly.
func (s Secret) Hash() merkle.Hash { return merkle.Sum(s[:]) }

func ParseSecret(in string) (Secret, error) {
	raw, err := base64.RawURLEncoding.DecodeString(in)
	if err != nil || len(raw) != SecretSize {
		return Secret{}, ErrMalformedSecret
	}
	return Secret(raw), nil
}
