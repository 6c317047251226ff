//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package tokens

import (
	"context"
	"strings"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/signalapp/surveytokens/db"
	"github.com/signalapp/surveytokens/tree/merkle"
)

// Reasons a token fails verification without an error.
const (
	ReasonTokenNotFound = "TOKEN_NOT_FOUND"
	ReasonNoProofStored = "NO_PROOF_STORED"
)

// VerifyResult is the outcome of a public inclusion check.
type VerifyResult struct {
	OK           bool   `json:"ok"`
	Reason       string `json:"reason,omitempty"`
	ExpectedRoot string `json:"expectedRoot,omitempty"`
}

// Verify recomputes the inclusion of tokenHash in the batch from the token's
// stored proof. A token that isn't in the batch, or that has no stored proof,
// is reported in the result rather than as an error. Verify never modifies
// any state.
func (s *Service) Verify(ctx context.Context, batchID, tokenHash string) (*VerifyResult, error) {
	batch, err := s.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	tokenHash = strings.ToLower(tokenHash)
	leaf, err := merkle.ParseHash(tokenHash)
	if err != nil {
		return s.countVerify(&VerifyResult{OK: false, Reason: ReasonTokenNotFound}), nil
	}
	token, err := s.store.GetToken(ctx, batchID, tokenHash)
	if err != nil {
		return nil, persistenceFailure(err)
	} else if token == nil {
		return s.countVerify(&VerifyResult{OK: false, Reason: ReasonTokenNotFound}), nil
	} else if token.Proof == nil {
		return s.countVerify(&VerifyResult{OK: false, Reason: ReasonNoProofStored}), nil
	}

	return s.countVerify(&VerifyResult{
		OK:           merkle.Verify(leaf, token.Proof, batch.MerkleRoot),
		ExpectedRoot: batch.MerkleRoot,
	}), nil
}

func (s *Service) countVerify(res *VerifyResult) *VerifyResult {
	result := "ok"
	if res.Reason != "" {
		result = strings.ToLower(res.Reason)
	} else if !res.OK {
		result = "mismatch"
	}
	metrics.IncrCounterWithLabels([]string{"tokens", "verify"}, 1, []metrics.Label{{Name: "result", Value: result}})
	return res
}

// TokenStatus is the public view of a token. It carries no secret material.
type TokenStatus struct {
	TokenHash  string       `json:"tokenHash"`
	Position   int          `json:"position"`
	Proof      merkle.Proof `json:"proof"`
	ConsumedAt *time.Time   `json:"consumedAt,omitempty"`
	Revoked    bool         `json:"revoked"`
}

// BatchDetail is a batch together with the status of each of its tokens.
type BatchDetail struct {
	Batch  *db.Batch      `json:"batch"`
	Tokens []*TokenStatus `json:"tokens"`
}

// GetBatchDetail returns a batch with its tokens, ordered by position.
func (s *Service) GetBatchDetail(ctx context.Context, batchID string) (*BatchDetail, error) {
	batch, err := s.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	tokens, err := s.store.ListTokens(ctx, batchID)
	if err != nil {
		return nil, persistenceFailure(err)
	}

	out := &BatchDetail{Batch: batch, Tokens: make([]*TokenStatus, len(tokens))}
	for i, token := range tokens {
		out.Tokens[i] = &TokenStatus{
			TokenHash:  token.TokenHash,
			Position:   token.Position,
			Proof:      token.Proof,
			ConsumedAt: token.ConsumedAt,
			Revoked:    token.Revoked,
		}
	}
	return out, nil
}
