//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/signalapp/surveytokens/db"
	"github.com/signalapp/surveytokens/distribution"
	"github.com/signalapp/surveytokens/tree/merkle"
)

// IssuedBatch is the result of issuing a batch. It is the only place the
// token secrets ever exist outside of the issuing call.
type IssuedBatch struct {
	Batch   *db.Batch
	Root    merkle.Hash
	Secrets []Secret
	Links   []string
}

type merkleRootCreated struct {
	BatchID    string `json:"batchId"`
	SurveyID   string `json:"surveyId"`
	MerkleRoot string `json:"merkleRoot"`
	Size       int    `json:"size"`
}

// IssueBatch generates size new tokens for a survey, commits to them with a
// Merkle root and stores the batch, the tokens and an audit event atomically.
// The links are handed to the configured sink before returning.
func (s *Service) IssueBatch(ctx context.Context, surveyID string, size int) (*IssuedBatch, error) {
	if size < MinBatchSize || size > MaxBatchSize {
		return nil, ErrInvalidSize
	}
	if _, err := s.getSurvey(ctx, surveyID); err != nil {
		return nil, err
	}
	start := time.Now()

	secrets := make([]Secret, size)
	leaves := make([]merkle.Hash, size)
	for i := range secrets {
		secret, err := newSecret()
		if err != nil {
			return nil, fmt.Errorf("generating token secret: %w", err)
		}
		secrets[i], leaves[i] = secret, secret.Hash()
	}
	tree := merkle.Build(leaves)
	root := tree.Root()

	batch := &db.Batch{
		ID:         uuid.NewString(),
		SurveyID:   surveyID,
		Size:       size,
		MerkleRoot: root.String(),
		CreatedAt:  s.now(),
	}
	if s.config.SigningKey != nil {
		sig, err := signBatch(s.config.SigningKey, batch)
		if err != nil {
			return nil, fmt.Errorf("signing batch: %w", err)
		}
		batch.Signature = sig
	}

	tokens := make([]*db.Token, size)
	for i, leaf := range leaves {
		tokens[i] = &db.Token{
			ID:        uuid.NewString(),
			BatchID:   batch.ID,
			TokenHash: leaf.String(),
			Position:  i,
			Proof:     tree.ProofAt(i),
		}
	}

	payload, err := json.Marshal(&merkleRootCreated{
		BatchID:    batch.ID,
		SurveyID:   surveyID,
		MerkleRoot: batch.MerkleRoot,
		Size:       size,
	})
	if err != nil {
		return nil, err
	}
	event := &db.AuditEvent{
		ID:        uuid.NewString(),
		Type:      db.EventMerkleRootCreated,
		Payload:   payload,
		CreatedAt: batch.CreatedAt,
	}

	if err := s.store.CreateBatch(ctx, batch, tokens, event); err != nil {
		return nil, persistenceFailure(err)
	}
	metrics.IncrCounter([]string{"tokens", "issued"}, float32(size))
	metrics.MeasureSince([]string{"tokens", "issue_duration"}, start)

	encoded := make([]string, size)
	for i, secret := range secrets {
		encoded[i] = secret.String()
	}
	out := &IssuedBatch{
		Batch:   batch,
		Root:    root,
		Secrets: secrets,
		Links:   distribution.Links(s.config.BaseURL, surveyID, encoded),
	}

	if s.config.Sink != nil {
		delivery := &distribution.Delivery{BatchID: batch.ID, SurveyID: surveyID, Links: out.Links}
		if err := s.config.Sink.Deliver(ctx, delivery); err != nil {
			// The batch is committed; the caller still holds the links.
			return out, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
		}
	}
	return out, nil
}
