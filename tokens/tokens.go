//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package tokens implements the lifecycle of anonymous survey tokens: the
// issuance of Merkle-committed batches, the single use of a token when a
// response is submitted, and the public verification of a token's inclusion
// in its batch.
package tokens

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/signalapp/surveytokens/db"
	"github.com/signalapp/surveytokens/distribution"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 10000
)

var (
	ErrInvalidSize         = fmt.Errorf("batch size must be between %d and %d", MinBatchSize, MaxBatchSize)
	ErrSurveyNotFound      = errors.New("survey not found")
	ErrSurveyClosed        = errors.New("survey is closed")
	ErrInvalidSurvey       = errors.New("invalid survey")
	ErrBatchNotFound       = errors.New("batch not found")
	ErrTokenNotFound       = errors.New("token not found")
	ErrAlreadyConsumed     = errors.New("token already consumed")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrTokenSurveyMismatch = errors.New("token does not belong to this survey")
	ErrInvalidTokenHash    = errors.New("token hash must be 64 hex characters")
	ErrInvalidAnswer       = errors.New("invalid answer")
	ErrMissingAnswer       = errors.New("required question not answered")
	ErrInvalidSignature    = errors.New("batch signature verification failed")
	ErrPersistenceFailure  = errors.New("persistence failure")
	ErrDeliveryFailed      = errors.New("batch issued but link delivery failed")
)

func persistenceFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
}

// Config holds the parameters of a Service. Nothing here is read from the
// environment by this package.
type Config struct {
	// BaseURL is the public address respondent links point to.
	BaseURL string
	// SigningKey signs the commitment of every issued batch. Batches are left
	// unsigned if it is nil.
	SigningKey ed25519.PrivateKey
	// Sink receives the links of every issued batch. It may be nil, in which
	// case the links are only returned to the caller.
	Sink distribution.Sink
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Service implements batch issuance, token redemption and audit verification
// on top of a db.Store.
type Service struct {
	store  db.Store
	config Config
}

func NewService(store db.Store, config Config) *Service {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Service{store: store, config: config}
}

// PublicKey returns the key batch signatures are verified with, or nil if
// batches are not signed.
func (s *Service) PublicKey() ed25519.PublicKey {
	if s.config.SigningKey == nil {
		return nil
	}
	return s.config.SigningKey.Public().(ed25519.PublicKey)
}

func (s *Service) now() time.Time { return s.config.Now().UTC() }

// getSurvey returns the survey with the given id, failing with
// ErrSurveyNotFound if it does not exist.
func (s *Service) getSurvey(ctx context.Context, id string) (*db.Survey, error) {
	survey, err := s.store.GetSurvey(ctx, id)
	if err != nil {
		return nil, persistenceFailure(err)
	} else if survey == nil {
		return nil, ErrSurveyNotFound
	}
	return survey, nil
}

// getBatch returns the batch with the given id, failing with
// ErrBatchNotFound if it does not exist.
func (s *Service) getBatch(ctx context.Context, id string) (*db.Batch, error) {
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, persistenceFailure(err)
	} else if batch == nil {
		return nil, ErrBatchNotFound
	}
	return batch, nil
}
