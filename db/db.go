//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package db implements database wrappers that match a common interface.
package db

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/signalapp/surveytokens/tree/merkle"
)

// Audit event types.
const (
	EventMerkleRootCreated = "MERKLE_ROOT_CREATED"
	EventResponseSubmitted = "RESPONSE_SUBMITTED"
	EventTokenRevoked      = "TOKEN_REVOKED"
)

type SurveyStatus string

const (
	SurveyOpen   SurveyStatus = "OPEN"
	SurveyClosed SurveyStatus = "CLOSED"
)

type QuestionType string

const (
	QuestionText           QuestionType = "TEXT"
	QuestionMultipleChoice QuestionType = "MULTIPLE_CHOICE"
)

// Question is a single prompt of a survey. Options is only populated for
// multiple choice questions.
type Question struct {
	ID       string       `json:"id"`
	Type     QuestionType `json:"type"`
	Prompt   string       `json:"prompt"`
	Required bool         `json:"required"`
	Order    int          `json:"order"`
	Options  []string     `json:"options,omitempty"`
}

// Survey is a questionnaire that batches of tokens are issued for.
type Survey struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      SurveyStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	Questions   []*Question  `json:"questions"`
}

// Batch is a fixed-size set of tokens committed to by a single Merkle root.
type Batch struct {
	ID         string    `json:"id"`
	SurveyID   string    `json:"surveyId"`
	Size       int       `json:"size"`
	MerkleRoot string    `json:"merkleRoot"`
	Signature  []byte    `json:"signature,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Token is the stored half of a survey access token: the hash of its secret,
// its position in the batch, and its inclusion proof.
type Token struct {
	ID         string       `json:"id"`
	BatchID    string       `json:"batchId"`
	TokenHash  string       `json:"tokenHash"`
	Position   int          `json:"position"`
	Proof      merkle.Proof `json:"proof"`
	ConsumedAt *time.Time   `json:"consumedAt,omitempty"`
	Revoked    bool         `json:"revoked"`
}

// Answer is the response to one question, as raw JSON.
type Answer struct {
	QuestionID string          `json:"questionId"`
	Value      json.RawMessage `json:"value"`
}

// Response is a submitted survey. It references the token it consumed by
// hash only.
type Response struct {
	ID                string    `json:"id"`
	SurveyID          string    `json:"surveyId"`
	TokenHash         string    `json:"tokenHash"`
	SubmittedAtBucket time.Time `json:"submittedAtBucket"`
	Answers           []*Answer `json:"answers"`
}

// AuditEvent is an append-only record written in the same atomic unit as
// the change it describes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (q *Question) Clone() *Question {
	if q == nil {
		return nil
	}
	out := *q
	out.Options = slices.Clone(q.Options)
	return &out
}

func (s *Survey) Clone() *Survey {
	if s == nil {
		return nil
	}
	out := *s
	out.Questions = make([]*Question, len(s.Questions))
	for i, q := range s.Questions {
		out.Questions[i] = q.Clone()
	}
	return &out
}

func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	out := *b
	out.Signature = dup(b.Signature)
	return &out
}

func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	out := *t
	if t.Proof != nil {
		out.Proof = slices.Clone(t.Proof)
	}
	if t.ConsumedAt != nil {
		consumed := *t.ConsumedAt
		out.ConsumedAt = &consumed
	}
	return &out
}

// SurveyStore is the interface the token service uses to look up surveys.
type SurveyStore interface {
	CreateSurvey(ctx context.Context, survey *Survey) error
	// GetSurvey returns the survey with its questions sorted by Order, or nil
	// if none exists.
	GetSurvey(ctx context.Context, id string) (*Survey, error)
	// ListSurveys returns every survey, most recent first.
	ListSurveys(ctx context.Context) ([]*Survey, error)
	// AddQuestion adds a question to an existing survey. A question without
	// an Order is placed after the survey's last question; the order is
	// chosen in the same atomic unit as the write. It returns the stored
	// question, or nil if the survey doesn't exist.
	AddQuestion(ctx context.Context, surveyID string, question *Question) (*Question, error)
}

// BatchStore is the transactional interface over batches and their tokens.
type BatchStore interface {
	// CreateBatch stores the batch, all of its tokens and the audit event as
	// one atomic unit. Readers never observe a batch without its tokens.
	CreateBatch(ctx context.Context, batch *Batch, tokens []*Token, event *AuditEvent) error

	// GetBatch returns the batch with the given id, or nil if none exists.
	GetBatch(ctx context.Context, id string) (*Batch, error)
	// ListBatches returns the batches of a survey, most recent first.
	ListBatches(ctx context.Context, surveyID string) ([]*Batch, error)

	// GetToken returns the token of the batch with the given hash, or nil.
	GetToken(ctx context.Context, batchID, tokenHash string) (*Token, error)
	// FindToken returns the token with the given hash in any batch, or nil.
	FindToken(ctx context.Context, tokenHash string) (*Token, error)
	// ListTokens returns the tokens of a batch ordered by position.
	ListTokens(ctx context.Context, batchID string) ([]*Token, error)

	// ConsumeToken atomically sets the token's consumedAt to now if it is
	// neither consumed nor revoked, storing resp and event in the same unit.
	// It returns false without writing anything if the condition fails.
	ConsumeToken(ctx context.Context, token *Token, now time.Time, resp *Response, event *AuditEvent) (bool, error)
	// RevokeToken atomically marks an unconsumed token as revoked. It returns
	// false if the token was already consumed or revoked.
	RevokeToken(ctx context.Context, token *Token, event *AuditEvent) (bool, error)
}

// AuditLog exposes the audit events written alongside batch and token
// changes.
type AuditLog interface {
	// ListAuditEvents returns the most recent limit events in the order they
	// were written. A limit of zero or less returns every event.
	ListAuditEvents(ctx context.Context, limit int) ([]*AuditEvent, error)
}

// Store is implemented by every database backend.
type Store interface {
	SurveyStore
	BatchStore
	AuditLog

	Close() error
}

func sortQuestions(s *Survey) {
	slices.SortStableFunc(s.Questions, func(a, b *Question) int { return a.Order - b.Order })
}

// appendQuestion adds a copy of q to s, assigning the next free order if q
// has none, and returns the copy.
func appendQuestion(s *Survey, q *Question) *Question {
	added := q.Clone()
	if added.Order == 0 {
		last := 0
		for _, existing := range s.Questions {
			last = max(last, existing.Order)
		}
		added.Order = last + 1
	}
	s.Questions = append(s.Questions, added)
	sortQuestions(s)
	return added
}

func sortSurveys(surveys []*Survey) {
	slices.SortStableFunc(surveys, func(a, b *Survey) int { return b.CreatedAt.Compare(a.CreatedAt) })
}

func sortTokens(tokens []*Token) {
	slices.SortFunc(tokens, func(a, b *Token) int { return a.Position - b.Position })
}

func sortBatches(batches []*Batch) {
	slices.SortStableFunc(batches, func(a, b *Batch) int { return b.CreatedAt.Compare(a.CreatedAt) })
}
