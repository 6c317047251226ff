//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/signalapp/surveytokens/db"
	"github.com/signalapp/surveytokens/tree/merkle"
)

// NewQuestion describes a question being added to a survey. Questions
// without an explicit Order are placed after the ones before them, and
// questions are required unless Required is set to false.
type NewQuestion struct {
	Type     db.QuestionType `json:"type"`
	Prompt   string          `json:"prompt"`
	Required *bool           `json:"required,omitempty"`
	Order    int             `json:"order,omitempty"`
	Options  []string        `json:"options,omitempty"`
}

func (q *NewQuestion) validate() error {
	if q == nil || strings.TrimSpace(q.Prompt) == "" {
		return errors.New("no prompt")
	} else if q.Order < 0 {
		return errors.New("negative order")
	}
	switch q.Type {
	case db.QuestionText:
		if len(q.Options) > 0 {
			return errors.New("text question has options")
		}
	case db.QuestionMultipleChoice:
		if len(q.Options) == 0 {
			return errors.New("multiple choice question has no options")
		}
	default:
		return fmt.Errorf("unknown type %q", q.Type)
	}
	return nil
}

func (q *NewQuestion) question(order int) *db.Question {
	return &db.Question{
		ID:       uuid.NewString(),
		Type:     q.Type,
		Prompt:   q.Prompt,
		Required: q.Required == nil || *q.Required,
		Order:    order,
		Options:  slices.Clone(q.Options),
	}
}

// NewSurvey describes a survey being created.
type NewSurvey struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Status      db.SurveyStatus `json:"status,omitempty"`
	Questions   []*NewQuestion  `json:"questions"`
}

func (ns *NewSurvey) validate() error {
	if n := utf8.RuneCountInString(strings.TrimSpace(ns.Title)); n < 3 || n > 200 {
		return fmt.Errorf("%w: title must be between 3 and 200 characters", ErrInvalidSurvey)
	}
	switch ns.Status {
	case "", db.SurveyOpen, db.SurveyClosed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSurvey, ns.Status)
	}
	for i, q := range ns.Questions {
		if err := q.validate(); err != nil {
			return fmt.Errorf("%w: question %d: %v", ErrInvalidSurvey, i, err)
		}
	}
	return nil
}

// CreateSurvey stores a new survey and returns it.
func (s *Service) CreateSurvey(ctx context.Context, ns *NewSurvey) (*db.Survey, error) {
	if err := ns.validate(); err != nil {
		return nil, err
	}

	survey := &db.Survey{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(ns.Title),
		Description: ns.Description,
		Status:      ns.Status,
		CreatedAt:   s.now(),
		Questions:   make([]*db.Question, len(ns.Questions)),
	}
	if survey.Status == "" {
		survey.Status = db.SurveyOpen
	}

	last := 0
	for i, q := range ns.Questions {
		order := q.Order
		if order == 0 {
			order = last + 1
		}
		last = max(last, order)
		survey.Questions[i] = q.question(order)
	}
	slices.SortStableFunc(survey.Questions, func(a, b *db.Question) int { return a.Order - b.Order })

	if err := s.store.CreateSurvey(ctx, survey); err != nil {
		return nil, persistenceFailure(err)
	}
	return survey, nil
}

// AddQuestion adds a question to an existing survey. Without an explicit
// Order the question goes after the survey's last question.
func (s *Service) AddQuestion(ctx context.Context, surveyID string, nq *NewQuestion) (*db.Question, error) {
	if err := nq.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSurvey, err)
	}
	added, err := s.store.AddQuestion(ctx, surveyID, nq.question(nq.Order))
	if err != nil {
		return nil, persistenceFailure(err)
	} else if added == nil {
		return nil, ErrSurveyNotFound
	}
	return added, nil
}

// ListSurveys returns every survey, most recent first.
func (s *Service) ListSurveys(ctx context.Context) ([]*db.Survey, error) {
	surveys, err := s.store.ListSurveys(ctx)
	if err != nil {
		return nil, persistenceFailure(err)
	}
	return surveys, nil
}

// GetSurveyForRespondent returns an open survey with its questions in order.
func (s *Service) GetSurveyForRespondent(ctx context.Context, id string) (*db.Survey, error) {
	survey, err := s.getSurvey(ctx, id)
	if err != nil {
		return nil, err
	} else if survey.Status == db.SurveyClosed {
		return nil, ErrSurveyClosed
	}
	return survey, nil
}

// ListBatches returns the batches issued for a survey, most recent first.
func (s *Service) ListBatches(ctx context.Context, surveyID string) ([]*db.Batch, error) {
	if _, err := s.getSurvey(ctx, surveyID); err != nil {
		return nil, err
	}
	batches, err := s.store.ListBatches(ctx, surveyID)
	if err != nil {
		return nil, persistenceFailure(err)
	}
	return batches, nil
}

type tokenRevoked struct {
	BatchID   string `json:"batchId"`
	TokenHash string `json:"tokenHash"`
}

// RevokeToken marks an unused token as revoked so it can no longer be
// redeemed. Consumed tokens can't be revoked.
func (s *Service) RevokeToken(ctx context.Context, batchID, tokenHash string) error {
	leaf, err := merkle.ParseHash(tokenHash)
	if err != nil {
		return ErrInvalidTokenHash
	}
	tokenHash = leaf.String()

	if _, err := s.getBatch(ctx, batchID); err != nil {
		return err
	}
	token, err := s.store.GetToken(ctx, batchID, tokenHash)
	if err != nil {
		return persistenceFailure(err)
	} else if token == nil {
		return ErrTokenNotFound
	}

	payload, err := json.Marshal(&tokenRevoked{BatchID: batchID, TokenHash: tokenHash})
	if err != nil {
		return err
	}
	event := &db.AuditEvent{
		ID:        uuid.NewString(),
		Type:      db.EventTokenRevoked,
		Payload:   payload,
		CreatedAt: s.now(),
	}
	ok, err := s.store.RevokeToken(ctx, token, event)
	if err != nil {
		return persistenceFailure(err)
	} else if !ok {
		current, err := s.store.GetToken(ctx, batchID, tokenHash)
		if err != nil {
			return persistenceFailure(err)
		} else if current != nil && current.ConsumedAt != nil {
			return ErrAlreadyConsumed
		}
		return ErrTokenRevoked
	}
	return nil
}

// AuditEvents returns the most recent limit audit events in the order they
// were written.
func (s *Service) AuditEvents(ctx context.Context, limit int) ([]*db.AuditEvent, error) {
	events, err := s.store.ListAuditEvents(ctx, limit)
	if err != nil {
		return nil, persistenceFailure(err)
	}
	return events, nil
}
