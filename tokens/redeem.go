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
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/signalapp/surveytokens/db"
	"github.com/signalapp/surveytokens/tree/merkle"
)

// Submission is a survey response authorized by a token hash.
type Submission struct {
	SurveyID string
	// BatchID is optional. If set, the token must belong to this batch.
	BatchID   string
	TokenHash string
	Answers   []*db.Answer
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	ResponseID        string    `json:"responseId"`
	SubmittedAtBucket time.Time `json:"submittedAtBucket"`
}

type responseSubmitted struct {
	SurveyID          string    `json:"surveyId"`
	TokenHash         string    `json:"tokenHash"`
	SubmittedAtBucket time.Time `json:"submittedAtBucket"`
}

// hourBucket truncates t to the start of its hour so that stored responses
// can't be correlated with token use by exact time.
func hourBucket(t time.Time) time.Time { return t.Truncate(time.Hour) }

func countRedemption(result string) {
	metrics.IncrCounterWithLabels([]string{"tokens", "redeem"}, 1, []metrics.Label{{Name: "result", Value: result}})
}

// Redeem consumes the token named by sub.TokenHash and stores the response.
// The token is consumed at most once: concurrent submissions for the same
// token have exactly one winner, and all others fail with
// ErrAlreadyConsumed.
func (s *Service) Redeem(ctx context.Context, sub *Submission) (*Receipt, error) {
	receipt, err := s.redeem(ctx, sub)
	if err != nil {
		countRedemption(redemptionResult(err))
		return nil, err
	}
	countRedemption("ok")
	return receipt, nil
}

func redemptionResult(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyConsumed):
		return "consumed"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrTokenSurveyMismatch):
		return "mismatch"
	case errors.Is(err, ErrPersistenceFailure):
		return "error"
	default:
		return "invalid"
	}
}

func (s *Service) redeem(ctx context.Context, sub *Submission) (*Receipt, error) {
	leaf, err := merkle.ParseHash(sub.TokenHash)
	if err != nil {
		return nil, ErrInvalidTokenHash
	}
	tokenHash := leaf.String()

	survey, err := s.GetSurveyForRespondent(ctx, sub.SurveyID)
	if err != nil {
		return nil, err
	}

	var token *db.Token
	if sub.BatchID != "" {
		token, err = s.store.GetToken(ctx, sub.BatchID, tokenHash)
	} else {
		token, err = s.store.FindToken(ctx, tokenHash)
	}
	if err != nil {
		return nil, persistenceFailure(err)
	} else if token == nil {
		return nil, ErrTokenNotFound
	}

	batch, err := s.store.GetBatch(ctx, token.BatchID)
	if err != nil {
		return nil, persistenceFailure(err)
	} else if batch == nil {
		return nil, ErrTokenNotFound
	} else if batch.SurveyID != survey.ID {
		return nil, ErrTokenSurveyMismatch
	}

	if token.Revoked {
		return nil, ErrTokenRevoked
	} else if token.ConsumedAt != nil {
		return nil, ErrAlreadyConsumed
	}

	answers, err := validateAnswers(survey, sub.Answers)
	if err != nil {
		return nil, err
	}

	now := s.now()
	resp := &db.Response{
		ID:                uuid.NewString(),
		SurveyID:          survey.ID,
		TokenHash:         tokenHash,
		SubmittedAtBucket: hourBucket(now),
		Answers:           answers,
	}
	payload, err := json.Marshal(&responseSubmitted{
		SurveyID:          survey.ID,
		TokenHash:         tokenHash,
		SubmittedAtBucket: resp.SubmittedAtBucket,
	})
	if err != nil {
		return nil, err
	}
	event := &db.AuditEvent{
		ID:        uuid.NewString(),
		Type:      db.EventResponseSubmitted,
		Payload:   payload,
		CreatedAt: resp.SubmittedAtBucket,
	}

	ok, err := s.store.ConsumeToken(ctx, token, now, resp, event)
	if err != nil {
		return nil, persistenceFailure(err)
	} else if !ok {
		// Lost the race. Report why the token is no longer spendable.
		current, err := s.store.GetToken(ctx, token.BatchID, tokenHash)
		if err != nil {
			return nil, persistenceFailure(err)
		} else if current != nil && current.Revoked && current.ConsumedAt == nil {
			return nil, ErrTokenRevoked
		}
		return nil, ErrAlreadyConsumed
	}

	return &Receipt{ResponseID: resp.ID, SubmittedAtBucket: resp.SubmittedAtBucket}, nil
}

// validateAnswers checks the answers against the survey's questions and
// returns them in question order.
func validateAnswers(survey *db.Survey, answers []*db.Answer) ([]*db.Answer, error) {
	if len(answers) == 0 {
		return nil, fmt.Errorf("%w: no answers given", ErrMissingAnswer)
	}

	byQuestion := make(map[string]*db.Answer, len(answers))
	for _, answer := range answers {
		if answer == nil {
			return nil, fmt.Errorf("%w: empty answer", ErrInvalidAnswer)
		} else if _, ok := byQuestion[answer.QuestionID]; ok {
			return nil, fmt.Errorf("%w: question %q answered twice", ErrInvalidAnswer, answer.QuestionID)
		}
		byQuestion[answer.QuestionID] = answer
	}

	out := make([]*db.Answer, 0, len(answers))
	for _, q := range survey.Questions {
		answer, ok := byQuestion[q.ID]
		if !ok {
			if q.Required {
				return nil, fmt.Errorf("%w: %v", ErrMissingAnswer, q.ID)
			}
			continue
		}
		delete(byQuestion, q.ID)

		if err := validateValue(q, answer.Value); err != nil {
			return nil, fmt.Errorf("%w: question %v: %v", ErrInvalidAnswer, q.ID, err)
		}
		out = append(out, &db.Answer{QuestionID: q.ID, Value: slices.Clone(answer.Value)})
	}
	if len(byQuestion) > 0 {
		unknown := slices.Sorted(maps.Keys(byQuestion))
		return nil, fmt.Errorf("%w: unknown question %q", ErrInvalidAnswer, unknown[0])
	}
	return out, nil
}

// validateValue checks that a text question is answered with a string, and a
// multiple choice question with one option or a list of options.
func validateValue(q *db.Question, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("value is not valid JSON")
	}

	switch q.Type {
	case db.QuestionText:
		var text string
		if err := json.Unmarshal(value, &text); err != nil {
			return fmt.Errorf("expected a string")
		}
	case db.QuestionMultipleChoice:
		var choices []string
		var single string
		if err := json.Unmarshal(value, &single); err == nil {
			choices = []string{single}
		} else if err := json.Unmarshal(value, &choices); err != nil || len(choices) == 0 {
			return fmt.Errorf("expected an option or a list of options")
		}
		for _, choice := range choices {
			if len(q.Options) > 0 && !slices.Contains(q.Options, choice) {
				return fmt.Errorf("%q is not an option", choice)
			}
		}
	default:
		return fmt.Errorf("unknown question type %q", q.Type)
	}
	return nil
}
