//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package db

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrConflict is returned when creating a record whose key is already taken.
var ErrConflict = errors.New("record already exists")

type tokenKey struct {
	batchID, tokenHash string
}

// memoryStore implements Store in memory. A single mutex serializes all
// writes, which makes every store operation atomic.
type memoryStore struct {
	mu        sync.RWMutex
	surveys   map[string]*Survey
	batches   map[string]*Batch
	tokens    map[tokenKey]*Token
	hashes    map[string]string
	responses map[string]*Response
	events    []*AuditEvent
}

func NewMemoryStore() Store {
	return &memoryStore{
		surveys:   make(map[string]*Survey),
		batches:   make(map[string]*Batch),
		tokens:    make(map[tokenKey]*Token),
		hashes:    make(map[string]string),
		responses: make(map[string]*Response),
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) CreateSurvey(ctx context.Context, survey *Survey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.surveys[survey.ID]; ok {
		return ErrConflict
	}
	m.surveys[survey.ID] = survey.Clone()
	return nil
}

func (m *memoryStore) GetSurvey(ctx context.Context, id string) (*Survey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	survey := m.surveys[id].Clone()
	if survey != nil {
		sortQuestions(survey)
	}
	return survey, nil
}

func (m *memoryStore) ListSurveys(ctx context.Context) ([]*Survey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Survey, 0, len(m.surveys))
	for _, survey := range m.surveys {
		survey = survey.Clone()
		sortQuestions(survey)
		out = append(out, survey)
	}
	sortSurveys(out)
	return out, nil
}

func (m *memoryStore) AddQuestion(ctx context.Context, surveyID string, question *Question) (*Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	survey, ok := m.surveys[surveyID]
	if !ok {
		return nil, nil
	}
	return appendQuestion(survey, question).Clone(), nil
}

func (m *memoryStore) CreateBatch(ctx context.Context, batch *Batch, tokens []*Token, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[batch.ID]; ok {
		return ErrConflict
	}
	for _, token := range tokens {
		if _, ok := m.tokens[tokenKey{batch.ID, token.TokenHash}]; ok {
			return ErrConflict
		}
	}

	m.batches[batch.ID] = batch.Clone()
	for _, token := range tokens {
		m.tokens[tokenKey{batch.ID, token.TokenHash}] = token.Clone()
		if _, ok := m.hashes[token.TokenHash]; !ok {
			m.hashes[token.TokenHash] = batch.ID
		}
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memoryStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batches[id].Clone(), nil
}

func (m *memoryStore) ListBatches(ctx context.Context, surveyID string) ([]*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Batch, 0)
	for _, batch := range m.batches {
		if batch.SurveyID == surveyID {
			out = append(out, batch.Clone())
		}
	}
	sortBatches(out)
	return out, nil
}

func (m *memoryStore) GetToken(ctx context.Context, batchID, tokenHash string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens[tokenKey{batchID, tokenHash}].Clone(), nil
}

func (m *memoryStore) FindToken(ctx context.Context, tokenHash string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	batchID, ok := m.hashes[tokenHash]
	if !ok {
		return nil, nil
	}
	return m.tokens[tokenKey{batchID, tokenHash}].Clone(), nil
}

func (m *memoryStore) ListTokens(ctx context.Context, batchID string) ([]*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Token, 0)
	for key, token := range m.tokens {
		if key.batchID == batchID {
			out = append(out, token.Clone())
		}
	}
	sortTokens(out)
	return out, nil
}

func (m *memoryStore) ConsumeToken(ctx context.Context, token *Token, now time.Time, resp *Response, event *AuditEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.tokens[tokenKey{token.BatchID, token.TokenHash}]
	if !ok || stored.ConsumedAt != nil || stored.Revoked {
		return false, nil
	} else if _, ok := m.responses[resp.ID]; ok {
		return false, ErrConflict
	}

	consumed := now
	stored.ConsumedAt = &consumed
	m.responses[resp.ID] = resp
	m.events = append(m.events, event)
	return true, nil
}

func (m *memoryStore) RevokeToken(ctx context.Context, token *Token, event *AuditEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.tokens[tokenKey{token.BatchID, token.TokenHash}]
	if !ok || stored.ConsumedAt != nil || stored.Revoked {
		return false, nil
	}
	stored.Revoked = true
	m.events = append(m.events, event)
	return true, nil
}

func (m *memoryStore) ListAuditEvents(ctx context.Context, limit int) ([]*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events
	if limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	return append(make([]*AuditEvent, 0, len(events)), events...), nil
}
