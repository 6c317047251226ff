//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package db

import (
	"context"

	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

func countCacheHit(typ string, hit bool) {
	lbls := []metrics.Label{{Name: "type", Value: typ}}
	var name []string
	if hit {
		name = []string{"lru", "cache_hit"}
	} else {
		name = []string{"lru", "cache_miss"}
	}
	metrics.IncrCounterWithLabels(name, 1, lbls)
}

const (
	BatchCache = 1 << iota
	SurveyCache
)

type Bitmask uint32

// cachedStore wraps a Store with LRU caches over batches and surveys. Batches
// never change once written. Surveys only change through AddQuestion, which
// evicts the cached copy; other processes sharing the database may serve a
// stale survey until it is evicted from their caches. Tokens are always read
// from the underlying store because their consumed and revoked flags change.
type cachedStore struct {
	Store

	batchCache  *lru.Cache[string, *Batch]
	surveyCache *lru.Cache[string, *Survey]
}

func NewCachedStore(db Store, cachesToEnable Bitmask, batchCacheSize, surveyCacheSize int) Store {
	cache := &cachedStore{Store: db}

	var err error
	if cachesToEnable&BatchCache != 0 {
		cache.batchCache, err = lru.New[string, *Batch](batchCacheSize)
		if err != nil {
			panic(err)
		}
	}

	if cachesToEnable&SurveyCache != 0 {
		cache.surveyCache, err = lru.New[string, *Survey](surveyCacheSize)
		if err != nil {
			panic(err)
		}
	}

	return cache
}

func (c *cachedStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	if c.batchCache != nil {
		if batch, ok := c.batchCache.Get(id); ok {
			countCacheHit("batch", true)
			return batch.Clone(), nil
		}
		countCacheHit("batch", false)
	}

	batch, err := c.Store.GetBatch(ctx, id)
	if err != nil || batch == nil {
		return batch, err
	}

	if c.batchCache != nil {
		c.batchCache.ContainsOrAdd(id, batch.Clone())
	}

	return batch, nil
}

func (c *cachedStore) CreateBatch(ctx context.Context, batch *Batch, tokens []*Token, event *AuditEvent) error {
	err := c.Store.CreateBatch(ctx, batch, tokens, event)
	if err == nil && c.batchCache != nil {
		c.batchCache.Add(batch.ID, batch.Clone())
	}
	return err
}

func (c *cachedStore) GetSurvey(ctx context.Context, id string) (*Survey, error) {
	if c.surveyCache != nil {
		if survey, ok := c.surveyCache.Get(id); ok {
			countCacheHit("survey", true)
			return survey.Clone(), nil
		}
		countCacheHit("survey", false)
	}

	survey, err := c.Store.GetSurvey(ctx, id)
	if err != nil || survey == nil {
		return survey, err
	}

	if c.surveyCache != nil {
		c.surveyCache.ContainsOrAdd(id, survey.Clone())
	}

	return survey, nil
}

func (c *cachedStore) AddQuestion(ctx context.Context, surveyID string, question *Question) (*Question, error) {
	added, err := c.Store.AddQuestion(ctx, surveyID, question)
	if c.surveyCache != nil {
		c.surveyCache.Remove(surveyID)
	}
	return added, err
}
