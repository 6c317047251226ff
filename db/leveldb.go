//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key prefixes of the LevelDB layout:
//
//	s<survey>                    survey
//	b<batch>                     batch
//	i<survey>/<created><batch>   batch listing index
//	t<batch>/<hash>              token
//	h<hash>                      batch id of the token with that hash
//	r<response>                  response
//	a<written><event>            audit event
const (
	surveyPrefix     = "s"
	batchPrefix      = "b"
	batchIndexPrefix = "i"
	tokenPrefix      = "t"
	hashPrefix       = "h"
	responsePrefix   = "r"
	auditPrefix      = "a"
)

func sortableTime(t time.Time) string { return fmt.Sprintf("%020d", t.UnixNano()) }

// auditKey orders audit events by the time they are written. CreatedAt can't
// be used because response events carry a coarsened timestamp.
func auditKey(event *AuditEvent) string {
	return auditPrefix + sortableTime(time.Now()) + event.ID
}

func tokenKeyString(batchID, tokenHash string) string {
	return tokenPrefix + batchID + "/" + tokenHash
}

// ldbStore implements the Store interface over a LevelDB database.
//
// In this service, it is intended to be used for local development. Every
// write goes through a leveldb.Transaction, of which only one can be open at
// a time, so each read-check-write sequence is serialized against all other
// writers.
type ldbStore struct {
	conn *leveldb.DB
}

func NewLDBStore(file string) (Store, error) {
	conn, err := leveldb.OpenFile(file, nil)
	if errors.IsCorrupted(err) {
		conn, err = leveldb.RecoverFile(file, nil)
	}
	if err != nil {
		return nil, err
	}
	return &ldbStore{conn}, nil
}

func (ldb *ldbStore) Close() error { return ldb.conn.Close() }

// reader is satisfied by leveldb.DB, leveldb.Snapshot and leveldb.Transaction.
type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
}

// getJSON reads and decodes key, reporting false if it does not exist.
func getJSON(conn reader, key string, out any) (bool, error) {
	raw, err := conn.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("malformed database entry %q: %w", key, err)
	}
	return true, nil
}

func putJSON(tx *leveldb.Transaction, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return tx.Put([]byte(key), raw, nil)
}

// update runs fn inside a transaction. The transaction is committed only if
// fn returns true and no error; otherwise it is discarded.
func (ldb *ldbStore) update(fn func(tx *leveldb.Transaction) (bool, error)) (bool, error) {
	tx, err := ldb.conn.OpenTransaction()
	if err != nil {
		return false, err
	}
	defer tx.Discard()

	ok, err := fn(tx)
	if err != nil || !ok {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (ldb *ldbStore) CreateSurvey(ctx context.Context, survey *Survey) error {
	ok, err := ldb.update(func(tx *leveldb.Transaction) (bool, error) {
		if exists, err := tx.Has([]byte(surveyPrefix+survey.ID), nil); err != nil || exists {
			return false, err
		}
		return true, putJSON(tx, surveyPrefix+survey.ID, survey)
	})
	if err != nil {
		return err
	} else if !ok {
		return ErrConflict
	}
	return nil
}

func (ldb *ldbStore) GetSurvey(ctx context.Context, id string) (*Survey, error) {
	survey := &Survey{}
	if ok, err := getJSON(ldb.conn, surveyPrefix+id, survey); err != nil || !ok {
		return nil, err
	}
	sortQuestions(survey)
	return survey, nil
}

func (ldb *ldbStore) ListSurveys(ctx context.Context) ([]*Survey, error) {
	iter := ldb.conn.NewIterator(util.BytesPrefix([]byte(surveyPrefix)), nil)
	defer iter.Release()

	out := make([]*Survey, 0)
	for iter.Next() {
		survey := &Survey{}
		if err := json.Unmarshal(iter.Value(), survey); err != nil {
			return nil, fmt.Errorf("malformed database entry %q: %w", iter.Key(), err)
		}
		sortQuestions(survey)
		out = append(out, survey)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortSurveys(out)
	return out, nil
}

func (ldb *ldbStore) AddQuestion(ctx context.Context, surveyID string, question *Question) (*Question, error) {
	var added *Question
	_, err := ldb.update(func(tx *leveldb.Transaction) (bool, error) {
		survey := &Survey{}
		if ok, err := getJSON(tx, surveyPrefix+surveyID, survey); err != nil || !ok {
			return false, err
		}
		added = appendQuestion(survey, question).Clone()
		return true, putJSON(tx, surveyPrefix+surveyID, survey)
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

func (ldb *ldbStore) CreateBatch(ctx context.Context, batch *Batch, tokens []*Token, event *AuditEvent) error {
	ok, err := ldb.update(func(tx *leveldb.Transaction) (bool, error) {
		if exists, err := tx.Has([]byte(batchPrefix+batch.ID), nil); err != nil || exists {
			return false, err
		}

		for _, token := range tokens {
			if err := putJSON(tx, tokenKeyString(batch.ID, token.TokenHash), token); err != nil {
				return false, err
			}
			hashKey := []byte(hashPrefix + token.TokenHash)
			if exists, err := tx.Has(hashKey, nil); err != nil {
				return false, err
			} else if !exists {
				if err := tx.Put(hashKey, []byte(batch.ID), nil); err != nil {
					return false, err
				}
			}
		}

		if err := putJSON(tx, batchPrefix+batch.ID, batch); err != nil {
			return false, err
		}
		indexKey := batchIndexPrefix + batch.SurveyID + "/" + sortableTime(batch.CreatedAt) + batch.ID
		if err := tx.Put([]byte(indexKey), []byte(batch.ID), nil); err != nil {
			return false, err
		}
		return true, putJSON(tx, auditKey(event), event)
	})
	if err != nil {
		return err
	} else if !ok {
		return ErrConflict
	}
	return nil
}

func (ldb *ldbStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	batch := &Batch{}
	if ok, err := getJSON(ldb.conn, batchPrefix+id, batch); err != nil || !ok {
		return nil, err
	}
	return batch, nil
}

func (ldb *ldbStore) ListBatches(ctx context.Context, surveyID string) ([]*Batch, error) {
	// Read from a snapshot so the index and the batches are consistent.
	snap, err := ldb.conn.GetSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	iter := snap.NewIterator(util.BytesPrefix([]byte(batchIndexPrefix+surveyID+"/")), nil)
	defer iter.Release()

	out := make([]*Batch, 0)
	for iter.Next() {
		batch := &Batch{}
		ok, err := getJSON(snap, batchPrefix+string(iter.Value()), batch)
		if err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("batch index references missing batch %q", iter.Value())
		}
		out = append(out, batch)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortBatches(out)
	return out, nil
}

func (ldb *ldbStore) GetToken(ctx context.Context, batchID, tokenHash string) (*Token, error) {
	token := &Token{}
	if ok, err := getJSON(ldb.conn, tokenKeyString(batchID, tokenHash), token); err != nil || !ok {
		return nil, err
	}
	return token, nil
}

func (ldb *ldbStore) FindToken(ctx context.Context, tokenHash string) (*Token, error) {
	batchID, err := ldb.conn.Get([]byte(hashPrefix+tokenHash), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return ldb.GetToken(ctx, string(batchID), tokenHash)
}

func (ldb *ldbStore) ListTokens(ctx context.Context, batchID string) ([]*Token, error) {
	iter := ldb.conn.NewIterator(util.BytesPrefix([]byte(tokenPrefix+batchID+"/")), nil)
	defer iter.Release()

	out := make([]*Token, 0)
	for iter.Next() {
		token := &Token{}
		if err := json.Unmarshal(iter.Value(), token); err != nil {
			return nil, fmt.Errorf("malformed database entry %q: %w", iter.Key(), err)
		}
		out = append(out, token)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortTokens(out)
	return out, nil
}

func (ldb *ldbStore) ConsumeToken(ctx context.Context, token *Token, now time.Time, resp *Response, event *AuditEvent) (bool, error) {
	return ldb.update(func(tx *leveldb.Transaction) (bool, error) {
		key := tokenKeyString(token.BatchID, token.TokenHash)
		stored := &Token{}
		if ok, err := getJSON(tx, key, stored); err != nil || !ok {
			return false, err
		} else if stored.ConsumedAt != nil || stored.Revoked {
			return false, nil
		}

		stored.ConsumedAt = &now
		if err := putJSON(tx, key, stored); err != nil {
			return false, err
		} else if err := putJSON(tx, responsePrefix+resp.ID, resp); err != nil {
			return false, err
		}
		return true, putJSON(tx, auditKey(event), event)
	})
}

func (ldb *ldbStore) RevokeToken(ctx context.Context, token *Token, event *AuditEvent) (bool, error) {
	return ldb.update(func(tx *leveldb.Transaction) (bool, error) {
		key := tokenKeyString(token.BatchID, token.TokenHash)
		stored := &Token{}
		if ok, err := getJSON(tx, key, stored); err != nil || !ok {
			return false, err
		} else if stored.ConsumedAt != nil || stored.Revoked {
			return false, nil
		}

		stored.Revoked = true
		if err := putJSON(tx, key, stored); err != nil {
			return false, err
		}
		return true, putJSON(tx, auditKey(event), event)
	})
}

func (ldb *ldbStore) ListAuditEvents(ctx context.Context, limit int) ([]*AuditEvent, error) {
	iter := ldb.conn.NewIterator(util.BytesPrefix([]byte(auditPrefix)), nil)
	defer iter.Release()

	out := make([]*AuditEvent, 0)
	for ok := iter.Last(); ok && (limit <= 0 || len(out) < limit); ok = iter.Prev() {
		event := &AuditEvent{}
		if err := json.Unmarshal(iter.Value(), event); err != nil {
			return nil, fmt.Errorf("malformed database entry %q: %w", iter.Key(), err)
		}
		out = append(out, event)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
