//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package db

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/signalapp/surveytokens/tree/merkle"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const tokenInsertBatchSize = 500

type surveyRow struct {
	ID          string      `gorm:"primaryKey;type:varchar(64)"`
	Title       string      `gorm:"not null"`
	Description string
	Status      string      `gorm:"type:varchar(16);not null"`
	Questions   []*Question `gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt   time.Time   `gorm:"not null"`
}

func (surveyRow) TableName() string { return "surveys" }

type batchRow struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)"`
	SurveyID   string    `gorm:"type:varchar(64);index:idx_batches_survey;not null"`
	Size       int       `gorm:"not null"`
	MerkleRoot string    `gorm:"type:char(64);not null"`
	Signature  []byte
	CreatedAt  time.Time `gorm:"index:idx_batches_survey;not null"`
}

func (batchRow) TableName() string { return "batches" }

type tokenRow struct {
	ID         string       `gorm:"primaryKey;type:varchar(64)"`
	BatchID    string       `gorm:"type:varchar(64);uniqueIndex:idx_tokens_batch_hash;not null"`
	TokenHash  string       `gorm:"type:char(64);uniqueIndex:idx_tokens_batch_hash;index;not null"`
	Position   int          `gorm:"column:position_in_batch;not null"`
	Proof      merkle.Proof `gorm:"type:jsonb;serializer:json"`
	ConsumedAt *time.Time
	Revoked    bool `gorm:"not null;default:false"`
}

func (tokenRow) TableName() string { return "tokens" }

type responseRow struct {
	ID                string    `gorm:"primaryKey;type:varchar(64)"`
	SurveyID          string    `gorm:"type:varchar(64);index;not null"`
	TokenHash         string    `gorm:"type:char(64);uniqueIndex;not null"`
	SubmittedAtBucket time.Time `gorm:"not null"`
	Answers           []*Answer `gorm:"type:jsonb;serializer:json;not null"`
}

func (responseRow) TableName() string { return "responses" }

type auditEventRow struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	Type      string    `gorm:"type:varchar(64);index;not null"`
	Payload   string    `gorm:"type:jsonb;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (auditEventRow) TableName() string { return "audit_events" }

func newAuditEventRow(event *AuditEvent) *auditEventRow {
	return &auditEventRow{ID: event.ID, Type: event.Type, Payload: string(event.Payload), CreatedAt: event.CreatedAt}
}

func (r *surveyRow) survey() *Survey {
	survey := &Survey{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Status:      SurveyStatus(r.Status),
		Questions:   r.Questions,
		CreatedAt:   r.CreatedAt,
	}
	if survey.Questions == nil {
		survey.Questions = []*Question{}
	}
	sortQuestions(survey)
	return survey
}

func (r *tokenRow) token() *Token {
	return &Token{
		ID:         r.ID,
		BatchID:    r.BatchID,
		TokenHash:  r.TokenHash,
		Position:   r.Position,
		Proof:      r.Proof,
		ConsumedAt: r.ConsumedAt,
		Revoked:    r.Revoked,
	}
}

func (r *batchRow) batch() *Batch {
	return &Batch{
		ID:         r.ID,
		SurveyID:   r.SurveyID,
		Size:       r.Size,
		MerkleRoot: r.MerkleRoot,
		Signature:  r.Signature,
		CreatedAt:  r.CreatedAt,
	}
}

// errNotSpendable rolls back a transaction whose token was already consumed
// or revoked.
var errNotSpendable = errors.New("token is not spendable")

// pgStore implements the Store interface over PostgreSQL. Every write is a
// single database transaction.
type pgStore struct {
	conn *gorm.DB
}

func NewPostgresStore(dsn string) (Store, error) {
	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	err = conn.AutoMigrate(&surveyRow{}, &batchRow{}, &tokenRow{}, &responseRow{}, &auditEventRow{})
	if err != nil {
		return nil, err
	}
	return &pgStore{conn}, nil
}

func (pg *pgStore) Close() error {
	sqlDB, err := pg.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

func (pg *pgStore) CreateSurvey(ctx context.Context, survey *Survey) error {
	return translate(pg.conn.WithContext(ctx).Create(&surveyRow{
		ID:          survey.ID,
		Title:       survey.Title,
		Description: survey.Description,
		Status:      string(survey.Status),
		Questions:   survey.Questions,
		CreatedAt:   survey.CreatedAt,
	}).Error)
}

func (pg *pgStore) GetSurvey(ctx context.Context, id string) (*Survey, error) {
	row := &surveyRow{}
	err := pg.conn.WithContext(ctx).Where("id = ?", id).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return row.survey(), nil
}

func (pg *pgStore) ListSurveys(ctx context.Context) ([]*Survey, error) {
	var rows []*surveyRow
	if err := pg.conn.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Survey, len(rows))
	for i, row := range rows {
		out[i] = row.survey()
	}
	return out, nil
}

// AddQuestion locks the survey row so that concurrent additions see each
// other's orders.
func (pg *pgStore) AddQuestion(ctx context.Context, surveyID string, question *Question) (*Question, error) {
	var added *Question
	err := pg.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := &surveyRow{}
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", surveyID).Take(row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		} else if err != nil {
			return err
		}

		survey := row.survey()
		added = appendQuestion(survey, question).Clone()
		row.Questions = survey.Questions
		return tx.Save(row).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return added, nil
}

func (pg *pgStore) CreateBatch(ctx context.Context, batch *Batch, tokens []*Token, event *AuditEvent) error {
	return translate(pg.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Create(&batchRow{
			ID:         batch.ID,
			SurveyID:   batch.SurveyID,
			Size:       batch.Size,
			MerkleRoot: batch.MerkleRoot,
			Signature:  batch.Signature,
			CreatedAt:  batch.CreatedAt,
		}).Error
		if err != nil {
			return err
		}

		rows := make([]*tokenRow, len(tokens))
		for i, token := range tokens {
			rows[i] = &tokenRow{
				ID:        token.ID,
				BatchID:   batch.ID,
				TokenHash: token.TokenHash,
				Position:  token.Position,
				Proof:     token.Proof,
			}
		}
		if err := tx.CreateInBatches(rows, tokenInsertBatchSize).Error; err != nil {
			return err
		}
		return tx.Create(newAuditEventRow(event)).Error
	}))
}

func (pg *pgStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := &batchRow{}
	err := pg.conn.WithContext(ctx).Where("id = ?", id).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return row.batch(), nil
}

func (pg *pgStore) ListBatches(ctx context.Context, surveyID string) ([]*Batch, error) {
	var rows []*batchRow
	err := pg.conn.WithContext(ctx).Where("survey_id = ?", surveyID).Order("created_at DESC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*Batch, len(rows))
	for i, row := range rows {
		out[i] = row.batch()
	}
	return out, nil
}

func (pg *pgStore) findToken(ctx context.Context, query string, args ...any) (*Token, error) {
	row := &tokenRow{}
	err := pg.conn.WithContext(ctx).Where(query, args...).Order("batch_id").Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return row.token(), nil
}

func (pg *pgStore) GetToken(ctx context.Context, batchID, tokenHash string) (*Token, error) {
	return pg.findToken(ctx, "batch_id = ? AND token_hash = ?", batchID, tokenHash)
}

func (pg *pgStore) FindToken(ctx context.Context, tokenHash string) (*Token, error) {
	return pg.findToken(ctx, "token_hash = ?", tokenHash)
}

func (pg *pgStore) ListTokens(ctx context.Context, batchID string) ([]*Token, error) {
	var rows []*tokenRow
	err := pg.conn.WithContext(ctx).Where("batch_id = ?", batchID).Order("position_in_batch").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*Token, len(rows))
	for i, row := range rows {
		out[i] = row.token()
	}
	return out, nil
}

// spend runs update against the token if it is neither consumed nor revoked,
// followed by rest, all in one transaction.
func (pg *pgStore) spend(ctx context.Context, token *Token, column string, value any, rest func(tx *gorm.DB) error) (bool, error) {
	err := pg.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&tokenRow{}).
			Where("batch_id = ? AND token_hash = ? AND consumed_at IS NULL AND revoked = ?", token.BatchID, token.TokenHash, false).
			Update(column, value)
		if res.Error != nil {
			return res.Error
		} else if res.RowsAffected == 0 {
			return errNotSpendable
		}
		return rest(tx)
	})
	if errors.Is(err, errNotSpendable) {
		return false, nil
	} else if err != nil {
		return false, translate(err)
	}
	return true, nil
}

func (pg *pgStore) ConsumeToken(ctx context.Context, token *Token, now time.Time, resp *Response, event *AuditEvent) (bool, error) {
	return pg.spend(ctx, token, "consumed_at", now, func(tx *gorm.DB) error {
		err := tx.Create(&responseRow{
			ID:                resp.ID,
			SurveyID:          resp.SurveyID,
			TokenHash:         resp.TokenHash,
			SubmittedAtBucket: resp.SubmittedAtBucket,
			Answers:           resp.Answers,
		}).Error
		if err != nil {
			return err
		}
		return tx.Create(newAuditEventRow(event)).Error
	})
}

func (pg *pgStore) RevokeToken(ctx context.Context, token *Token, event *AuditEvent) (bool, error) {
	return pg.spend(ctx, token, "revoked", true, func(tx *gorm.DB) error {
		return tx.Create(newAuditEventRow(event)).Error
	})
}

func (pg *pgStore) ListAuditEvents(ctx context.Context, limit int) ([]*AuditEvent, error) {
	var rows []*auditEventRow
	query := pg.conn.WithContext(ctx).Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*AuditEvent, len(rows))
	for i, row := range rows {
		out[i] = &AuditEvent{ID: row.ID, Type: row.Type, Payload: json.RawMessage(row.Payload), CreatedAt: row.CreatedAt}
	}
	slices.Reverse(out)
	return out, nil
}
