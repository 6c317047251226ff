//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package tokens

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kinbiko/jsonassert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalapp/surveytokens/db"
	"github.com/signalapp/surveytokens/distribution"
	"github.com/signalapp/surveytokens/tree/merkle"
)

var testNow = time.Date(2025, 6, 10, 14, 37, 12, 0, time.UTC)

func testKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed([]byte(strings.Repeat("k", ed25519.SeedSize)))
}

type recordingSink struct {
	mu  sync.Mutex
	got []*distribution.Delivery
	err error
}

func (r *recordingSink) Deliver(ctx context.Context, d *distribution.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, d)
	return r.err
}

func newTestService(t *testing.T, store db.Store, sink distribution.Sink) *Service {
	t.Helper()
	return NewService(store, Config{
		BaseURL:    "https://survey.example",
		SigningKey: testKey(),
		Sink:       sink,
		Now:        func() time.Time { return testNow },
	})
}

func createTestSurvey(t *testing.T, s *Service) *db.Survey {
	t.Helper()
	survey, err := s.CreateSurvey(context.Background(), &NewSurvey{
		Title: "Course feedback",
		Questions: []*NewQuestion{
			{Type: db.QuestionText, Prompt: "Comments?"},
			{Type: db.QuestionMultipleChoice, Prompt: "Pace?", Required: optional(), Options: []string{"slow", "ok", "fast"}},
		},
	})
	require.NoError(t, err)
	return survey
}

func optional() *bool {
	required := false
	return &required
}

func answers(survey *db.Survey, values ...string) []*db.Answer {
	out := make([]*db.Answer, len(values))
	for i, v := range values {
		out[i] = &db.Answer{QuestionID: survey.Questions[i].ID, Value: json.RawMessage(v)}
	}
	return out
}

func TestIssueBatchInvalidSize(t *testing.T) {
	store := db.NewMemoryStore()
	s := newTestService(t, store, nil)
	survey := createTestSurvey(t, s)

	for _, size := range []int{-1, 0, MaxBatchSize + 1} {
		_, err := s.IssueBatch(context.Background(), survey.ID, size)
		assert.ErrorIs(t, err, ErrInvalidSize, "size=%d", size)
	}
	// Size is checked before the survey.
	_, err := s.IssueBatch(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	events, err := store.ListAuditEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestIssueBatchSurveyNotFound(t *testing.T) {
	s := newTestService(t, db.NewMemoryStore(), nil)
	_, err := s.IssueBatch(context.Background(), "missing", 5)
	assert.ErrorIs(t, err, ErrSurveyNotFound)
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	s := newTestService(t, store, nil)
	survey := createTestSurvey(t, s)

	issued, err := s.IssueBatch(ctx, survey.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, issued.Batch.Size)
	assert.NotEqual(t, strings.Repeat("0", 64), issued.Batch.MerkleRoot)
	assert.Equal(t, issued.Root.String(), issued.Batch.MerkleRoot)
	require.Len(t, issued.Secrets, 5)
	require.Len(t, issued.Links, 5)

	tokens, err := store.ListTokens(ctx, issued.Batch.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 5)
	for i, token := range tokens {
		assert.Equal(t, i, token.Position)
		assert.Equal(t, issued.Secrets[i].Hash().String(), token.TokenHash)
		assert.True(t, merkle.VerifyHex(token.TokenHash, token.Proof, issued.Batch.MerkleRoot), "position %d", i)
	}

	// Redeem the token at position 2.
	hash := issued.Secrets[2].Hash().String()
	receipt, err := s.Redeem(ctx, &Submission{
		SurveyID:  survey.ID,
		TokenHash: hash,
		Answers:   answers(survey, `"great"`, `"ok"`),
	})
	require.NoError(t, err)
	assert.Equal(t, testNow.Truncate(time.Hour), receipt.SubmittedAtBucket)

	token, err := store.GetToken(ctx, issued.Batch.ID, hash)
	require.NoError(t, err)
	require.NotNil(t, token.ConsumedAt)
	assert.True(t, testNow.Equal(*token.ConsumedAt))

	// A second redemption fails every time.
	for range 2 {
		_, err = s.Redeem(ctx, &Submission{SurveyID: survey.ID, TokenHash: hash, Answers: answers(survey, `"again"`)})
		assert.ErrorIs(t, err, ErrAlreadyConsumed)
	}

	// Verification of an unconsumed token.
	res, err := s.Verify(ctx, issued.Batch.ID, issued.Secrets[4].Hash().String())
	require.NoError(t, err)
	assert.Equal(t, &VerifyResult{OK: true, ExpectedRoot: issued.Batch.MerkleRoot}, res)

	// Verification doesn't depend on consumption.
	res, err = s.Verify(ctx, issued.Batch.ID, strings.ToUpper(hash))
	require.NoError(t, err)
	assert.True(t, res.OK)

	events, err := s.AuditEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, db.EventMerkleRootCreated, events[0].Type)
	jsonassert.New(t).Assertf(string(events[0].Payload), `{
		"batchId": "%s",
		"surveyId": "%s",
		"merkleRoot": "%s",
		"size": 5
	}`, issued.Batch.ID, survey.ID, issued.Batch.MerkleRoot)
	assert.Equal(t, db.EventResponseSubmitted, events[1].Type)
	jsonassert.New(t).Assertf(string(events[1].Payload), `{
		"surveyId": "%s",
		"tokenHash": "%s",
		"submittedAtBucket": "2025-06-10T14:00:00Z"
	}`, survey.ID, hash)
}

func TestConcurrentRedemption(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, db.NewMemoryStore(), nil)
	survey := createTestSurvey(t, s)
	issued, err := s.IssueBatch(ctx, survey.ID, 1)
	require.NoError(t, err)
	hash := issued.Secrets[0].Hash().String()

	const attempts = 8
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, attempts)
	)
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = s.Redeem(ctx, &Submission{
				SurveyID:  survey.ID,
				TokenHash: hash,
				Answers:   answers(survey, fmt.Sprintf(`"attempt %d"`, i)),
			})
		}()
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyConsumed)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestRedeemRejections(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, db.NewMemoryStore(), nil)
	survey := createTestSurvey(t, s)
	other := createTestSurvey(t, s)
	issued, err := s.IssueBatch(ctx, survey.ID, 4)
	require.NoError(t, err)
	hash := issued.Secrets[0].Hash().String()

	closed, err := s.CreateSurvey(ctx, &NewSurvey{Title: "Closed one", Status: db.SurveyClosed})
	require.NoError(t, err)

	testCases := []struct {
		name string
		sub  *Submission
		err  error
	}{
		{"malformed hash", &Submission{SurveyID: survey.ID, TokenHash: "xyz", Answers: answers(survey, `"a"`)}, ErrInvalidTokenHash},
		{"short hash", &Submission{SurveyID: survey.ID, TokenHash: hash[:62], Answers: answers(survey, `"a"`)}, ErrInvalidTokenHash},
		{"unknown survey", &Submission{SurveyID: "missing", TokenHash: hash, Answers: answers(survey, `"a"`)}, ErrSurveyNotFound},
		{"closed survey", &Submission{SurveyID: closed.ID, TokenHash: hash}, ErrSurveyClosed},
		{"unknown token", &Submission{SurveyID: survey.ID, TokenHash: strings.Repeat("ab", 32), Answers: answers(survey, `"a"`)}, ErrTokenNotFound},
		{"wrong batch", &Submission{SurveyID: survey.ID, BatchID: "other", TokenHash: hash, Answers: answers(survey, `"a"`)}, ErrTokenNotFound},
		{"other survey", &Submission{SurveyID: other.ID, TokenHash: hash, Answers: answers(other, `"a"`)}, ErrTokenSurveyMismatch},
		{"no answers", &Submission{SurveyID: survey.ID, TokenHash: hash}, ErrMissingAnswer},
		{"required missing", &Submission{SurveyID: survey.ID, TokenHash: hash, Answers: []*db.Answer{
			{QuestionID: survey.Questions[1].ID, Value: json.RawMessage(`"ok"`)},
		}}, ErrMissingAnswer},
		{"unknown question", &Submission{SurveyID: survey.ID, TokenHash: hash, Answers: append(answers(survey, `"a"`),
			&db.Answer{QuestionID: "nope", Value: json.RawMessage(`"x"`)},
		)}, ErrInvalidAnswer},
		{"duplicate answer", &Submission{SurveyID: survey.ID, TokenHash: hash, Answers: append(answers(survey, `"a"`),
			&db.Answer{QuestionID: survey.Questions[0].ID, Value: json.RawMessage(`"b"`)},
		)}, ErrInvalidAnswer},
		{"invalid json", &Submission{SurveyID: survey.ID, TokenHash: hash, Answers: answers(survey, `{not json`)}, ErrInvalidAnswer},
		{"text not a string", &Submission{SurveyID: survey.ID, TokenHash: hash, Answers: answers(survey, `42`)}, ErrInvalidAnswer},
		{"not an option", &Submission{SurveyID: survey.ID, TokenHash: hash, Answers: answers(survey, `"a"`, `"very fast"`)}, ErrInvalidAnswer},
		{"empty choice list", &Submission{SurveyID: survey.ID, TokenHash: hash, Answers: answers(survey, `"a"`, `[]`)}, ErrInvalidAnswer},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Redeem(ctx, tc.sub)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	// None of the rejections consumed the token.
	res, err := s.GetBatchDetail(ctx, issued.Batch.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Tokens[0].ConsumedAt)

	// The same token succeeds with an uppercase hash, the batch named, and a
	// list of options.
	_, err = s.Redeem(ctx, &Submission{
		SurveyID:  survey.ID,
		BatchID:   issued.Batch.ID,
		TokenHash: strings.ToUpper(hash),
		Answers:   answers(survey, `"fine"`, `["slow", "ok"]`),
	})
	require.NoError(t, err)
}

func TestRevokeToken(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, db.NewMemoryStore(), nil)
	survey := createTestSurvey(t, s)
	issued, err := s.IssueBatch(ctx, survey.ID, 3)
	require.NoError(t, err)
	revoked := issued.Secrets[0].Hash().String()
	used := issued.Secrets[1].Hash().String()

	require.NoError(t, s.RevokeToken(ctx, issued.Batch.ID, revoked))
	assert.ErrorIs(t, s.RevokeToken(ctx, issued.Batch.ID, revoked), ErrTokenRevoked)

	_, err = s.Redeem(ctx, &Submission{SurveyID: survey.ID, TokenHash: revoked, Answers: answers(survey, `"a"`)})
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, err = s.Redeem(ctx, &Submission{SurveyID: survey.ID, TokenHash: used, Answers: answers(survey, `"a"`)})
	require.NoError(t, err)
	assert.ErrorIs(t, s.RevokeToken(ctx, issued.Batch.ID, used), ErrAlreadyConsumed)

	assert.ErrorIs(t, s.RevokeToken(ctx, "missing", used), ErrBatchNotFound)
	assert.ErrorIs(t, s.RevokeToken(ctx, issued.Batch.ID, strings.Repeat("0", 64)), ErrTokenNotFound)
	assert.ErrorIs(t, s.RevokeToken(ctx, issued.Batch.ID, "zz"), ErrInvalidTokenHash)

	detail, err := s.GetBatchDetail(ctx, issued.Batch.ID)
	require.NoError(t, err)
	assert.True(t, detail.Tokens[0].Revoked)
	assert.NotNil(t, detail.Tokens[1].ConsumedAt)
	assert.False(t, detail.Tokens[2].Revoked)
	assert.Nil(t, detail.Tokens[2].ConsumedAt)
}

func TestVerifyReasons(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	s := newTestService(t, store, nil)
	survey := createTestSurvey(t, s)
	issued, err := s.IssueBatch(ctx, survey.ID, 3)
	require.NoError(t, err)

	_, err = s.Verify(ctx, "missing", issued.Secrets[0].Hash().String())
	assert.ErrorIs(t, err, ErrBatchNotFound)

	res, err := s.Verify(ctx, issued.Batch.ID, strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, &VerifyResult{OK: false, Reason: ReasonTokenNotFound}, res)

	res, err = s.Verify(ctx, issued.Batch.ID, "not hex")
	require.NoError(t, err)
	assert.Equal(t, ReasonTokenNotFound, res.Reason)

	// A token stored without a proof.
	leaf := merkle.Sum([]byte("legacy"))
	batch := &db.Batch{ID: "legacy", SurveyID: survey.ID, Size: 1, MerkleRoot: leaf.String(), CreatedAt: testNow}
	token := &db.Token{ID: "legacy-token", BatchID: "legacy", TokenHash: leaf.String()}
	require.NoError(t, store.CreateBatch(ctx, batch, []*db.Token{token}, &db.AuditEvent{ID: "e", CreatedAt: testNow}))

	res, err = s.Verify(ctx, "legacy", leaf.String())
	require.NoError(t, err)
	assert.Equal(t, &VerifyResult{OK: false, Reason: ReasonNoProofStored}, res)
}

func TestVerifyDetectsTamperedRoot(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	s := newTestService(t, store, nil)
	survey := createTestSurvey(t, s)

	leaves := []merkle.Hash{merkle.Sum([]byte("a")), merkle.Sum([]byte("b"))}
	tree := merkle.Build(leaves)
	batch := &db.Batch{ID: "forged", SurveyID: survey.ID, Size: 2, MerkleRoot: merkle.Sum([]byte("x")).String(), CreatedAt: testNow}
	tokens := []*db.Token{
		{ID: "t0", BatchID: "forged", TokenHash: leaves[0].String(), Position: 0, Proof: tree.ProofAt(0)},
		{ID: "t1", BatchID: "forged", TokenHash: leaves[1].String(), Position: 1, Proof: tree.ProofAt(1)},
	}
	require.NoError(t, store.CreateBatch(ctx, batch, tokens, &db.AuditEvent{ID: "e", CreatedAt: testNow}))

	res, err := s.Verify(ctx, "forged", leaves[1].String())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Empty(t, res.Reason)
	assert.Equal(t, batch.MerkleRoot, res.ExpectedRoot)
}

// failingStore fails every batch creation.
type failingStore struct {
	db.Store
}

func (failingStore) CreateBatch(ctx context.Context, batch *db.Batch, tokens []*db.Token, event *db.AuditEvent) error {
	return errors.New("disk full")
}

func TestIssueBatchPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	inner := db.NewMemoryStore()
	sink := &recordingSink{}
	s := newTestService(t, failingStore{inner}, sink)
	survey := createTestSurvey(t, s)

	issued, err := s.IssueBatch(ctx, survey.ID, 10)
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	assert.ErrorContains(t, err, "disk full")
	assert.Nil(t, issued)
	assert.Empty(t, sink.got)

	batches, err := inner.ListBatches(ctx, survey.ID)
	require.NoError(t, err)
	assert.Empty(t, batches)
	events, err := inner.ListAuditEvents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestIssueBatchDeliversLinks(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	s := newTestService(t, db.NewMemoryStore(), sink)
	survey := createTestSurvey(t, s)

	issued, err := s.IssueBatch(ctx, survey.ID, 3)
	require.NoError(t, err)
	require.Len(t, sink.got, 1)
	assert.Equal(t, issued.Batch.ID, sink.got[0].BatchID)
	assert.Equal(t, issued.Links, sink.got[0].Links)

	for i, link := range issued.Links {
		assert.True(t, strings.HasPrefix(link, "https://survey.example/respond/"+survey.ID+"?t="))
		encoded, err := distribution.SecretFromLink(link)
		require.NoError(t, err)
		secret, err := ParseSecret(encoded)
		require.NoError(t, err)
		assert.Equal(t, issued.Secrets[i], secret)
	}

	sink.err = errors.New("smtp down")
	issued, err = s.IssueBatch(ctx, survey.ID, 2)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	require.NotNil(t, issued)
	batches, err := s.ListBatches(ctx, survey.ID)
	require.NoError(t, err)
	assert.Len(t, batches, 2)
}

func TestBatchSignature(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, db.NewMemoryStore(), nil)
	survey := createTestSurvey(t, s)
	issued, err := s.IssueBatch(ctx, survey.ID, 7)
	require.NoError(t, err)

	stored, err := s.GetBatchDetail(ctx, issued.Batch.ID)
	require.NoError(t, err)
	require.NoError(t, VerifyBatchSignature(s.PublicKey(), stored.Batch))

	tampered := stored.Batch.Clone()
	tampered.Size = 8
	assert.ErrorIs(t, VerifyBatchSignature(s.PublicKey(), tampered), ErrInvalidSignature)

	tampered = stored.Batch.Clone()
	tampered.MerkleRoot = strings.Repeat("0", 64)
	assert.ErrorIs(t, VerifyBatchSignature(s.PublicKey(), tampered), ErrInvalidSignature)

	other := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	assert.ErrorIs(t, VerifyBatchSignature(other.Public().(ed25519.PublicKey), stored.Batch), ErrInvalidSignature)

	unsigned := NewService(db.NewMemoryStore(), Config{})
	assert.Nil(t, unsigned.PublicKey())
}

func TestCreateSurvey(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, db.NewMemoryStore(), nil)

	survey, err := s.CreateSurvey(ctx, &NewSurvey{
		Title: "  Ordering  ",
		Questions: []*NewQuestion{
			{Type: db.QuestionText, Prompt: "third", Order: 5},
			{Type: db.QuestionText, Prompt: "first", Order: 1},
			{Type: db.QuestionText, Prompt: "last"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ordering", survey.Title)
	assert.Equal(t, db.SurveyOpen, survey.Status)

	got, err := s.GetSurveyForRespondent(ctx, survey.ID)
	require.NoError(t, err)
	prompts := make([]string, len(got.Questions))
	for i, q := range got.Questions {
		prompts[i] = q.Prompt
	}
	assert.Equal(t, []string{"first", "third", "last"}, prompts)
	for _, q := range got.Questions {
		assert.True(t, q.Required, q.Prompt)
	}

	invalid := []*NewSurvey{
		{Title: "ab"},
		{Title: strings.Repeat("x", 201)},
		{Title: "Valid", Status: "PAUSED"},
		{Title: "Valid", Questions: []*NewQuestion{{Type: "RATING", Prompt: "?"}}},
		{Title: "Valid", Questions: []*NewQuestion{{Type: db.QuestionMultipleChoice, Prompt: "?"}}},
		{Title: "Valid", Questions: []*NewQuestion{{Type: db.QuestionText, Prompt: " "}}},
		{Title: "Valid", Questions: []*NewQuestion{{Type: db.QuestionText, Prompt: "?", Options: []string{"a"}}}},
	}
	for _, ns := range invalid {
		_, err := s.CreateSurvey(ctx, ns)
		assert.ErrorIs(t, err, ErrInvalidSurvey)
	}

	_, err = s.ListBatches(ctx, "missing")
	assert.ErrorIs(t, err, ErrSurveyNotFound)
}

func TestAddQuestion(t *testing.T) {
	ctx := context.Background()
	store := db.NewCachedStore(db.NewMemoryStore(), db.SurveyCache, 10, 10)
	s := newTestService(t, store, nil)
	survey := createTestSurvey(t, s)

	// Prime the cache so that a stale survey would be served.
	_, err := s.GetSurveyForRespondent(ctx, survey.ID)
	require.NoError(t, err)

	added, err := s.AddQuestion(ctx, survey.ID, &NewQuestion{Type: db.QuestionText, Prompt: "Anything else?"})
	require.NoError(t, err)
	assert.Equal(t, 3, added.Order)
	assert.True(t, added.Required)
	assert.NotEmpty(t, added.ID)

	placed, err := s.AddQuestion(ctx, survey.ID, &NewQuestion{
		Type: db.QuestionMultipleChoice, Prompt: "Role?", Required: optional(), Order: 1, Options: []string{"student", "staff"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, placed.Order)
	assert.False(t, placed.Required)

	got, err := s.GetSurveyForRespondent(ctx, survey.ID)
	require.NoError(t, err)
	prompts := make([]string, len(got.Questions))
	for i, q := range got.Questions {
		prompts[i] = q.Prompt
	}
	assert.Equal(t, []string{"Comments?", "Role?", "Pace?", "Anything else?"}, prompts)

	// The new required question is enforced on redemption.
	issued, err := s.IssueBatch(ctx, survey.ID, 1)
	require.NoError(t, err)
	_, err = s.Redeem(ctx, &Submission{
		SurveyID:  survey.ID,
		TokenHash: issued.Secrets[0].Hash().String(),
		Answers:   []*db.Answer{{QuestionID: got.Questions[0].ID, Value: json.RawMessage(`"fine"`)}},
	})
	assert.ErrorIs(t, err, ErrMissingAnswer)

	_, err = s.AddQuestion(ctx, "missing", &NewQuestion{Type: db.QuestionText, Prompt: "?"})
	assert.ErrorIs(t, err, ErrSurveyNotFound)
	for _, nq := range []*NewQuestion{
		nil,
		{Type: db.QuestionText, Prompt: " "},
		{Type: db.QuestionMultipleChoice, Prompt: "?"},
		{Type: db.QuestionText, Prompt: "?", Order: -1},
	} {
		_, err = s.AddQuestion(ctx, survey.ID, nq)
		assert.ErrorIs(t, err, ErrInvalidSurvey)
	}
}

func TestListSurveys(t *testing.T) {
	ctx := context.Background()
	now := testNow
	s := NewService(db.NewMemoryStore(), Config{Now: func() time.Time { return now }})

	surveys, err := s.ListSurveys(ctx)
	require.NoError(t, err)
	assert.Empty(t, surveys)

	first, err := s.CreateSurvey(ctx, &NewSurvey{Title: "First survey"})
	require.NoError(t, err)
	now = now.Add(time.Minute)
	second, err := s.CreateSurvey(ctx, &NewSurvey{Title: "Second survey"})
	require.NoError(t, err)

	surveys, err = s.ListSurveys(ctx)
	require.NoError(t, err)
	require.Len(t, surveys, 2)
	assert.Equal(t, second.ID, surveys[0].ID)
	assert.Equal(t, first.ID, surveys[1].ID)
}

func TestAuditEventsShowsLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, db.NewMemoryStore(), nil)
	survey := createTestSurvey(t, s)

	var last *IssuedBatch
	for range 3 {
		issued, err := s.IssueBatch(ctx, survey.ID, 1)
		require.NoError(t, err)
		last = issued
	}

	events, err := s.AuditEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	jsonassert.New(t).Assertf(string(events[1].Payload), `{
		"batchId": "%s",
		"surveyId": "%s",
		"merkleRoot": "%s",
		"size": 1
	}`, last.Batch.ID, survey.ID, last.Batch.MerkleRoot)
}

func TestSecret(t *testing.T) {
	secret, err := newSecret()
	require.NoError(t, err)
	assert.Len(t, secret.String(), 43)

	parsed, err := ParseSecret(secret.String())
	require.NoError(t, err)
	assert.Equal(t, secret, parsed)
	assert.Equal(t, merkle.Sum(secret[:]), parsed.Hash())

	for _, bad := range []string{"", "abc", secret.String() + "A", strings.Repeat("*", 43)} {
		_, err := ParseSecret(bad)
		assert.ErrorIs(t, err, ErrMalformedSecret)
	}
}

func TestHourBucket(t *testing.T) {
	assert.Equal(t, time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC), hourBucket(testNow))
	assert.Equal(t, time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC), hourBucket(time.Date(2025, 6, 10, 0, 59, 59, 999, time.UTC)))
}
