//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/ratelimit"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	metrics "github.com/hashicorp/go-metrics"
)

const (
	maxBatchKeys       = 90
	maxDynamoBatchSize = 100
	maxDynamoWriteSize = 25
	keyLabel           = "k"
	attrBatchIDs       = "batchIds"
	attrConsumedAt     = "consumedAt"
	attrRevoked        = "revoked"
	attrQuestions      = "questions"

	maxQuestionAttempts = 5
)

// Item attributes are named after the json tags of the stored structs, so
// that every backend shares a single record layout.
func withJSONTags(opts *attributevalue.EncoderOptions) { opts.TagKey = "json" }

func withJSONTagsDecoder(opts *attributevalue.DecoderOptions) { opts.TagKey = "json" }

func marshalItem(key string, in any) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMapWithOptions(in, withJSONTags)
	if err != nil {
		return nil, err
	}
	item[keyLabel] = &types.AttributeValueMemberS{Value: key}
	return item, nil
}

func unmarshalItem(item map[string]types.AttributeValue, out any) error {
	if err := attributevalue.UnmarshalMapWithOptions(item, out, withJSONTagsDecoder); err != nil {
		return fmt.Errorf("malformed database entry: %w", err)
	}
	return nil
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{keyLabel: &types.AttributeValueMemberS{Value: key}}
}

func positionKey(batchID string, position int) string {
	return fmt.Sprintf("%v%v/%d", tokenPrefix, batchID, position)
}

// hashEntry maps a token hash to the token's location.
type hashEntry struct {
	BatchID  string `json:"batchId"`
	Position int    `json:"position"`
}

type dynamoReadReq struct {
	keys []string
	data map[string]map[string]types.AttributeValue
	resp chan error
}

// ddbConn is a wrapper around a base DynamoDB connection that batches
// concurrent point reads transparently.
type ddbConn struct {
	conn  *dynamodb.Client
	table string
	ch    chan dynamoReadReq
}

func newDDBConn(conn *dynamodb.Client, table string, parallel int) *ddbConn {
	batches := make(chan []dynamoReadReq)
	out := &ddbConn{
		conn:  conn,
		table: table,
		ch:    make(chan dynamoReadReq, 100),
	}

	// Start a number of worker goroutines, configured by `parallel`, that will
	// take batches of read requests and send them to Dynamo. Build batches in a
	// dedicated goroutine, rather than have each worker goroutine build it's
	// own batches, to ensure we have the largest batches possible.
	//
	// Dynamo doesn't support HTTP/2, so firing off a bunch of concurrent
	// requests results in a large number of distinct connections being made.
	go func() {
		for {
			batches <- out.receiveBatch()
		}
	}()
	for range parallel {
		go func() {
			for {
				reqs := <-batches
				err := out.handleBatch(reqs)
				for _, req := range reqs {
					req.resp <- err
				}
			}
		}()
	}

	return out
}

// receiveBatch takes a series of read requests off of the queue, trying to get
// a batch of maxBatchKeys keys.
func (c *ddbConn) receiveBatch() []dynamoReadReq {
	var out []dynamoReadReq
	total := 0

	req := <-c.ch
	out = append(out, req)
	total += len(req.keys)

loop:
	for total < maxBatchKeys {
		select {
		case req := <-c.ch:
			out = append(out, req)
			total += len(req.keys)
		default:
			break loop
		}
	}

	return out
}

// handleBatch processes a batch of read requests and writes the fetched items
// into a receiving map on each request.
func (c *ddbConn) handleBatch(reqs []dynamoReadReq) error {
	keyIndex := make(map[string][]int)
	for i, req := range reqs {
		for _, key := range req.keys {
			keyIndex[key] = append(keyIndex[key], i)
		}
	}

	keys := make([]string, 0, len(keyIndex))
	for key := range keyIndex {
		keys = append(keys, key)
	}

	data := make(map[string]map[string]types.AttributeValue, len(keys))
	if err := c.batchGet(keys, data); err != nil {
		return err
	}

	for key, item := range data {
		for _, j := range keyIndex[key] {
			reqs[j].data[key] = item
		}
	}

	metrics.AddSample([]string{"dynamodb", "batch_size"}, float32(len(keys)))
	return nil
}

// batchGet fetches a batch of keys from DynamoDB and writes the items into the
// provided map.
func (c *ddbConn) batchGet(keys []string, res map[string]map[string]types.AttributeValue) error {
	kvs := make([]map[string]types.AttributeValue, len(keys))
	for i, key := range keys {
		kvs[i] = itemKey(key)
	}
	for len(kvs) > 0 {
		var now []map[string]types.AttributeValue
		if len(kvs) > maxDynamoBatchSize {
			now, kvs = kvs[:maxDynamoBatchSize], kvs[maxDynamoBatchSize:]
		} else {
			now, kvs = kvs, nil
		}
		out, err := c.conn.BatchGetItem(context.Background(), &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{c.table: {
				Keys:           now,
				ConsistentRead: aws.Bool(true),
			}},
		})
		if err != nil {
			return err
		}
		unprocessed := out.UnprocessedKeys[c.table].Keys
		if len(unprocessed) > 0 {
			kvs = append(kvs, unprocessed...)
		}
		metrics.IncrCounter([]string{"dynamodb", "read_capacity"}, float32(len(now)-len(unprocessed)))

		for _, item := range out.Responses[c.table] {
			key, ok := item[keyLabel].(*types.AttributeValueMemberS)
			if !ok {
				return fmt.Errorf("malformed database entry")
			}
			res[key.Value] = item
		}
	}

	return nil
}

// BatchGet fetches a set of keys from DynamoDB. Keys that don't exist are
// absent from the returned map.
func (c *ddbConn) BatchGet(keys []string) (map[string]map[string]types.AttributeValue, error) {
	data := make(map[string]map[string]types.AttributeValue)
	if len(keys) == 0 {
		return data, nil
	}

	start := time.Now()
	req := dynamoReadReq{keys: keys, data: data, resp: make(chan error, 1)}
	c.ch <- req
	if err := <-req.resp; err != nil {
		return nil, err
	}

	metrics.MeasureSinceWithLabels([]string{"dynamodb", "get_duration"}, start, []metrics.Label{
		{Name: "singular", Value: fmt.Sprint(len(keys) == 1)},
	})
	return data, nil
}

// Get fetches a single item and decodes it into out, reporting false if it
// does not exist.
func (c *ddbConn) Get(key string, out any) (bool, error) {
	data, err := c.BatchGet([]string{key})
	if err != nil {
		return false, err
	}
	item, ok := data[key]
	if !ok {
		return false, nil
	}
	return true, unmarshalItem(item, out)
}

// batchWriteParallel splits writes across multiple goroutines and returns a
// list of unfulfilled write requests.
func (c *ddbConn) batchWriteParallel(ctx context.Context, reqs []types.WriteRequest) ([]types.WriteRequest, error) {
	var chunks [][]types.WriteRequest
	for len(reqs) > 0 {
		var now []types.WriteRequest
		if len(reqs) > maxDynamoWriteSize {
			now, reqs = reqs[:maxDynamoWriteSize], reqs[maxDynamoWriteSize:]
		} else {
			now, reqs = reqs, nil
		}
		chunks = append(chunks, now)
	}

	results := make([][]types.WriteRequest, len(chunks))
	g, ctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			unprocessed, err := c.batchWrite(ctx, chunk)
			results[i] = unprocessed
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(results...), nil
}

// batchWrite makes a single batch write request to DynamoDB and returns any
// unfulfilled write requests.
func (c *ddbConn) batchWrite(ctx context.Context, reqs []types.WriteRequest) ([]types.WriteRequest, error) {
	out, err := c.conn.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{c.table: reqs},
	})
	if err != nil {
		return nil, err
	}
	unprocessed := out.UnprocessedItems[c.table]
	metrics.IncrCounter([]string{"dynamodb", "write_capacity"}, float32(len(reqs)-len(unprocessed)))
	return unprocessed, nil
}

// writeAll submits requests, looping until all writes have propagated to the
// database.
func (c *ddbConn) writeAll(ctx context.Context, reqs []types.WriteRequest) error {
	start := time.Now()
	iters := 0
	for len(reqs) > 0 {
		iters++

		var err error
		reqs, err = c.batchWriteParallel(ctx, reqs)
		if err != nil {
			return err
		}
	}
	metrics.MeasureSinceWithLabels(
		[]string{"dynamodb", "write_duration"},
		start,
		[]metrics.Label{{Name: "iters", Value: fmt.Sprint(iters)}},
	)
	return nil
}

// transact runs a TransactWriteItems request. It returns false if the request
// was cancelled because one of its conditions did not hold.
func (c *ddbConn) transact(ctx context.Context, items []types.TransactWriteItem) (bool, error) {
	_, err := c.conn.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return false, nil
			}
		}
		return false, err
	} else if err != nil {
		return false, err
	}
	metrics.IncrCounter([]string{"dynamodb", "write_capacity"}, float32(2*len(items)))
	return true, nil
}

// ddbStore implements the Store interface over a single DynamoDB table with a
// string partition key "k".
//
// A batch's tokens are written with BatchWriteItem before the batch record
// itself, which is put in a transaction together with its audit event. The
// batch record acts as the commit marker: token lookups only return tokens of
// batches that exist, so a batch whose commit failed is never observed.
type ddbStore struct {
	conn *ddbConn
}

var (
	adaptiveRetryer = retry.NewAdaptiveMode(func(opts *retry.AdaptiveModeOptions) {
		opts.StandardOptions = append(opts.StandardOptions, func(opts *retry.StandardOptions) {
			// Start with a larger token bucket and reduce the cost for non-timeout errors.
			// The default is 500 and 5, respectively.
			// https://pkg.go.dev/github.com/aws/aws-sdk-go-v2/aws/retry#StandardOptions
			opts.RateLimiter = ratelimit.NewTokenRateLimit(1000)
			opts.RetryCost = 1
			opts.MaxAttempts = 50
			opts.MaxBackoff = time.Minute
		})
	})
)

func NewDynamoDBStore(table string, parallel int) (Store, error) {
	if parallel <= 0 {
		return nil, fmt.Errorf("dynamodb needs at least one read worker, got %d", parallel)
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRetryer(func() aws.Retryer {
		return adaptiveRetryer
	}))
	if err != nil {
		return nil, err
	}
	return &ddbStore{newDDBConn(dynamodb.NewFromConfig(cfg), table, parallel)}, nil
}

func (ddb *ddbStore) Close() error { return nil }

func (ddb *ddbStore) CreateSurvey(ctx context.Context, survey *Survey) error {
	// Clone so that questions is always stored as a list, which AddQuestion
	// appends to.
	item, err := marshalItem(surveyPrefix+survey.ID, survey.Clone())
	if err != nil {
		return err
	}
	cond, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(keyLabel))).
		Build()
	if err != nil {
		return err
	}
	ok, err := ddb.conn.transact(ctx, []types.TransactWriteItem{{Put: &types.Put{
		TableName:                 &ddb.conn.table,
		Item:                      item,
		ConditionExpression:       cond.Condition(),
		ExpressionAttributeNames:  cond.Names(),
		ExpressionAttributeValues: cond.Values(),
	}}})
	if err != nil {
		return err
	} else if !ok {
		return ErrConflict
	}
	return nil
}

func (ddb *ddbStore) GetSurvey(ctx context.Context, id string) (*Survey, error) {
	survey := &Survey{}
	if ok, err := ddb.conn.Get(surveyPrefix+id, survey); err != nil || !ok {
		return nil, err
	}
	sortQuestions(survey)
	return survey, nil
}

func (ddb *ddbStore) ListSurveys(ctx context.Context) ([]*Survey, error) {
	out := make([]*Survey, 0)
	err := ddb.scan(ctx, surveyPrefix, func(key string, item map[string]types.AttributeValue) error {
		survey := &Survey{}
		if err := unmarshalItem(item, survey); err != nil {
			return err
		}
		sortQuestions(survey)
		out = append(out, survey)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSurveys(out)
	return out, nil
}

// AddQuestion appends to the survey's question list on the condition that the
// list still has the length it was read with, retrying if another writer got
// there first.
func (ddb *ddbStore) AddQuestion(ctx context.Context, surveyID string, question *Question) (*Question, error) {
	for range maxQuestionAttempts {
		survey, err := ddb.GetSurvey(ctx, surveyID)
		if err != nil || survey == nil {
			return nil, err
		}
		count := len(survey.Questions)
		added := appendQuestion(survey, question)

		av, err := attributevalue.MarshalWithOptions(added, withJSONTags)
		if err != nil {
			return nil, err
		}
		expr, err := expression.NewBuilder().
			WithCondition(expression.Name(attrQuestions).Size().Equal(expression.Value(count))).
			WithUpdate(expression.Set(
				expression.Name(attrQuestions),
				expression.ListAppend(
					expression.Name(attrQuestions),
					expression.Value(&types.AttributeValueMemberL{Value: []types.AttributeValue{av}}),
				),
			)).
			Build()
		if err != nil {
			return nil, err
		}
		ok, err := ddb.conn.transact(ctx, []types.TransactWriteItem{{Update: &types.Update{
			TableName:                 &ddb.conn.table,
			Key:                       itemKey(surveyPrefix + surveyID),
			UpdateExpression:          expr.Update(),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		}}})
		if err != nil {
			return nil, err
		} else if ok {
			return added.Clone(), nil
		}
		metrics.IncrCounter([]string{"dynamodb", "question_conflict"}, 1)
	}
	return nil, fmt.Errorf("adding question to survey %q: %w", surveyID, ErrConflict)
}

func (ddb *ddbStore) CreateBatch(ctx context.Context, batch *Batch, tokens []*Token, event *AuditEvent) error {
	if existing, err := ddb.GetBatch(ctx, batch.ID); err != nil {
		return err
	} else if existing != nil {
		return ErrConflict
	}

	puts := make([]types.WriteRequest, 0, 2*len(tokens))
	deletes := make([]types.WriteRequest, 0, 2*len(tokens))
	for _, token := range tokens {
		tokenKey := positionKey(batch.ID, token.Position)
		tokenItem, err := marshalItem(tokenKey, token)
		if err != nil {
			return err
		}
		hashItem, err := marshalItem(hashPrefix+token.TokenHash, &hashEntry{batch.ID, token.Position})
		if err != nil {
			return err
		}
		puts = append(puts,
			types.WriteRequest{PutRequest: &types.PutRequest{Item: tokenItem}},
			types.WriteRequest{PutRequest: &types.PutRequest{Item: hashItem}},
		)
		deletes = append(deletes,
			types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: itemKey(tokenKey)}},
			types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: itemKey(hashPrefix + token.TokenHash)}},
		)
	}

	commit := func() (bool, error) {
		if err := ddb.conn.writeAll(ctx, puts); err != nil {
			return false, err
		}
		return ddb.conn.transact(ctx, ddb.batchCommitItems(batch, event))
	}
	ok, err := commit()
	if err == nil && ok {
		return nil
	}

	// Remove whatever token items made it into the table. They are invisible
	// without a batch record, so a failure here only leaves garbage behind.
	if cleanupErr := ddb.conn.writeAll(context.WithoutCancel(ctx), deletes); cleanupErr != nil {
		metrics.IncrCounter([]string{"dynamodb", "cleanup_failure"}, 1)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("survey %q does not exist or batch %q already exists", batch.SurveyID, batch.ID)
}

// batchCommitItems returns the transaction that makes a batch visible: the
// batch record, the append to its survey's batch list, and the audit event.
func (ddb *ddbStore) batchCommitItems(batch *Batch, event *AuditEvent) []types.TransactWriteItem {
	batchItem, err := marshalItem(batchPrefix+batch.ID, batch)
	if err != nil {
		panic(err)
	}
	eventItem, err := marshalItem(auditKey(event), event)
	if err != nil {
		panic(err)
	}

	notExists, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(keyLabel))).
		Build()
	if err != nil {
		panic(err)
	}
	appendBatch, err := expression.NewBuilder().
		WithCondition(expression.AttributeExists(expression.Name(keyLabel))).
		WithUpdate(expression.Set(
			expression.Name(attrBatchIDs),
			expression.ListAppend(
				expression.IfNotExists(expression.Name(attrBatchIDs), expression.Value([]string{})),
				expression.Value([]string{batch.ID}),
			),
		)).
		Build()
	if err != nil {
		panic(err)
	}

	return []types.TransactWriteItem{
		{Put: &types.Put{
			TableName:                 &ddb.conn.table,
			Item:                      batchItem,
			ConditionExpression:       notExists.Condition(),
			ExpressionAttributeNames:  notExists.Names(),
			ExpressionAttributeValues: notExists.Values(),
		}},
		{Update: &types.Update{
			TableName:                 &ddb.conn.table,
			Key:                       itemKey(surveyPrefix + batch.SurveyID),
			UpdateExpression:          appendBatch.Update(),
			ConditionExpression:       appendBatch.Condition(),
			ExpressionAttributeNames:  appendBatch.Names(),
			ExpressionAttributeValues: appendBatch.Values(),
		}},
		{Put: &types.Put{TableName: &ddb.conn.table, Item: eventItem}},
	}
}

func (ddb *ddbStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	batch := &Batch{}
	if ok, err := ddb.conn.Get(batchPrefix+id, batch); err != nil || !ok {
		return nil, err
	}
	return batch, nil
}

func (ddb *ddbStore) ListBatches(ctx context.Context, surveyID string) ([]*Batch, error) {
	var entry struct {
		BatchIDs []string `json:"batchIds"`
	}
	if ok, err := ddb.conn.Get(surveyPrefix+surveyID, &entry); err != nil {
		return nil, err
	} else if !ok {
		return []*Batch{}, nil
	}

	keys := make([]string, len(entry.BatchIDs))
	for i, id := range entry.BatchIDs {
		keys[i] = batchPrefix + id
	}
	data, err := ddb.conn.BatchGet(keys)
	if err != nil {
		return nil, err
	}

	out := make([]*Batch, 0, len(data))
	for _, item := range data {
		batch := &Batch{}
		if err := unmarshalItem(item, batch); err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	sortBatches(out)
	return out, nil
}

// committedToken fetches the token at the given position, provided its batch
// has been committed.
func (ddb *ddbStore) committedToken(ctx context.Context, batchID string, position int) (*Token, error) {
	data, err := ddb.conn.BatchGet([]string{batchPrefix + batchID, positionKey(batchID, position)})
	if err != nil {
		return nil, err
	}
	if _, ok := data[batchPrefix+batchID]; !ok {
		return nil, nil
	}
	item, ok := data[positionKey(batchID, position)]
	if !ok {
		return nil, nil
	}
	token := &Token{}
	if err := unmarshalItem(item, token); err != nil {
		return nil, err
	}
	return token, nil
}

func (ddb *ddbStore) GetToken(ctx context.Context, batchID, tokenHash string) (*Token, error) {
	entry := &hashEntry{}
	if ok, err := ddb.conn.Get(hashPrefix+tokenHash, entry); err != nil || !ok {
		return nil, err
	} else if entry.BatchID != batchID {
		return nil, nil
	}
	return ddb.committedToken(ctx, entry.BatchID, entry.Position)
}

func (ddb *ddbStore) FindToken(ctx context.Context, tokenHash string) (*Token, error) {
	entry := &hashEntry{}
	if ok, err := ddb.conn.Get(hashPrefix+tokenHash, entry); err != nil || !ok {
		return nil, err
	}
	return ddb.committedToken(ctx, entry.BatchID, entry.Position)
}

func (ddb *ddbStore) ListTokens(ctx context.Context, batchID string) ([]*Token, error) {
	batch, err := ddb.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	} else if batch == nil {
		return []*Token{}, nil
	}

	keys := make([]string, batch.Size)
	for i := range keys {
		keys[i] = positionKey(batchID, i)
	}
	data, err := ddb.conn.BatchGet(keys)
	if err != nil {
		return nil, err
	}

	out := make([]*Token, 0, len(data))
	for _, item := range data {
		token := &Token{}
		if err := unmarshalItem(item, token); err != nil {
			return nil, err
		}
		out = append(out, token)
	}
	sortTokens(out)
	return out, nil
}

// unspentCondition holds for a token that exists and is neither consumed nor
// revoked.
func unspentCondition() expression.ConditionBuilder {
	return expression.AttributeExists(expression.Name(keyLabel)).
		And(expression.AttributeNotExists(expression.Name(attrConsumedAt))).
		And(expression.Name(attrRevoked).Equal(expression.Value(false)))
}

func (ddb *ddbStore) spendToken(ctx context.Context, token *Token, update expression.UpdateBuilder, extra ...map[string]types.AttributeValue) (bool, error) {
	expr, err := expression.NewBuilder().WithCondition(unspentCondition()).WithUpdate(update).Build()
	if err != nil {
		return false, err
	}
	items := []types.TransactWriteItem{{Update: &types.Update{
		TableName:                 &ddb.conn.table,
		Key:                       itemKey(positionKey(token.BatchID, token.Position)),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}}}
	for _, item := range extra {
		items = append(items, types.TransactWriteItem{Put: &types.Put{TableName: &ddb.conn.table, Item: item}})
	}

	start := time.Now()
	ok, err := ddb.conn.transact(ctx, items)
	metrics.MeasureSinceWithLabels([]string{"dynamodb", "spend_duration"}, start, []metrics.Label{
		{Name: "success", Value: fmt.Sprint(ok)},
	})
	return ok, err
}

func (ddb *ddbStore) ConsumeToken(ctx context.Context, token *Token, now time.Time, resp *Response, event *AuditEvent) (bool, error) {
	respItem, err := marshalItem(responsePrefix+resp.ID, resp)
	if err != nil {
		return false, err
	}
	eventItem, err := marshalItem(auditKey(event), event)
	if err != nil {
		return false, err
	}
	update := expression.Set(expression.Name(attrConsumedAt), expression.Value(now))
	return ddb.spendToken(ctx, token, update, respItem, eventItem)
}

func (ddb *ddbStore) RevokeToken(ctx context.Context, token *Token, event *AuditEvent) (bool, error) {
	eventItem, err := marshalItem(auditKey(event), event)
	if err != nil {
		return false, err
	}
	update := expression.Set(expression.Name(attrRevoked), expression.Value(true))
	return ddb.spendToken(ctx, token, update, eventItem)
}

// scan reads every item whose key starts with prefix.
func (ddb *ddbStore) scan(ctx context.Context, prefix string, fn func(key string, item map[string]types.AttributeValue) error) error {
	filter, err := expression.NewBuilder().
		WithFilter(expression.Name(keyLabel).BeginsWith(prefix)).
		Build()
	if err != nil {
		return err
	}

	paginator := dynamodb.NewScanPaginator(ddb.conn.conn, &dynamodb.ScanInput{
		TableName:                 &ddb.conn.table,
		FilterExpression:          filter.Filter(),
		ExpressionAttributeNames:  filter.Names(),
		ExpressionAttributeValues: filter.Values(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		metrics.IncrCounter([]string{"dynamodb", "scanned_items"}, float32(page.ScannedCount))
		for _, item := range page.Items {
			key, ok := item[keyLabel].(*types.AttributeValueMemberS)
			if !ok {
				return fmt.Errorf("malformed database entry")
			}
			if err := fn(key.Value, item); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ddb *ddbStore) ListAuditEvents(ctx context.Context, limit int) ([]*AuditEvent, error) {
	out := make([]*AuditEvent, 0)
	keys := make(map[*AuditEvent]string)
	err := ddb.scan(ctx, auditPrefix, func(key string, item map[string]types.AttributeValue) error {
		event := &AuditEvent{}
		if err := unmarshalItem(item, event); err != nil {
			return err
		}
		keys[event] = key
		out = append(out, event)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b *AuditEvent) int { return strings.Compare(keys[a], keys[b]) })
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out, nil
}
