package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"conversation-agent/internal/domain"
)

const (
	maxTransactItems = 100
	maxBatchWrite    = 25
	maxBatchRetries  = 5
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client stores turns in a DynamoDB table partitioned by userId and sorted by
// sortKey. Per-user reads are strongly consistent queries on the base table,
// so a turn written by one task is visible to the next arrival's supersede.
//
// Turn ids are "<userId>/<sortKey>" and address a single item.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// SupersedePending marks every pending turn of the user as superseded. Turns
// that leave PENDING between the scan and the write are skipped.
func (c *Client) SupersedePending(ctx context.Context, userID string) (int, error) {
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("userId = :uid"),
		FilterExpression:       aws.String("#status = :pending"),
		ConsistentRead:         aws.Bool(true),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":     &types.AttributeValueMemberS{Value: userID},
			":pending": &types.AttributeValueMemberS{Value: string(domain.TurnPending)},
		},
	})

	now := formatTime(c.now())
	affected := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return affected, fmt.Errorf("repository: SupersedePending query: %w", err)
		}
		for _, item := range page.Items {
			sk, err := strAttr(item, "sortKey")
			if err != nil {
				return affected, fmt.Errorf("repository: SupersedePending: %w", err)
			}
			id := turnID(userID, sk)
			_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(c.tableName),
				Key:                 itemKey(userID, sk),
				UpdateExpression:    aws.String("SET #status = :superseded, updatedAt = :now"),
				ConditionExpression: aws.String("#status = :pending"),
				ExpressionAttributeNames: map[string]string{
					"#status": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":superseded": &types.AttributeValueMemberS{Value: string(domain.TurnSuperseded)},
					":pending":    &types.AttributeValueMemberS{Value: string(domain.TurnPending)},
					":now":        &types.AttributeValueMemberS{Value: now},
				},
			})
			if isConditionalCheckFailed(err) {
				continue
			}
			if err != nil {
				return affected, fmt.Errorf("repository: SupersedePending update %s: %w", id, err)
			}
			affected++
		}
	}
	return affected, nil
}

// InsertPending records a new pending turn and returns its id.
func (c *Client) InsertPending(ctx context.Context, userID, text string, now time.Time) (string, error) {
	turn := domain.Turn{
		ID:        turnID(userID, sortKey(now, 0, newID())),
		UserID:    userID,
		Text:      text,
		CreatedAt: now,
		Status:    domain.TurnPending,
	}
	item, err := turnItem(turn)
	if err != nil {
		return "", fmt.Errorf("repository: InsertPending: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sortKey)"),
	})
	if err != nil {
		return "", fmt.Errorf("repository: InsertPending: %w", err)
	}
	return turn.ID, nil
}

// RecentHistory returns up to limit of the user's most recent turns, oldest first.
func (c *Client) RecentHistory(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("userId = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
		ConsistentRead: aws.Bool(true),
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentHistory query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentHistory unmarshal: %w", err)
		}
		turns = append(turns, t)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// CommitReply moves a pending turn to REPLIED. It reports false, without
// error, when the turn is no longer pending.
func (c *Client) CommitReply(ctx context.Context, id, response string, now time.Time) (bool, error) {
	key, err := idKey(id)
	if err != nil {
		return false, fmt.Errorf("repository: CommitReply: %w", err)
	}
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key,
		UpdateExpression:    aws.String("SET #status = :replied, #response = :response, updatedAt = :now"),
		ConditionExpression: aws.String("#status = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#status":   "status",
			"#response": "response",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":replied":  &types.AttributeValueMemberS{Value: string(domain.TurnReplied)},
			":pending":  &types.AttributeValueMemberS{Value: string(domain.TurnPending)},
			":response": &types.AttributeValueMemberS{Value: response},
			":now":      &types.AttributeValueMemberS{Value: formatTime(now)},
		},
	})
	if isConditionalCheckFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: CommitReply: %w", err)
	}
	return true, nil
}

// CommitError marks a turn as errored with a diagnostic message.
func (c *Client) CommitError(ctx context.Context, id, message string, now time.Time) error {
	key, err := idKey(id)
	if err != nil {
		return fmt.Errorf("repository: CommitError: %w", err)
	}
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key,
		UpdateExpression:    aws.String("SET #status = :errored, #response = :message, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(sortKey)"),
		ExpressionAttributeNames: map[string]string{
			"#status":   "status",
			"#response": "response",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":errored": &types.AttributeValueMemberS{Value: string(domain.TurnErrored)},
			":message": &types.AttributeValueMemberS{Value: message},
			":now":     &types.AttributeValueMemberS{Value: formatTime(now)},
		},
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("repository: CommitError %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("repository: CommitError: %w", err)
	}
	return nil
}

// MarkCompacting sets the compaction marker on every id, or on none of them
// when any id is already marked.
func (c *Client) MarkCompacting(ctx context.Context, ids []string, now time.Time) error {
	keys, err := idKeys(ids)
	if err != nil {
		return fmt.Errorf("repository: MarkCompacting: %w", err)
	}
	stamp := formatTime(now)
	var marked []string
	for start := 0; start < len(ids); start += maxTransactItems {
		end := min(start+maxTransactItems, len(ids))
		chunk := ids[start:end]
		items := make([]types.TransactWriteItem, 0, len(chunk))
		for _, key := range keys[start:end] {
			items = append(items, types.TransactWriteItem{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 key,
					UpdateExpression:    aws.String("SET compactionInFlight = :now"),
					ConditionExpression: aws.String("attribute_exists(sortKey) AND attribute_not_exists(compactionInFlight)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":now": &types.AttributeValueMemberS{Value: stamp},
					},
				},
			})
		}

		_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		if err != nil {
			var canceled *types.TransactionCanceledException
			if errors.As(err, &canceled) {
				err = ErrCompactionInFlight
			}
			if len(marked) > 0 {
				// Release what earlier chunks took; the caller sees nothing marked.
				if rerr := c.UnmarkCompacting(context.WithoutCancel(ctx), marked); rerr != nil {
					err = errors.Join(err, fmt.Errorf("release earlier chunks: %w", rerr))
				}
			}
			return fmt.Errorf("repository: MarkCompacting: %w", err)
		}
		marked = append(marked, chunk...)
	}
	return nil
}

// UnmarkCompacting clears the compaction marker. Missing turns are ignored.
func (c *Client) UnmarkCompacting(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		key, err := idKey(id)
		if err != nil {
			// A malformed id cannot name a stored turn.
			continue
		}
		_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(c.tableName),
			Key:                 key,
			UpdateExpression:    aws.String("REMOVE compactionInFlight"),
			ConditionExpression: aws.String("attribute_exists(sortKey)"),
		})
		if err != nil && !isConditionalCheckFailed(err) {
			errs = append(errs, fmt.Errorf("unmark %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("repository: UnmarkCompacting: %w", errors.Join(errs...))
	}
	return nil
}

// ReplaceBatch writes newTurns and then deletes oldIDs. The two steps are not
// atomic; a failure in between leaves both copies rather than neither.
func (c *Client) ReplaceBatch(ctx context.Context, userID string, oldIDs []string, newTurns []domain.Turn) error {
	oldKeys, err := idKeys(oldIDs)
	if err != nil {
		return fmt.Errorf("repository: ReplaceBatch: %w", err)
	}
	puts := make([]types.WriteRequest, 0, len(newTurns))
	for _, t := range newTurns {
		t.UserID = userID
		t.ID = turnID(userID, sortKey(t.CreatedAt, t.Seq, newID()))
		item, err := turnItem(t)
		if err != nil {
			return fmt.Errorf("repository: ReplaceBatch: %w", err)
		}
		puts = append(puts, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	if err := c.batchWrite(ctx, puts); err != nil {
		return fmt.Errorf("repository: ReplaceBatch insert: %w", err)
	}

	deletes := make([]types.WriteRequest, 0, len(oldKeys))
	for _, key := range oldKeys {
		deletes = append(deletes, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
	}
	if err := c.batchWrite(ctx, deletes); err != nil {
		return fmt.Errorf("repository: ReplaceBatch delete: %w", err)
	}
	return nil
}

func (c *Client) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	for start := 0; start < len(reqs); start += maxBatchWrite {
		pending := reqs[start:min(start+maxBatchWrite, len(reqs))]
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt > maxBatchRetries {
				return fmt.Errorf("%d items still unprocessed after %d retries", len(pending), maxBatchRetries)
			}
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
				}
			}
			out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{c.tableName: pending},
			})
			if err != nil {
				return err
			}
			if out == nil {
				break
			}
			pending = out.UnprocessedItems[c.tableName]
		}
	}
	return nil
}

func itemKey(userID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId":  &types.AttributeValueMemberS{Value: userID},
		"sortKey": &types.AttributeValueMemberS{Value: sk},
	}
}

func idKey(id string) (map[string]types.AttributeValue, error) {
	userID, sk, err := splitTurnID(id)
	if err != nil {
		return nil, err
	}
	return itemKey(userID, sk), nil
}

func idKeys(ids []string) ([]map[string]types.AttributeValue, error) {
	keys := make([]map[string]types.AttributeValue, len(ids))
	for i, id := range ids {
		key, err := idKey(id)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return err != nil && errors.As(err, &ccf)
}

func turnItem(t domain.Turn) (map[string]types.AttributeValue, error) {
	userID, sk, err := splitTurnID(t.ID)
	if err != nil {
		return nil, err
	}
	if userID != t.UserID {
		return nil, fmt.Errorf("repository: turn id %q does not belong to user %q", t.ID, t.UserID)
	}
	item := map[string]types.AttributeValue{
		"userId":    &types.AttributeValueMemberS{Value: userID},
		"sortKey":   &types.AttributeValueMemberS{Value: sk},
		"createdAt": &types.AttributeValueMemberS{Value: formatTime(t.CreatedAt)},
		"seq":       &types.AttributeValueMemberN{Value: strconv.Itoa(t.Seq)},
		"text":      &types.AttributeValueMemberS{Value: t.Text},
		"status":    &types.AttributeValueMemberS{Value: string(t.Status)},
	}
	if t.Response != "" {
		item["response"] = &types.AttributeValueMemberS{Value: t.Response}
	}
	if t.UpdatedAt != nil {
		item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(*t.UpdatedAt)}
	}
	if t.CompactionInFlight != nil {
		item["compactionInFlight"] = &types.AttributeValueMemberS{Value: formatTime(*t.CompactionInFlight)}
	}
	return item, nil
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Turn{}, err
	}
	sk, err := strAttr(item, "sortKey")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	seq, err := intAttr(item, "seq")
	if err != nil {
		seq = 0 // allow missing
	}
	response, _ := strAttr(item, "response") // allow empty

	t := domain.Turn{
		ID:        turnID(userID, sk),
		UserID:    userID,
		Text:      text,
		CreatedAt: createdAt,
		Seq:       seq,
		Status:    domain.TurnStatus(status),
		Response:  response,
	}
	if _, ok := item["updatedAt"]; ok {
		ts, err := timeAttr(item, "updatedAt")
		if err != nil {
			return domain.Turn{}, err
		}
		t.UpdatedAt = &ts
	}
	if _, ok := item["compactionInFlight"]; ok {
		ts, err := timeAttr(item, "compactionInFlight")
		if err != nil {
			return domain.Turn{}, err
		}
		t.CompactionInFlight = &ts
	}
	return t, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := parseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
