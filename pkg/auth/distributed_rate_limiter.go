package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CounterStore is the part of the DynamoDB client the distributed limiter needs
type CounterStore interface {
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DistributedRateLimiter counts requests per fixed window in DynamoDB, so the
// limit holds across Lambda instances.
type DistributedRateLimiter struct {
	client    CounterStore
	tableName string
	limit     int
	window    time.Duration
	keyPrefix string
	now       func() time.Time
}

type rateLimitEntry struct {
	Count     int   `dynamodbav:"Count"`
	WindowEnd int64 `dynamodbav:"WindowEnd"`
}

// NewDistributedRateLimiter creates a limiter of limit requests per window.
// A nil client allows everything, for local development.
func NewDistributedRateLimiter(client CounterStore, tableName string, limit int, window time.Duration, keyPrefix string) *DistributedRateLimiter {
	return &DistributedRateLimiter{
		client:    client,
		tableName: tableName,
		limit:     limit,
		window:    window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (r *DistributedRateLimiter) itemKey(key string, windowStart time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("RATELIMIT#%s#%s", r.keyPrefix, key)},
		"SK": &types.AttributeValueMemberS{Value: "WINDOW#" + strconv.FormatInt(windowStart.Unix(), 10)},
	}
}

// Allow increments the window counter unless it already reached the limit.
// Storage errors fail open and are returned alongside true.
func (r *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.client == nil {
		return true, nil
	}

	windowStart := r.now().Truncate(r.window)
	windowEnd := windowStart.Add(r.window)

	update := expression.Set(expression.Name("Count"),
		expression.Plus(expression.IfNotExists(expression.Name("Count"), expression.Value(0)), expression.Value(1))).
		Set(expression.Name("WindowEnd"), expression.Value(windowEnd.Unix())).
		Set(expression.Name("TTL"), expression.Value(windowEnd.Add(time.Hour).Unix()))
	cond := expression.AttributeNotExists(expression.Name("Count")).
		Or(expression.Name("Count").LessThan(expression.Value(r.limit)))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return true, fmt.Errorf("rate limiter expression (failing open): %w", err)
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       r.itemKey(key, windowStart),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return true, fmt.Errorf("rate limiter error (failing open): %w", err)
	}
	return true, nil
}

// Remaining reports how many requests key has left and when the window resets
func (r *DistributedRateLimiter) Remaining(ctx context.Context, key string) (int, time.Time, error) {
	windowStart := r.now().Truncate(r.window)
	resetAt := windowStart.Add(r.window)
	if r.client == nil {
		return r.limit, resetAt, nil
	}

	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.itemKey(key, windowStart),
	})
	if err != nil || len(out.Item) == 0 {
		return r.limit, resetAt, err
	}
	var entry rateLimitEntry
	if err := attributevalue.UnmarshalMap(out.Item, &entry); err != nil {
		return r.limit, resetAt, fmt.Errorf("failed to parse rate limit entry: %w", err)
	}
	return max(r.limit-entry.Count, 0), resetAt, nil
}

// Reset clears the current window for key
func (r *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	if r.client == nil {
		return nil
	}
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.itemKey(key, r.now().Truncate(r.window)),
	})
	return err
}

// Limit returns the configured requests per window
func (r *DistributedRateLimiter) Limit() int { return r.limit }
