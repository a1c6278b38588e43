package auth

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterTable keeps one counter per PK/SK and honours the limit condition.
type counterTable struct {
	mu      sync.Mutex
	limit   int
	counts  map[string]int
	updates []*dynamodb.UpdateItemInput
	fail    error
}

func rowKey(key map[string]types.AttributeValue) string {
	return key["PK"].(*types.AttributeValueMemberS).Value + "|" + key["SK"].(*types.AttributeValueMemberS).Value
}

func (c *counterTable) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, in)
	if c.fail != nil {
		return nil, c.fail
	}
	k := rowKey(in.Key)
	if c.counts[k] >= c.limit {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("limit reached")}
	}
	c.counts[k]++
	return &dynamodb.UpdateItemOutput{}, nil
}

func (c *counterTable) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[rowKey(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"Count":     &types.AttributeValueMemberN{Value: strconv.Itoa(n)},
		"WindowEnd": &types.AttributeValueMemberN{Value: "0"},
	}}, nil
}

func (c *counterTable) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, rowKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDistributedRateLimiter_CountsPerWindow(t *testing.T) {
	ctx := context.Background()
	table := &counterTable{limit: 2, counts: map[string]int{}}
	limiter := NewDistributedRateLimiter(table, "rate-limits", 2, time.Minute, "ws")
	now := time.Date(2024, 3, 1, 12, 0, 10, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok, "keys are counted separately")

	left, resetAt, err := limiter.Remaining(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, left)
	assert.Equal(t, now.Truncate(time.Minute).Add(time.Minute), resetAt)

	in := table.updates[0]
	assert.Equal(t, "rate-limits", *in.TableName)
	assert.Contains(t, *in.UpdateExpression, "if_not_exists")
	assert.Contains(t, *in.UpdateExpression, "+")
	assert.Contains(t, *in.ConditionExpression, "attribute_not_exists")

	require.NoError(t, limiter.Reset(ctx, "alice"))
	ok, err = limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, err = limiter.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts from zero")
}

func TestDistributedRateLimiter_FailsOpen(t *testing.T) {
	table := &counterTable{limit: 1, counts: map[string]int{}, fail: errors.New("throttled")}
	limiter := NewDistributedRateLimiter(table, "rate-limits", 1, time.Minute, "ws")

	ok, err := limiter.Allow(context.Background(), "alice")
	assert.True(t, ok)
	assert.Error(t, err)

	open := NewDistributedRateLimiter(nil, "", 1, time.Minute, "ws")
	ok, err = open.Allow(context.Background(), "alice")
	assert.True(t, ok)
	assert.NoError(t, err)
}
