package dynamodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-backend/domain/core/entities"
	pkgerrors "lumina-backend/pkg/errors"
)

// stubAPI answers each call with the configured function and records inputs.
type stubAPI struct {
	put     func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	del     func(*dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error)
	batch   func(*dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
	puts    []*dynamodb.PutItemInput
	batches []*dynamodb.BatchWriteItemInput
}

func (s *stubAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{}, nil
}

func (s *stubAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.puts = append(s.puts, in)
	if s.put == nil {
		return &dynamodb.PutItemOutput{}, nil
	}
	return s.put(in)
}

func (s *stubAPI) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if s.del == nil {
		return &dynamodb.DeleteItemOutput{}, nil
	}
	return s.del(in)
}

func (s *stubAPI) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return &dynamodb.QueryOutput{}, nil
}

func (s *stubAPI) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	s.batches = append(s.batches, in)
	if s.batch == nil {
		return &dynamodb.BatchWriteItemOutput{}, nil
	}
	return s.batch(in)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func lockRow(t *testing.T, l entities.NodeLock) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(lockItem{
		PK: spacePK("board-b1"), SK: lockSK(l.NodeID), Space: "board-b1",
		ExpiresAt: l.ExpiresAt(5 * time.Minute).UnixMilli(),
		NodeLock:  l,
	})
	require.NoError(t, err)
	return item
}

func TestLockStore_Acquire(t *testing.T) {
	ttl := 5 * time.Minute
	bob := entities.NodeLock{NodeID: "n1", Holder: "bob", HolderName: "Bob", AcquiredAt: t0.Add(-time.Minute)}
	alice := entities.NodeLock{NodeID: "n1", Holder: "alice", AcquiredAt: t0}

	t.Run("held by another user", func(t *testing.T) {
		api := &stubAPI{put: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{Item: lockRow(t, bob)}
		}}
		store := NewLockStore(api, "tbl", func() time.Time { return t0 }, nil)

		grant, err := store.Acquire(context.Background(), "board-b1", alice, ttl)
		require.NoError(t, err)
		assert.False(t, grant.Acquired)
		assert.Equal(t, "bob", grant.Lock.Holder)
		assert.Equal(t, "Bob", grant.Lock.HolderName)

		in := api.puts[0]
		assert.Contains(t, *in.ConditionExpression, "attribute_not_exists")
		assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)
	})

	t.Run("already mine is re-entrant", func(t *testing.T) {
		mine := alice
		mine.AcquiredAt = t0.Add(-time.Minute)
		api := &stubAPI{put: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{Item: lockRow(t, mine)}
		}}
		store := NewLockStore(api, "tbl", func() time.Time { return t0 }, nil)

		grant, err := store.Acquire(context.Background(), "board-b1", alice, ttl)
		require.NoError(t, err)
		assert.True(t, grant.Acquired)
		assert.True(t, grant.Reentrant)
		assert.True(t, grant.Lock.AcquiredAt.Equal(mine.AcquiredAt), "re-entry keeps the original grant time")
	})

	t.Run("expired lock is replaced", func(t *testing.T) {
		stale := bob
		stale.AcquiredAt = t0.Add(-10 * time.Minute)
		api := &stubAPI{put: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			return &dynamodb.PutItemOutput{Attributes: lockRow(t, stale)}, nil
		}}
		store := NewLockStore(api, "tbl", func() time.Time { return t0 }, nil)

		grant, err := store.Acquire(context.Background(), "board-b1", alice, ttl)
		require.NoError(t, err)
		assert.True(t, grant.Acquired)
		assert.False(t, grant.Reentrant)
		require.NotNil(t, grant.Replaced)
		assert.Equal(t, "bob", grant.Replaced.Holder)
	})

	t.Run("throttling is retryable", func(t *testing.T) {
		api := &stubAPI{put: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
		}}
		store := NewLockStore(api, "tbl", func() time.Time { return t0 }, nil)

		_, err := store.Acquire(context.Background(), "board-b1", alice, ttl)
		require.Error(t, err)
		assert.True(t, errors.Is(err, pkgerrors.ErrPersistFailure))
		assert.True(t, pkgerrors.IsRetryable(err))
	})
}

func TestLockStore_ReleaseDeniedNamesHolder(t *testing.T) {
	bob := entities.NodeLock{NodeID: "n1", Holder: "bob", HolderName: "Bob", AcquiredAt: t0}
	api := &stubAPI{del: func(*dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
		return nil, &types.ConditionalCheckFailedException{Item: lockRow(t, bob)}
	}}
	store := NewLockStore(api, "tbl", func() time.Time { return t0 }, nil)

	_, err := store.Release(context.Background(), "board-b1", "n1", "alice", 5*time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrLockDenied))
	var denied *pkgerrors.LockDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "bob", denied.Holder)
}

func TestNodeRepository_SaveStale(t *testing.T) {
	api := &stubAPI{put: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("newer version stored")}
	}}
	repo := NewNodeRepository(api, "tbl", nil)

	err := repo.Save(context.Background(), entities.NodeSnapshot{BoardID: "b1", NodeID: "n1", Version: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrStaleWrite))
	assert.False(t, pkgerrors.IsRetryable(err))

	in := api.puts[0]
	assert.Equal(t, "tbl", *in.TableName)
	assert.NotContains(t, *in.ConditionExpression, "<=")
	assert.Contains(t, *in.ConditionExpression, " < ")
}

func TestNodeRepository_SaveEqualVersionMustMatchStoredWrite(t *testing.T) {
	api := &stubAPI{}
	repo := NewNodeRepository(api, "tbl", nil)

	node := entities.NodeSnapshot{BoardID: "b1", NodeID: "n1", Content: "alice-edit", LastModifiedBy: "alice", Version: 2, UpdatedAt: t0}
	require.NoError(t, repo.Save(context.Background(), node))

	in := api.puts[0]
	cond := *in.ConditionExpression
	assert.Contains(t, cond, "attribute_not_exists")
	assert.Contains(t, cond, " AND ")

	names := map[string]bool{}
	for _, n := range in.ExpressionAttributeNames {
		names[n] = true
	}
	for _, want := range []string{"Version", "LastModifiedBy", "UpdatedAt", "Content"} {
		assert.True(t, names[want], want)
	}

	var values []string
	for _, v := range in.ExpressionAttributeValues {
		if sv, ok := v.(*types.AttributeValueMemberS); ok {
			values = append(values, sv.Value)
		}
	}
	assert.Contains(t, values, "alice")
	assert.Contains(t, values, "alice-edit")
	assert.Contains(t, values, t0.Format(time.RFC3339Nano))
}

func TestBatchWrite_ResubmitsUnprocessed(t *testing.T) {
	calls := 0
	api := &stubAPI{}
	api.batch = func(in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
		calls++
		if calls == 1 {
			return &dynamodb.BatchWriteItemOutput{
				UnprocessedItems: map[string][]types.WriteRequest{"tbl": in.RequestItems["tbl"][:1]},
			}, nil
		}
		return &dynamodb.BatchWriteItemOutput{}, nil
	}
	tbl := newTable(api, "tbl", "", nil)

	reqs := make([]types.WriteRequest, 30)
	for i := range reqs {
		reqs[i] = deleteRequest("BOARD#b1", "NODE#n")
	}
	require.NoError(t, tbl.batchWrite(context.Background(), "test", reqs))

	require.Len(t, api.batches, 3)
	assert.Len(t, api.batches[0].RequestItems["tbl"], 25)
	assert.Len(t, api.batches[1].RequestItems["tbl"], 1)
	assert.Len(t, api.batches[2].RequestItems["tbl"], 5)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"throttled", &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}, true},
		{"missing table", &smithy.GenericAPIError{Code: "ResourceNotFoundException"}, false},
		{"bad request", &smithy.GenericAPIError{Code: "ValidationException"}, false},
		{"network", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, pkgerrors.IsRetryable(classify("op", tt.err)))
		})
	}
	assert.NoError(t, classify("op", nil))
	assert.ErrorIs(t, classify("op", context.Canceled), context.Canceled)
}
