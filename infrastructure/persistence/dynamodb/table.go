// Package dynamodb implements the persistence ports on a single DynamoDB table.
//
// Key layout:
//
//	BOARD#<id>       METADATA          board snapshot
//	BOARD#<id>       NODE#<nodeID>     node snapshot
//	USER#<uid>       BOARD#<id>        board access entry (owner or collaborator)
//	SPACE#<space>    LOCK#<nodeID>     node edit lock
//	CONNECTION#<id>  METADATA          websocket connection, GSI1PK=BOARD#<id>
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	pkgerrors "lumina-backend/pkg/errors"
)

const (
	skMetadata   = "METADATA"
	maxBatchSize = 25
	batchRetries = 3
)

// API is the subset of the DynamoDB client used by the stores.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// table bundles the client with the table name and the helpers every store needs.
type table struct {
	api    API
	name   string
	index  string
	logger *zap.Logger
}

func newTable(api API, name, index string, logger *zap.Logger) table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return table{api: api, name: name, index: index, logger: logger}
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// queryPrefix returns every item under pk whose sort key starts with prefix.
func (t table) queryPrefix(ctx context.Context, pk, prefix string, filter *expression.ConditionBuilder) ([]map[string]types.AttributeValue, error) {
	kc := expression.Key("PK").Equal(expression.Value(pk)).
		And(expression.Key("SK").BeginsWith(prefix))
	builder := expression.NewBuilder().WithKeyCondition(kc)
	if filter != nil {
		builder = builder.WithFilter(*filter)
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, pkgerrors.NewInternalError("build query expression").WithCause(err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(t.name),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	return t.paginate(ctx, "query "+pk, input)
}

// queryIndex runs an equality query on the GSI1 partition key.
func (t table) queryIndex(ctx context.Context, gsi1pk string) ([]map[string]types.AttributeValue, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("GSI1PK").Equal(expression.Value(gsi1pk))).
		Build()
	if err != nil {
		return nil, pkgerrors.NewInternalError("build index expression").WithCause(err)
	}
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(t.name),
		IndexName:                 aws.String(t.index),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	return t.paginate(ctx, "query index "+gsi1pk, input)
}

func (t table) paginate(ctx context.Context, op string, input *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	pages := dynamodb.NewQueryPaginator(t.api, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, classify(op, err)
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// batchWrite sends requests in chunks of 25, resubmitting unprocessed items a few times.
func (t table) batchWrite(ctx context.Context, op string, reqs []types.WriteRequest) error {
	for start := 0; start < len(reqs); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		pending := map[string][]types.WriteRequest{t.name: reqs[start:end]}
		for attempt := 0; len(pending[t.name]) > 0; attempt++ {
			if attempt == batchRetries {
				return pkgerrors.NewPersistFailure(fmt.Errorf("%s: %d unprocessed items", op, len(pending[t.name])))
			}
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(attempt*50) * time.Millisecond):
				}
			}
			out, err := t.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return classify(op, err)
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

func deleteRequest(pk, sk string) types.WriteRequest {
	return types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key(pk, sk)}}
}

func putRequest(item map[string]types.AttributeValue) types.WriteRequest {
	return types.WriteRequest{PutRequest: &types.PutRequest{Item: item}}
}

// conditionFailed unwraps a ConditionalCheckFailedException, if err is one.
func conditionFailed(err error) (*types.ConditionalCheckFailedException, bool) {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ccf, true
	}
	return nil, false
}

// classify maps a DynamoDB error onto the domain error taxonomy. Throttling and
// server faults are retryable PersistFailures; a missing table or a rejected
// request will not fix itself.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ResourceNotFoundException":
			return pkgerrors.NewConfigurationError("TABLE_NAME").WithCause(err)
		case "ValidationException", "AccessDeniedException", "ItemCollectionSizeLimitExceededException":
			return pkgerrors.NewValidationError("dynamodb rejected " + op).WithCause(err)
		}
	}
	return pkgerrors.NewPersistFailure(pkgerrors.NewDatabaseError(op, err))
}
