package dynamodb

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"lumina-backend/application/ports"
	"lumina-backend/domain/core/entities"
	pkgerrors "lumina-backend/pkg/errors"
)

// lockItem is a node lock row. ExpiresAt is the last valid instant in unix
// milliseconds so the acquire condition can compare numbers; TTL lets DynamoDB
// reap abandoned rows.
type lockItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Space     string `dynamodbav:"Space"`
	ExpiresAt int64  `dynamodbav:"ExpiresAt"`
	TTL       int64  `dynamodbav:"TTL"`
	entities.NodeLock
}

// LockStore keeps node locks in DynamoDB using conditional writes, so several
// API instances can share one lock table.
type LockStore struct {
	table
	now func() time.Time
}

var _ ports.LockStore = (*LockStore)(nil)

// NewLockStore creates a lock store on tableName. A nil clock means time.Now.
func NewLockStore(api API, tableName string, now func() time.Time, logger *zap.Logger) *LockStore {
	if now == nil {
		now = time.Now
	}
	return &LockStore{table: newTable(api, tableName, "", logger), now: now}
}

func spacePK(space string) string { return "SPACE#" + space }
func lockSK(nodeID string) string { return "LOCK#" + nodeID }

// Acquire writes the lock unless a live one exists. A live lock held by the
// same user comes back from the failed condition and counts as re-entrant.
func (s *LockStore) Acquire(ctx context.Context, space string, lock entities.NodeLock, ttl time.Duration) (ports.LockGrant, error) {
	now := s.now()
	expires := lock.ExpiresAt(ttl)
	item, err := attributevalue.MarshalMap(lockItem{
		PK:        spacePK(space),
		SK:        lockSK(lock.NodeID),
		Space:     space,
		ExpiresAt: expires.UnixMilli(),
		TTL:       expires.Add(time.Hour).Unix(),
		NodeLock:  lock,
	})
	if err != nil {
		return ports.LockGrant{}, pkgerrors.NewInternalError("marshal lock").WithCause(err)
	}

	cond := expression.AttributeNotExists(expression.Name("PK")).
		Or(expression.Name("ExpiresAt").LessThan(expression.Value(now.UnixMilli())))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return ports.LockGrant{}, pkgerrors.NewInternalError("build lock condition").WithCause(err)
	}

	out, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(s.name),
		Item:                                item,
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllOld,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if ccf, ok := conditionFailed(err); ok {
		cur, derr := decodeLock(ccf.Item)
		if derr != nil {
			return ports.LockGrant{}, derr
		}
		if cur.Holder == lock.Holder {
			return ports.LockGrant{Lock: cur, Acquired: true, Reentrant: true}, nil
		}
		s.logger.Debug("Lock held by another user",
			zap.String("space", space),
			zap.String("nodeID", lock.NodeID),
			zap.String("holder", cur.Holder),
		)
		return ports.LockGrant{Lock: cur}, nil
	}
	if err != nil {
		return ports.LockGrant{}, classify("acquire lock", err)
	}

	grant := ports.LockGrant{Lock: lock, Acquired: true}
	if len(out.Attributes) > 0 {
		prev, derr := decodeLock(out.Attributes)
		if derr != nil {
			return ports.LockGrant{}, derr
		}
		grant.Replaced = &prev
	}
	s.logger.Debug("Lock acquired",
		zap.String("space", space),
		zap.String("nodeID", lock.NodeID),
		zap.String("holder", lock.Holder),
		zap.Bool("replaced", grant.Replaced != nil),
	)
	return grant, nil
}

func (s *LockStore) Release(ctx context.Context, space, nodeID, holder string, ttl time.Duration) (entities.NodeLock, error) {
	now := s.now()
	cond := expression.AttributeNotExists(expression.Name("PK")).
		Or(expression.Name("Holder").Equal(expression.Value(holder))).
		Or(expression.Name("ExpiresAt").LessThan(expression.Value(now.UnixMilli())))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return entities.NodeLock{}, pkgerrors.NewInternalError("build release condition").WithCause(err)
	}

	out, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                           aws.String(s.name),
		Key:                                 key(spacePK(space), lockSK(nodeID)),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllOld,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if ccf, ok := conditionFailed(err); ok {
		cur, derr := decodeLock(ccf.Item)
		if derr != nil {
			return entities.NodeLock{}, derr
		}
		return entities.NodeLock{}, pkgerrors.NewLockDenied(nodeID, cur.Holder, cur.HolderName, cur.AcquiredAt)
	}
	if err != nil {
		return entities.NodeLock{}, classify("release lock", err)
	}
	if len(out.Attributes) == 0 {
		return entities.NodeLock{}, nil
	}
	return decodeLock(out.Attributes)
}

func (s *LockStore) List(ctx context.Context, space string) ([]entities.NodeLock, error) {
	items, err := s.queryPrefix(ctx, spacePK(space), "LOCK#", nil)
	if err != nil {
		return nil, err
	}
	out := make([]entities.NodeLock, 0, len(items))
	for _, it := range items {
		l, err := decodeLock(it)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// ReleaseConnection deletes each lock the connection still owns. A lock taken
// over by someone else between the query and the delete is left alone.
func (s *LockStore) ReleaseConnection(ctx context.Context, space, connectionID string) ([]entities.NodeLock, error) {
	filter := expression.Name("ConnectionID").Equal(expression.Value(connectionID))
	items, err := s.queryPrefix(ctx, spacePK(space), "LOCK#", &filter)
	if err != nil {
		return nil, err
	}

	expr, err := expression.NewBuilder().WithCondition(filter).Build()
	if err != nil {
		return nil, pkgerrors.NewInternalError("build release condition").WithCause(err)
	}

	var released []entities.NodeLock
	for _, it := range items {
		l, err := decodeLock(it)
		if err != nil {
			return released, err
		}
		_, err = s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.name),
			Key:                       key(spacePK(space), lockSK(l.NodeID)),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		if _, ok := conditionFailed(err); ok {
			continue
		}
		if err != nil {
			return released, classify("release connection locks", err)
		}
		released = append(released, l)
	}
	return released, nil
}

func decodeLock(item map[string]types.AttributeValue) (entities.NodeLock, error) {
	var li lockItem
	if err := attributevalue.UnmarshalMap(item, &li); err != nil {
		return entities.NodeLock{}, pkgerrors.NewInternalError("unmarshal lock").WithCause(err)
	}
	return li.NodeLock, nil
}
