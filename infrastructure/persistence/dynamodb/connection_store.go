package dynamodb

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"lumina-backend/application/ports"
	pkgerrors "lumina-backend/pkg/errors"
)

// connectionItem uses GSI1 so a board's connections can be found for fanout.
// TTL mirrors ExpiresAt; DynamoDB removes connections whose disconnect was lost.
type connectionItem struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	GSI1PK string `dynamodbav:"GSI1PK"`
	GSI1SK string `dynamodbav:"GSI1SK"`
	TTL    int64  `dynamodbav:"TTL"`
	ports.Connection
}

// ConnectionStore implements ports.ConnectionStore using DynamoDB
type ConnectionStore struct {
	table
}

var _ ports.ConnectionStore = (*ConnectionStore)(nil)

// NewConnectionStore creates a connection store; indexName is the GSI keyed on GSI1PK.
func NewConnectionStore(api API, tableName, indexName string, logger *zap.Logger) *ConnectionStore {
	return &ConnectionStore{table: newTable(api, tableName, indexName, logger)}
}

func connectionPK(id string) string { return "CONNECTION#" + id }

func (s *ConnectionStore) Put(ctx context.Context, conn ports.Connection) error {
	item, err := attributevalue.MarshalMap(connectionItem{
		PK:         connectionPK(conn.ConnectionID),
		SK:         skMetadata,
		GSI1PK:     boardPK(conn.BoardID),
		GSI1SK:     connectionPK(conn.ConnectionID),
		TTL:        conn.ExpiresAt,
		Connection: conn,
	})
	if err != nil {
		return pkgerrors.NewInternalError("marshal connection").WithCause(err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.name),
		Item:      item,
	}); err != nil {
		return classify("put connection", err)
	}
	s.logger.Debug("Connection stored",
		zap.String("connectionID", conn.ConnectionID),
		zap.String("boardID", conn.BoardID),
		zap.String("userID", conn.UserID),
	)
	return nil
}

func (s *ConnectionStore) Get(ctx context.Context, connectionID string) (ports.Connection, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.name),
		Key:       key(connectionPK(connectionID), skMetadata),
	})
	if err != nil {
		return ports.Connection{}, classify("get connection", err)
	}
	if len(out.Item) == 0 {
		return ports.Connection{}, pkgerrors.NewNotFoundError("connection")
	}
	return decodeConnection(out.Item)
}

func (s *ConnectionStore) Delete(ctx context.Context, connectionID string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.name),
		Key:       key(connectionPK(connectionID), skMetadata),
	})
	return classify("delete connection", err)
}

func (s *ConnectionStore) ListByBoard(ctx context.Context, boardID string) ([]ports.Connection, error) {
	items, err := s.queryIndex(ctx, boardPK(boardID))
	if err != nil {
		return nil, err
	}
	out := make([]ports.Connection, 0, len(items))
	for _, it := range items {
		c, err := decodeConnection(it)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeConnection(item map[string]types.AttributeValue) (ports.Connection, error) {
	var ci connectionItem
	if err := attributevalue.UnmarshalMap(item, &ci); err != nil {
		return ports.Connection{}, pkgerrors.NewInternalError("unmarshal connection").WithCause(err)
	}
	return ci.Connection, nil
}
