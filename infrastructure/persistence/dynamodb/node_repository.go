package dynamodb

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"lumina-backend/application/ports"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	pkgerrors "lumina-backend/pkg/errors"
)

type nodeItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	entities.NodeSnapshot
}

// NodeRepository implements ports.NodeRepository using DynamoDB
type NodeRepository struct {
	table
}

var _ ports.NodeRepository = (*NodeRepository)(nil)

// NewNodeRepository creates a node repository on tableName
func NewNodeRepository(api API, tableName string, logger *zap.Logger) *NodeRepository {
	return &NodeRepository{table: newTable(api, tableName, "", logger)}
}

func nodeSK(id string) string { return "NODE#" + id }

// Save is conditional on the stored version being older. At an equal version
// only a resend of the stored write is accepted, so a delayed retry can never
// roll a node back and two edits of one base version cannot both land.
func (r *NodeRepository) Save(ctx context.Context, node entities.NodeSnapshot) error {
	item, err := attributevalue.MarshalMap(nodeItem{
		PK:           boardPK(node.BoardID),
		SK:           nodeSK(node.NodeID),
		EntityType:   "NODE",
		NodeSnapshot: node,
	})
	if err != nil {
		return pkgerrors.NewInternalError("marshal node").WithCause(err)
	}

	sameWrite := expression.Name("Version").Equal(expression.Value(node.Version)).
		And(expression.Name("LastModifiedBy").Equal(expression.Value(node.LastModifiedBy))).
		And(expression.Name("UpdatedAt").Equal(expression.Value(node.UpdatedAt))).
		And(expression.Name("Content").Equal(expression.Value(node.Content)))
	cond := expression.AttributeNotExists(expression.Name("PK")).
		Or(expression.Name("Version").LessThan(expression.Value(node.Version))).
		Or(sameWrite)
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return pkgerrors.NewInternalError("build node condition").WithCause(err)
	}

	_, err = r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(r.name),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if _, ok := conditionFailed(err); ok {
		r.logger.Warn("Stale node write rejected",
			zap.String("boardID", node.BoardID),
			zap.String("nodeID", node.NodeID),
			zap.Int("version", node.Version),
		)
		return pkgerrors.NewStaleWrite("node-"+node.NodeID, node.Version)
	}
	if err != nil {
		return classify("save node", err)
	}
	return nil
}

func (r *NodeRepository) GetByID(ctx context.Context, boardID valueobjects.BoardID, nodeID valueobjects.NodeID) (*entities.Node, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.name),
		Key:            key(boardPK(boardID.String()), nodeSK(nodeID.String())),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify("get node", err)
	}
	if len(out.Item) == 0 {
		return nil, pkgerrors.ErrNodeNotFound
	}
	return decodeNode(out.Item)
}

func (r *NodeRepository) GetByBoard(ctx context.Context, boardID valueobjects.BoardID) ([]*entities.Node, error) {
	items, err := r.queryPrefix(ctx, boardPK(boardID.String()), "NODE#", nil)
	if err != nil {
		return nil, err
	}
	out := make([]*entities.Node, 0, len(items))
	for _, it := range items {
		n, err := decodeNode(it)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out, nil
}

func (r *NodeRepository) Delete(ctx context.Context, boardID valueobjects.BoardID, nodeID valueobjects.NodeID) error {
	_, err := r.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.name),
		Key:       key(boardPK(boardID.String()), nodeSK(nodeID.String())),
	})
	return classify("delete node", err)
}

func (r *NodeRepository) DeleteByBoard(ctx context.Context, boardID valueobjects.BoardID) error {
	items, err := r.queryPrefix(ctx, boardPK(boardID.String()), "NODE#", nil)
	if err != nil {
		return err
	}
	reqs := make([]types.WriteRequest, 0, len(items))
	for _, it := range items {
		var ni nodeItem
		if err := attributevalue.UnmarshalMap(it, &ni); err != nil {
			return pkgerrors.NewInternalError("unmarshal node").WithCause(err)
		}
		reqs = append(reqs, deleteRequest(ni.PK, ni.SK))
	}
	if err := r.batchWrite(ctx, "delete board nodes", reqs); err != nil {
		return err
	}
	r.logger.Debug("Board nodes deleted",
		zap.String("boardID", boardID.String()),
		zap.Int("count", len(reqs)),
	)
	return nil
}

func decodeNode(item map[string]types.AttributeValue) (*entities.Node, error) {
	var ni nodeItem
	if err := attributevalue.UnmarshalMap(item, &ni); err != nil {
		return nil, pkgerrors.NewInternalError("unmarshal node").WithCause(err)
	}
	return entities.ReconstructNode(ni.NodeSnapshot)
}
