package dynamodb

import (
	"context"
	"errors"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"lumina-backend/application/ports"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	pkgerrors "lumina-backend/pkg/errors"
)

// boardItem is the board metadata row
type boardItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	entities.BoardSnapshot
}

// accessItem lets ListByUser find boards without a scan
type accessItem struct {
	PK         string                  `dynamodbav:"PK"`
	SK         string                  `dynamodbav:"SK"`
	EntityType string                  `dynamodbav:"EntityType"`
	BoardID    string                  `dynamodbav:"BoardID"`
	Permission valueobjects.Permission `dynamodbav:"Permission,omitempty"`
	Owner      bool                    `dynamodbav:"Owner"`
}

// BoardRepository implements ports.BoardRepository using DynamoDB
type BoardRepository struct {
	table
	nodes *NodeRepository
}

var _ ports.BoardRepository = (*BoardRepository)(nil)

// NewBoardRepository creates a board repository. Deleting a board also removes
// its nodes through nodes.
func NewBoardRepository(api API, tableName string, nodes *NodeRepository, logger *zap.Logger) *BoardRepository {
	return &BoardRepository{table: newTable(api, tableName, "", logger), nodes: nodes}
}

func boardPK(id string) string { return "BOARD#" + id }
func userPK(id string) string  { return "USER#" + id }

// Save writes the metadata row and refreshes the access entries of the owner
// and every collaborator.
func (r *BoardRepository) Save(ctx context.Context, board *entities.Board) error {
	snap := board.Snapshot()
	item, err := attributevalue.MarshalMap(boardItem{
		PK:            boardPK(snap.ID),
		SK:            skMetadata,
		EntityType:    "BOARD",
		BoardSnapshot: snap,
	})
	if err != nil {
		return pkgerrors.NewInternalError("marshal board").WithCause(err)
	}

	if _, err := r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.name),
		Item:      item,
	}); err != nil {
		return classify("save board", err)
	}

	access := []accessItem{{
		PK: userPK(snap.OwnerID), SK: boardPK(snap.ID), EntityType: "BOARD_ACCESS",
		BoardID: snap.ID, Owner: true,
	}}
	for _, c := range snap.Collaborators {
		access = append(access, accessItem{
			PK: userPK(c.UserID), SK: boardPK(snap.ID), EntityType: "BOARD_ACCESS",
			BoardID: snap.ID, Permission: c.Permission,
		})
	}
	reqs := make([]types.WriteRequest, 0, len(access))
	for _, a := range access {
		av, err := attributevalue.MarshalMap(a)
		if err != nil {
			return pkgerrors.NewInternalError("marshal board access").WithCause(err)
		}
		reqs = append(reqs, putRequest(av))
	}
	if err := r.batchWrite(ctx, "save board access", reqs); err != nil {
		return err
	}

	r.logger.Debug("Board saved",
		zap.String("boardID", snap.ID),
		zap.Int("version", snap.Version),
		zap.Int("collaborators", len(snap.Collaborators)),
	)
	return nil
}

func (r *BoardRepository) GetByID(ctx context.Context, id valueobjects.BoardID) (*entities.Board, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.name),
		Key:            key(boardPK(id.String()), skMetadata),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify("get board", err)
	}
	if len(out.Item) == 0 {
		return nil, pkgerrors.ErrBoardNotFound
	}
	var bi boardItem
	if err := attributevalue.UnmarshalMap(out.Item, &bi); err != nil {
		return nil, pkgerrors.NewInternalError("unmarshal board").WithCause(err)
	}
	return entities.ReconstructBoard(bi.BoardSnapshot)
}

// ListByUser follows the user's access entries. Entries left behind by a
// removed collaborator or a deleted board are skipped.
func (r *BoardRepository) ListByUser(ctx context.Context, userID string) ([]*entities.Board, error) {
	items, err := r.queryPrefix(ctx, userPK(userID), "BOARD#", nil)
	if err != nil {
		return nil, err
	}

	var out []*entities.Board
	for _, it := range items {
		var ai accessItem
		if err := attributevalue.UnmarshalMap(it, &ai); err != nil {
			return nil, pkgerrors.NewInternalError("unmarshal board access").WithCause(err)
		}
		id, err := valueobjects.NewBoardIDFromString(ai.BoardID)
		if err != nil {
			continue
		}
		b, err := r.GetByID(ctx, id)
		if errors.Is(err, pkgerrors.ErrBoardNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !b.IsOwner(userID) && !hasCollaborator(b, userID) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified().After(out[j].LastModified()) })
	return out, nil
}

func (r *BoardRepository) Delete(ctx context.Context, id valueobjects.BoardID) error {
	board, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if r.nodes != nil {
		if err := r.nodes.DeleteByBoard(ctx, id); err != nil {
			return err
		}
	}

	reqs := []types.WriteRequest{
		deleteRequest(boardPK(id.String()), skMetadata),
		deleteRequest(userPK(board.OwnerID()), boardPK(id.String())),
	}
	for _, c := range board.Collaborators() {
		reqs = append(reqs, deleteRequest(userPK(c.UserID), boardPK(id.String())))
	}
	if err := r.batchWrite(ctx, "delete board", reqs); err != nil {
		return err
	}
	r.logger.Info("Board deleted", zap.String("boardID", id.String()))
	return nil
}

func hasCollaborator(b *entities.Board, userID string) bool {
	for _, c := range b.Collaborators() {
		if c.UserID == userID {
			return true
		}
	}
	return false
}
