// Package main registers API Gateway websocket connections against the board
// they were opened for, so board events can be fanned out to them.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"lumina-backend/application/collab"
	"lumina-backend/application/ports"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/identity"
	"lumina-backend/infrastructure/config"
	"lumina-backend/infrastructure/di"
	pkgerrors "lumina-backend/pkg/errors"
)

// API Gateway closes websockets after two hours
const connectionTTL = 2 * time.Hour

var gateway *di.Gateway

func init() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	gateway, err = di.InitializeGateway(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize gateway: %v", err)
	}
}

// authenticate accepts a token from the query or the Authorization header,
// then falls back to a guest id.
func authenticate(req events.APIGatewayWebsocketProxyRequest) (string, error) {
	token := req.QueryStringParameters["token"]
	if token == "" {
		token = req.Headers["Authorization"]
	}
	if token != "" {
		if gateway.Validator == nil {
			return "", pkgerrors.NewUnauthorizedError("token authentication is not configured")
		}
		claims, err := gateway.Validator.ValidateToken(token)
		if err != nil {
			return "", err
		}
		return claims.UserID, nil
	}
	guest := req.QueryStringParameters["guest"]
	if gateway.Config.AllowGuests && identity.IsGuest(guest) {
		return guest, nil
	}
	return "", pkgerrors.NewUnauthorizedError("missing authentication token")
}

func respond(status int) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: status, Body: http.StatusText(status)}
}

func handler(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	logger := gateway.Logger.With(zap.String("connectionID", req.RequestContext.ConnectionID))

	boardID := strings.TrimPrefix(req.QueryStringParameters["space"], "board-")
	if boardID == "" {
		boardID = req.QueryStringParameters["board"]
	}
	if _, err := valueobjects.NewBoardIDFromString(boardID); err != nil {
		return respond(http.StatusBadRequest), nil
	}

	userID, err := authenticate(req)
	if err != nil {
		logger.Warn("WebSocket authentication failed", zap.Error(err))
		return respond(http.StatusUnauthorized), nil
	}

	space := "board-" + boardID
	if err := collab.SpaceAccess(gateway.Stores.Boards, nil)(ctx, userID, space); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, pkgerrors.ErrBoardNotFound) {
			status = http.StatusNotFound
		}
		logger.Info("WebSocket access refused", zap.String("userID", userID), zap.String("boardID", boardID), zap.Error(err))
		return respond(status), nil
	}

	now := time.Now()
	conn := ports.Connection{
		ConnectionID: req.RequestContext.ConnectionID,
		BoardID:      boardID,
		UserID:       userID,
		ConnectedAt:  now,
		ExpiresAt:    now.Add(connectionTTL).Unix(),
	}
	if err := gateway.Stores.Connections.Put(ctx, conn); err != nil {
		logger.Error("Failed to store connection", zap.Error(err))
		return respond(http.StatusInternalServerError), nil
	}

	logger.Info("WebSocket connection registered", zap.String("userID", userID), zap.String("boardID", boardID))
	return respond(http.StatusOK), nil
}

func main() {
	lambda.Start(handler)
}
