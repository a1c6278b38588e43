// Package main forgets API Gateway websocket connections once they close.
package main

import (
	"context"
	"log"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"lumina-backend/infrastructure/config"
	"lumina-backend/infrastructure/di"
)

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

func handler(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connID := req.RequestContext.ConnectionID
	// the TTL removes the record eventually if this fails
	if err := gateway.Stores.Connections.Delete(ctx, connID); err != nil {
		gateway.Logger.Warn("Failed to remove connection", zap.String("connectionID", connID), zap.Error(err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError}, nil
	}
	gateway.Logger.Debug("WebSocket connection removed", zap.String("connectionID", connID))
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK}, nil
}

func main() {
	lambda.Start(handler)
}
