// Package main fans board events from EventBridge out to the API Gateway
// websocket connections open on that board.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	apigwtypes "github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	domainevents "lumina-backend/domain/events"
	"lumina-backend/infrastructure/config"
	"lumina-backend/infrastructure/di"
	"lumina-backend/infrastructure/realtime/protocol"
)

// concurrent PostToConnection calls per invocation
const postConcurrency = 16

var (
	gateway *di.Gateway
	poster  *apigatewaymanagementapi.Client
)

func init() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.WebSocketEndpoint == "" {
		log.Fatal("WEBSOCKET_ENDPOINT is required")
	}
	gateway, err = di.InitializeGateway(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize gateway: %v", err)
	}
	poster = apigatewaymanagementapi.NewFromConfig(gateway.AWS, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(cfg.WebSocketEndpoint)
	})
}

// fanout sends evt to every connection on its board except the one that
// raised it. Connections API Gateway reports gone are forgotten.
func fanout(ctx context.Context, evt domainevents.Event) error {
	boardID := strings.TrimPrefix(evt.Space, "board-")
	logger := gateway.Logger.With(zap.String("boardID", boardID), zap.String("kind", string(evt.Kind)))

	conns, err := gateway.Stores.Connections.ListByBoard(ctx, boardID)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(protocol.Frame{Type: protocol.TypeEvent, Space: evt.Space, Event: &evt})
	if err != nil {
		return err
	}

	var delivered, gone atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(postConcurrency)
	for _, c := range conns {
		if c.ConnectionID == evt.ConnectionID {
			continue
		}
		connID := c.ConnectionID
		g.Go(func() error {
			_, err := poster.PostToConnection(gctx, &apigatewaymanagementapi.PostToConnectionInput{
				ConnectionId: aws.String(connID),
				Data:         data,
			})
			var goneErr *apigwtypes.GoneException
			switch {
			case err == nil:
				delivered.Add(1)
			case errors.As(err, &goneErr):
				gone.Add(1)
				if err := gateway.Stores.Connections.Delete(gctx, connID); err != nil {
					logger.Warn("Failed to remove gone connection", zap.String("connectionID", connID), zap.Error(err))
				}
			default:
				logger.Warn("Failed to post to connection", zap.String("connectionID", connID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	gateway.Metrics.RecordFanout(ctx, int(delivered.Load()), int(gone.Load()))
	gateway.Metrics.Flush(ctx)
	logger.Debug("Fanout complete",
		zap.Int64("delivered", delivered.Load()),
		zap.Int64("gone", gone.Load()),
	)
	return nil
}

func handler(ctx context.Context, in events.CloudWatchEvent) error {
	var evt domainevents.Event
	if err := json.Unmarshal(in.Detail, &evt); err != nil {
		gateway.Logger.Error("Malformed event detail", zap.String("detailType", in.DetailType), zap.Error(err))
		return nil
	}
	if evt.Space == "" {
		return nil
	}
	return fanout(ctx, evt)
}

func main() {
	lambda.Start(handler)
}
