package main

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"lumina-backend/infrastructure/config"
	"lumina-backend/infrastructure/di"
)

var (
	// chiLambda wraps the Chi router for AWS Lambda integration
	chiLambda *chiadapter.ChiLambdaV2

	container *di.Container

	coldStart     = true
	coldStartTime time.Time
)

// init runs during cold start
func init() {
	coldStartTime = time.Now()
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	// API Gateway runs the JWT authorizer before the function is invoked
	cfg.IsLambda = true

	container, err = di.InitializeContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}

	chiRouter, ok := container.Router.Setup().(*chi.Mux)
	if !ok {
		log.Fatal("Failed to cast handler to chi.Mux")
	}
	chiLambda = chiadapter.NewV2(chiRouter)

	container.Logger.Info("Lambda cold start completed", zap.Duration("duration", time.Since(coldStartTime)))
}

// Handler is the Lambda function handler
func Handler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	// Claims validated by the authorizer arrive in the request context, not as headers
	if claims := authorizerClaims(req); claims["sub"] != "" {
		req.Headers["X-API-Gateway-Authorized"] = "true"
		req.Headers["X-User-ID"] = claims["sub"]
		req.Headers["X-User-Name"] = claims["name"]
		req.Headers["X-User-Email"] = claims["email"]
	}
	if req.RequestContext.RequestID != "" {
		req.Headers["X-Request-ID"] = req.RequestContext.RequestID
	}

	resp, err := chiLambda.ProxyWithContextV2(ctx, req)
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	if coldStart {
		resp.Headers["X-Cold-Start"] = "true"
		coldStart = false
	}
	resp.Headers["X-Lambda-Request-ID"] = req.RequestContext.RequestID

	// batch metrics would be lost when the sandbox freezes
	container.Metrics.Flush(ctx)

	if resp.StatusCode >= 500 {
		container.Logger.Error("Lambda error response",
			zap.String("method", req.RequestContext.HTTP.Method),
			zap.String("path", req.RequestContext.HTTP.Path),
			zap.String("requestID", req.RequestContext.RequestID),
			zap.Int("statusCode", resp.StatusCode),
		)
	}
	return resp, err
}

func authorizerClaims(req events.APIGatewayV2HTTPRequest) map[string]string {
	if req.RequestContext.Authorizer == nil || req.RequestContext.Authorizer.JWT == nil {
		return nil
	}
	return req.RequestContext.Authorizer.JWT.Claims
}

func main() {
	lambda.Start(Handler)
}
