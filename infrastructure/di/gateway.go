package di

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/zap"

	"lumina-backend/infrastructure/config"
	"lumina-backend/pkg/auth"
	"lumina-backend/pkg/observability"
)

// Gateway holds what the API Gateway websocket functions need. It skips the
// buses and the HTTP router so cold starts stay short.
type Gateway struct {
	Config    *config.Config
	Logger    *zap.Logger
	AWS       aws.Config
	Stores    *Stores
	Validator *auth.JWTValidator
	Metrics   *observability.Metrics
}

// InitializeGateway wires a Gateway
func InitializeGateway(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	logger, err := ProvideLogger(cfg)
	if err != nil {
		return nil, err
	}
	tracer := ProvideTracer(cfg)
	awsConfig, err := ProvideAWSConfig(ctx, cfg, tracer)
	if err != nil {
		return nil, err
	}
	validator, err := ProvideJWTValidator(cfg)
	if err != nil {
		return nil, err
	}
	client := ProvideDynamoDBClient(awsConfig)
	return &Gateway{
		Config:    cfg,
		Logger:    logger,
		AWS:       awsConfig,
		Stores:    ProvideStores(client, cfg, logger),
		Validator: validator,
		Metrics:   ProvideMetrics(ProvideCloudWatchClient(awsConfig), cfg, logger),
	}, nil
}
