//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"lumina-backend/infrastructure/config"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideDomainConfig,
	ProvideTuningWatcher,
	ProvideTracer,
	ProvideAWSConfig,
	ProvideDynamoDBClient,
	ProvideEventBridgeClient,
	ProvideCloudWatchClient,
	ProvideStores,
	ProvideEventPublisher,
	ProvideMetrics,
	ProvideCollector,
	ProvideJWTValidator,
	ProvideRateLimiters,
	ProvideCommandBus,
	ProvideQueryBus,
	ProvideRegistry,
	ProvideRealtimeServer,
	ProvideErrorHandler,
	ProvideRouter,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	wire.Build(SuperSet)
	return nil, nil // Wire will replace this
}
