package di

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lumina-backend/application/commands/bus"
	"lumina-backend/application/ports"
	querybus "lumina-backend/application/queries/bus"
	domainconfig "lumina-backend/domain/config"
	"lumina-backend/infrastructure/config"
	"lumina-backend/infrastructure/realtime/spaces"
	"lumina-backend/interfaces/http/rest"
	ws "lumina-backend/interfaces/websocket"
	"lumina-backend/pkg/observability"
)

// Container holds all application dependencies
type Container struct {
	Config     *config.Config
	Logger     *zap.Logger
	Domain     *domainconfig.DomainConfig
	Tuning     *config.TuningWatcher
	Tracer     *observability.Tracer
	Stores     *Stores
	Publisher  ports.EventPublisher
	Metrics    *observability.Metrics
	Collector  *observability.Collector
	CommandBus *bus.CommandBus
	QueryBus   *querybus.QueryBus
	Registry   *spaces.Registry
	Realtime   *ws.Server
	Router     *rest.Router
}

// Start runs the background loops: lock and presence expiry, metric flushing
// and tuning reloads. They stop with ctx.
func (c *Container) Start(ctx context.Context) {
	go c.Registry.Run(ctx)
	go c.Metrics.Run(ctx, time.Minute)

	if c.Tuning != nil {
		c.Tuning.OnChange(func(d *domainconfig.DomainConfig) {
			c.Registry.Reconfigure(RegistryConfig(d))
		})
		c.Tuning.Start()
	}
}

// Shutdown closes realtime connections and flushes pending metrics
func (c *Container) Shutdown(ctx context.Context) {
	c.Realtime.Shutdown()
	if c.Tuning != nil {
		c.Tuning.Stop()
	}
	c.Metrics.Flush(ctx)
	_ = c.Logger.Sync()
}

// NewSyncClient builds a collaboration client that shares this container's
// stores and registry.
func (c *Container) NewSyncClient(ctx context.Context, who Participant) (*SyncClient, error) {
	return ProvideSyncClient(ctx, who, c.Config, c.Domain, c.Stores, c.Registry, c.Publisher, c.Metrics, c.Collector, c.Logger)
}
