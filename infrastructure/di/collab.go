package di

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"lumina-backend/application/autosave"
	"lumina-backend/application/collab"
	"lumina-backend/application/ports"
	"lumina-backend/application/presence"
	domainconfig "lumina-backend/domain/config"
	"lumina-backend/domain/identity"
	"lumina-backend/infrastructure/config"
	"lumina-backend/infrastructure/realtime/local"
	"lumina-backend/infrastructure/realtime/spaces"
	"lumina-backend/infrastructure/realtime/wsclient"
	pkgerrors "lumina-backend/pkg/errors"
	"lumina-backend/pkg/observability"
)

// Participant is who a sync client acts as. An empty UserID joins as a guest.
type Participant struct {
	UserID string
	Name   string
}

// SyncClient is a collaboration client with the resources it owns
type SyncClient struct {
	*collab.Client
	scheduler *autosave.Scheduler
	transport ports.RealtimeTransport
}

// Close leaves every board, drains pending saves and disconnects.
func (s *SyncClient) Close(ctx context.Context) error {
	err := s.Client.Close(ctx)
	s.scheduler.Close()
	if s.transport != nil {
		_ = s.transport.Close()
	}
	return err
}

// ProvideTransport dials REALTIME_URL when set. Otherwise an API key joins the
// in-process registry, and no key at all leaves the client offline.
func ProvideTransport(ctx context.Context, cfg *config.Config, domain *domainconfig.DomainConfig, registry *spaces.Registry, logger *zap.Logger) (ports.RealtimeTransport, error) {
	var transport ports.RealtimeTransport
	switch {
	case cfg.RealtimeURL != "" && cfg.RealtimeAPIKey == "":
		logger.Warn("REALTIME_URL set without REALTIME_API_KEY, collaborating offline",
			zap.String("realtimeURL", cfg.RealtimeURL))
		return nil, nil
	case cfg.RealtimeURL != "":
		transport = wsclient.NewTransport(wsclient.Config{
			URL:              cfg.RealtimeURL,
			SubscriberBuffer: domain.SubscriberBuffer,
		}, logger)
	case cfg.RealtimeAPIKey != "" && registry != nil:
		transport = local.NewTransport(registry)
	default:
		logger.Warn("REALTIME_API_KEY not set, collaborating offline")
		return nil, nil
	}
	if err := transport.Connect(ctx, cfg.RealtimeAPIKey); err != nil {
		if errors.Is(err, pkgerrors.ErrConfiguration) {
			logger.Warn("Realtime transport not configured, collaborating offline", zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return transport, nil
}

// ProvideSyncClient assembles the collaboration façade for one participant
func ProvideSyncClient(
	ctx context.Context,
	who Participant,
	cfg *config.Config,
	domain *domainconfig.DomainConfig,
	stores *Stores,
	registry *spaces.Registry,
	publisher ports.EventPublisher,
	metrics *observability.Metrics,
	collector *observability.Collector,
	logger *zap.Logger,
) (*SyncClient, error) {
	transport, err := ProvideTransport(ctx, cfg, domain, registry, logger)
	if err != nil {
		return nil, err
	}

	var opts []identity.Option
	if who.UserID != "" {
		opts = append(opts, identity.WithAuthenticatedUser(who.UserID, who.Name))
	}

	svc := presence.NewService(transport, PresenceConfig(domain), logger)
	scheduler := autosave.New(SchedulerConfig(domain),
		autosave.WithLogger(logger),
		autosave.WithObserver(observability.Observers{collector, metrics}),
	)

	client, err := collab.NewClient(collab.Dependencies{
		Identity:  identity.NewRegistry(opts...),
		Presence:  svc,
		Boards:    stores.Boards,
		Nodes:     stores.Nodes,
		Scheduler: scheduler,
		Publisher: publisher,
		Config:    domain,
		Logger:    logger,
		Durable:   stores.Durable,
	})
	if err != nil {
		scheduler.Close()
		if transport != nil {
			_ = transport.Close()
		}
		return nil, err
	}
	return &SyncClient{Client: client, scheduler: scheduler, transport: transport}, nil
}
