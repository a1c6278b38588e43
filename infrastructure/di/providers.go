package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscloudwatch "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lumina-backend/application/collab"
	"lumina-backend/application/commands/bus"
	cmdhandlers "lumina-backend/application/commands/handlers"
	"lumina-backend/application/ports"
	querybus "lumina-backend/application/queries/bus"
	queryhandlers "lumina-backend/application/queries/handlers"
	domainconfig "lumina-backend/domain/config"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/infrastructure/config"
	"lumina-backend/infrastructure/messaging/eventbridge"
	"lumina-backend/infrastructure/persistence/dynamodb"
	"lumina-backend/infrastructure/persistence/memory"
	"lumina-backend/infrastructure/persistence/resilient"
	"lumina-backend/infrastructure/realtime/spaces"
	"lumina-backend/interfaces/http/rest"
	"lumina-backend/interfaces/http/rest/middleware"
	ws "lumina-backend/interfaces/websocket"
	"lumina-backend/pkg/auth"
	pkgerrors "lumina-backend/pkg/errors"
	"lumina-backend/pkg/observability"
)

// Stores bundles the persistence adapters. They are DynamoDB backed when a
// table is configured and in memory otherwise.
type Stores struct {
	Boards      ports.BoardRepository
	Nodes       ports.NodeRepository
	Locks       ports.LockStore
	Connections ports.ConnectionStore
	Durable     bool
}

// RateLimiters holds the per-IP and per-user HTTP limiters
type RateLimiters struct {
	IP   auth.RateLimiter
	User auth.RateLimiter
}

// ProvideLogger builds a production or development logger at cfg.LogLevel
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.IsProduction() {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("environment", cfg.Environment)), nil
}

// ProvideDomainConfig returns the environment defaults, overlaid with the
// tuning file when one is configured.
func ProvideDomainConfig(cfg *config.Config) (*domainconfig.DomainConfig, error) {
	base := domainconfig.LoadDomainConfig(cfg.Environment)
	if cfg.TuningFile == "" {
		return base, nil
	}
	return config.LoadTuning(cfg.TuningFile, base)
}

// ProvideTuningWatcher returns nil when no tuning file is configured
func ProvideTuningWatcher(cfg *config.Config, logger *zap.Logger) (*config.TuningWatcher, error) {
	if cfg.TuningFile == "" {
		return nil, nil
	}
	return config.NewTuningWatcher(cfg.TuningFile, domainconfig.LoadDomainConfig(cfg.Environment), logger)
}

// ProvideTracer creates the X-Ray tracer
func ProvideTracer(cfg *config.Config) *observability.Tracer {
	return observability.NewTracer("lumina-"+cfg.Environment, cfg.EnableTracing)
}

// ProvideAWSConfig loads AWS configuration and instruments it for tracing
func ProvideAWSConfig(ctx context.Context, cfg *config.Config, tracer *observability.Tracer) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	tracer.InstrumentAWS(&awsCfg)
	return awsCfg, nil
}

// ProvideDynamoDBClient creates a DynamoDB client
func ProvideDynamoDBClient(awsCfg aws.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg)
}

// ProvideEventBridgeClient creates an EventBridge client
func ProvideEventBridgeClient(awsCfg aws.Config) *awseventbridge.Client {
	return awseventbridge.NewFromConfig(awsCfg)
}

// ProvideCloudWatchClient creates a CloudWatch client
func ProvideCloudWatchClient(awsCfg aws.Config) *awscloudwatch.Client {
	return awscloudwatch.NewFromConfig(awsCfg)
}

// ProvideStores picks DynamoDB or memory. Board and node repositories sit
// behind a circuit breaker when durable.
func ProvideStores(client *awsdynamodb.Client, cfg *config.Config, logger *zap.Logger) *Stores {
	if !cfg.Durable() {
		logger.Warn("TABLE_NAME not set, boards are kept in memory only")
		return &Stores{
			Boards:      memory.NewBoardRepository(),
			Nodes:       memory.NewNodeRepository(),
			Locks:       memory.NewLockStore(nil),
			Connections: memory.NewConnectionStore(),
		}
	}

	connectionsTable := cfg.ConnectionsTable
	if connectionsTable == "" {
		connectionsTable = cfg.DynamoDBTable
	}
	nodes := dynamodb.NewNodeRepository(client, cfg.DynamoDBTable, logger)
	breaker := resilient.NewBreaker(resilient.DefaultBreakerConfig("dynamodb"), logger)
	return &Stores{
		Boards:      resilient.NewBoardRepository(dynamodb.NewBoardRepository(client, cfg.DynamoDBTable, nodes, logger), breaker),
		Nodes:       resilient.NewNodeRepository(nodes, breaker),
		Locks:       dynamodb.NewLockStore(client, cfg.DynamoDBTable, nil, logger),
		Connections: dynamodb.NewConnectionStore(client, connectionsTable, cfg.IndexName, logger),
		Durable:     true,
	}
}

// ProvideEventPublisher returns nil when no event bus is configured
func ProvideEventPublisher(client *awseventbridge.Client, cfg *config.Config, logger *zap.Logger) ports.EventPublisher {
	if cfg.EventBusName == "" {
		return nil
	}
	return eventbridge.NewPublisher(client, cfg.EventBusName, logger)
}

// ProvideMetrics returns a CloudWatch sink, a no-op one unless metrics are enabled
func ProvideMetrics(client *awscloudwatch.Client, cfg *config.Config, logger *zap.Logger) *observability.Metrics {
	namespace := fmt.Sprintf("%s/%s", cfg.MetricsNamespace, cfg.Environment)
	if !cfg.EnableMetrics {
		return observability.NewMetrics(namespace, nil, logger)
	}
	return observability.NewMetrics(namespace, client, logger)
}

// ProvideCollector creates the Prometheus collector served on /metrics
func ProvideCollector(cfg *config.Config) *observability.Collector {
	return observability.NewCollector("lumina")
}

// ProvideJWTValidator returns nil when no secret is configured; only guests
// and gateway-authorized requests are admitted then.
func ProvideJWTValidator(cfg *config.Config) (*auth.JWTValidator, error) {
	if cfg.JWTSecret == "" {
		return nil, nil
	}
	jc := auth.JWTConfig{SecretKey: cfg.JWTSecret, Issuer: cfg.JWTIssuer}
	if cfg.JWTAudience != "" {
		jc.Audience = []string{cfg.JWTAudience}
	}
	return auth.NewJWTValidator(jc)
}

// ProvideRateLimiters counts in DynamoDB when a rate limit table exists so
// every Lambda instance shares the budget.
func ProvideRateLimiters(client *awsdynamodb.Client, cfg *config.Config) *RateLimiters {
	if cfg.RateLimitTable == "" {
		return &RateLimiters{
			IP:   auth.NewIPRateLimiter(cfg.RateLimitPerMinute),
			User: auth.NewUserRateLimiter(cfg.RateLimitPerMinute),
		}
	}
	return &RateLimiters{
		IP:   auth.NewDistributedRateLimiter(client, cfg.RateLimitTable, cfg.RateLimitPerMinute, time.Minute, "ip"),
		User: auth.NewDistributedRateLimiter(client, cfg.RateLimitTable, cfg.RateLimitPerMinute, time.Minute, "user"),
	}
}

// ProvideCommandBus creates a command bus with registered handlers
func ProvideCommandBus(
	stores *Stores,
	publisher ports.EventPublisher,
	domain *domainconfig.DomainConfig,
	cfg *config.Config,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
	logger *zap.Logger,
) (*bus.CommandBus, error) {
	commandBus := bus.NewCommandBus(
		bus.TracingMiddleware(tracer),
		bus.MetricsMiddleware(metrics),
		bus.LoggingMiddleware(logger),
	)
	handlers := cmdhandlers.NewBoardHandlers(cmdhandlers.Dependencies{
		Boards:        stores.Boards,
		Nodes:         stores.Nodes,
		Publisher:     publisher,
		Config:        domain,
		PublicBaseURL: cfg.PublicBaseURL,
		Logger:        logger,
	})
	if err := handlers.Register(commandBus); err != nil {
		return nil, err
	}
	return commandBus, nil
}

// ProvideQueryBus creates a query bus with registered handlers
func ProvideQueryBus(stores *Stores, metrics *observability.Metrics, logger *zap.Logger) (*querybus.QueryBus, error) {
	queryBus := querybus.NewQueryBus(
		querybus.MetricsMiddleware(metrics),
		querybus.LoggingMiddleware(logger),
	)
	if err := queryhandlers.NewBoardQueries(stores.Boards, stores.Nodes, nil).Register(queryBus); err != nil {
		return nil, err
	}
	return queryBus, nil
}

// ProvideRegistry creates the realtime space registry over the lock store
func ProvideRegistry(stores *Stores, domain *domainconfig.DomainConfig, logger *zap.Logger) *spaces.Registry {
	return spaces.NewRegistry(stores.Locks, RegistryConfig(domain), spaces.WithLogger(logger))
}

// ProvideRealtimeServer serves the registry on /ws. Joining a space requires
// view access to its board.
func ProvideRealtimeServer(
	registry *spaces.Registry,
	validator *auth.JWTValidator,
	stores *Stores,
	cfg *config.Config,
	collector *observability.Collector,
	logger *zap.Logger,
) *ws.Server {
	sc := ws.DefaultServerConfig()
	sc.AllowGuests = cfg.AllowGuests
	sc.MaxConnectionsPerUser = cfg.MaxConnectionsPerUser
	sc.FrameBurst = cfg.FrameBurst
	sc.FrameRefill = cfg.FrameRefill
	if cfg.EnableCORS {
		sc.AllowedOrigins = cfg.CORSOrigins
	}
	return ws.NewServer(registry, validator, sc, logger,
		ws.WithAccess(collab.SpaceAccess(stores.Boards, nil)),
		ws.WithMetrics(collector),
	)
}

// ProvideErrorHandler renders errors as JSON; stack traces only outside production
func ProvideErrorHandler(cfg *config.Config, logger *zap.Logger) *pkgerrors.ErrorHandler {
	return pkgerrors.NewErrorHandler(logger, cfg.IsDevelopment())
}

// ProvideRouter wires the HTTP surface
func ProvideRouter(
	cfg *config.Config,
	commandBus *bus.CommandBus,
	queryBus *querybus.QueryBus,
	errs *pkgerrors.ErrorHandler,
	validator *auth.JWTValidator,
	limiters *RateLimiters,
	realtime *ws.Server,
	collector *observability.Collector,
	tracer *observability.Tracer,
	stores *Stores,
	logger *zap.Logger,
) *rest.Router {
	var origins []string
	if cfg.EnableCORS {
		origins = cfg.CORSOrigins
	}
	return rest.NewRouter(rest.RouterConfig{
		CommandBus: commandBus,
		QueryBus:   queryBus,
		Errors:     errs,
		Auth: middleware.AuthConfig{
			Validator:    validator,
			IPLimiter:    limiters.IP,
			UserLimiter:  limiters.User,
			TrustGateway: cfg.IsLambda,
			AllowGuests:  cfg.AllowGuests,
		},
		Realtime:    realtime,
		Metrics:     collector,
		Tracer:      tracer,
		CORSOrigins: origins,
		Ready:       readiness(stores),
	}, logger)
}

var readinessProbe, _ = valueobjects.NewBoardIDFromString("readiness-probe")

// readiness probes the board store with a lookup that is expected to miss
func readiness(stores *Stores) rest.ReadinessCheck {
	return func(ctx context.Context) error {
		_, err := stores.Boards.GetByID(ctx, readinessProbe)
		if err == nil || errors.Is(err, pkgerrors.ErrBoardNotFound) {
			return nil
		}
		return err
	}
}
