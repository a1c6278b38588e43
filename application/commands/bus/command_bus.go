package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	pkgerrors "lumina-backend/pkg/errors"
)

// Command represents a command that changes state
type Command interface {
	Validate() error
}

// CommandHandler handles a specific command type
type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) error
}

// CommandHandlerFunc is an adapter to allow functions to be used as handlers
type CommandHandlerFunc func(ctx context.Context, cmd Command) error

// Handle implements CommandHandler
func (f CommandHandlerFunc) Handle(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// Middleware defines command middleware
type Middleware func(next CommandHandler) CommandHandler

// CommandBus dispatches commands to their handlers. Middleware passed to
// NewCommandBus wraps every registered handler, outermost first.
type CommandBus struct {
	handlers    map[reflect.Type]CommandHandler
	middlewares []Middleware
	mu          sync.RWMutex
}

// NewCommandBus creates a new command bus
func NewCommandBus(middlewares ...Middleware) *CommandBus {
	return &CommandBus{
		handlers:    make(map[reflect.Type]CommandHandler),
		middlewares: middlewares,
	}
}

// Register registers a handler for a command type
func (b *CommandBus) Register(cmdType Command, handler CommandHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := reflect.TypeOf(cmdType)
	if _, exists := b.handlers[t]; exists {
		return fmt.Errorf("handler already registered for command type %s", t.Name())
	}
	for i := len(b.middlewares) - 1; i >= 0; i-- {
		handler = b.middlewares[i](handler)
	}
	b.handlers[t] = handler
	return nil
}

// Send validates cmd and dispatches it. Handler errors are returned as is so
// callers can match them with errors.Is.
func (b *CommandBus) Send(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	handler, exists := b.handlers[reflect.TypeOf(cmd)]
	b.mu.RUnlock()
	if !exists {
		return pkgerrors.NewInternalError(fmt.Sprintf("no handler registered for command type %T", cmd))
	}
	return handler.Handle(ctx, cmd)
}

// Name returns the command's type name, used as a log field and metric dimension
func Name(v interface{}) string {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// LoggingMiddleware logs command execution
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd Command) error {
			start := time.Now()
			err := next.Handle(ctx, cmd)
			fields := []zap.Field{
				zap.String("command", Name(cmd)),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case err == nil:
				logger.Debug("Command succeeded", fields...)
			case pkgerrors.IsRetryable(err):
				logger.Error("Command failed", append(fields, zap.Error(err))...)
			default:
				logger.Info("Command rejected", append(fields, zap.Error(err))...)
			}
			return err
		})
	}
}

// Recorder receives command latencies
type Recorder interface {
	RecordCommandExecution(ctx context.Context, commandName string, duration time.Duration, err error)
}

// MetricsMiddleware reports every command to r
func MetricsMiddleware(r Recorder) Middleware {
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd Command) error {
			start := time.Now()
			err := next.Handle(ctx, cmd)
			r.RecordCommandExecution(ctx, Name(cmd), time.Since(start), err)
			return err
		})
	}
}

// Tracer opens a trace span around fn
type Tracer interface {
	TraceFunction(ctx context.Context, name string, fn func(context.Context) error) error
}

// TracingMiddleware runs every command inside a span named after it
func TracingMiddleware(t Tracer) Middleware {
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd Command) error {
			return t.TraceFunction(ctx, Name(cmd), func(ctx context.Context) error {
				return next.Handle(ctx, cmd)
			})
		})
	}
}
