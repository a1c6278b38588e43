// Package resilient guards repositories with a circuit breaker. While the
// breaker is open, calls fail fast with a retryable PersistFailure so the save
// scheduler backs off instead of piling onto a struggling table.
package resilient

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	pkgerrors "lumina-backend/pkg/errors"
)

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// Trip once at least MinRequests were seen and the failure ratio reaches FailureThreshold.
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the settings used for the DynamoDB repositories
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Breaker runs repository calls through a gobreaker circuit breaker
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewBreaker creates a breaker from cfg
func NewBreaker(cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: countsAsSuccess,
	})
	return b
}

// countsAsSuccess keeps caller mistakes and conflicts from tripping the breaker.
// Only transient storage failures count against it.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !pkgerrors.IsRetryable(err)
}

// State reports the current breaker state
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Do runs fn through the breaker
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Debug("Circuit breaker rejected call", zap.String("breaker", b.cb.Name()), zap.Error(err))
		return pkgerrors.NewPersistFailure(err)
	}
	return err
}

// get runs a call that returns a value
func get[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var out T
	err := b.Do(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}
