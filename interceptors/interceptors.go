package interceptors

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/glimte/mmate-pubsub/internal/reliability"
	"github.com/glimte/mmate-pubsub/messaging"
	"golang.org/x/time/rate"
)

// LoggingInterceptor logs every handler call with its duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

func (i *LoggingInterceptor) Intercept(ctx context.Context, topic string, message json.RawMessage, next messaging.HandlerFunc) error {
	start := time.Now()
	i.logger.Debug("handling message", "topic", topic, "size", len(message))

	err := next(ctx, message)
	if err != nil {
		i.logger.Error("message handling failed",
			"topic", topic,
			"duration", time.Since(start),
			"error", err)
		return err
	}

	i.logger.Debug("message handled", "topic", topic, "duration", time.Since(start))
	return nil
}

// RetryInterceptor retries the handler in place before the delivery is
// settled. Retries share the delivery's handler timeout.
type RetryInterceptor struct {
	policy reliability.RetryPolicy
}

func NewRetryInterceptor(policy reliability.RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{policy: policy}
}

func (i *RetryInterceptor) Intercept(ctx context.Context, _ string, message json.RawMessage, next messaging.HandlerFunc) error {
	return reliability.Retry(ctx, i.policy, func() error {
		return next(ctx, message)
	})
}

// CircuitBreakerInterceptor stops calling a handler that keeps failing.
// While open, deliveries fail fast with *reliability.CircuitBreakerError.
type CircuitBreakerInterceptor struct {
	breaker *reliability.CircuitBreaker
}

func NewCircuitBreakerInterceptor(breaker *reliability.CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{breaker: breaker}
}

func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, _ string, message json.RawMessage, next messaging.HandlerFunc) error {
	return i.breaker.Execute(ctx, func() error {
		return next(ctx, message)
	})
}

// RateLimitInterceptor waits for the limiter before each handler call.
// A delivery whose context ends while waiting fails with the context error.
type RateLimitInterceptor struct {
	limiter *rate.Limiter
}

func NewRateLimitInterceptor(limiter *rate.Limiter) *RateLimitInterceptor {
	return &RateLimitInterceptor{limiter: limiter}
}

func (i *RateLimitInterceptor) Intercept(ctx context.Context, _ string, message json.RawMessage, next messaging.HandlerFunc) error {
	if err := i.limiter.Wait(ctx); err != nil {
		return err
	}
	return next(ctx, message)
}

var (
	_ messaging.Interceptor = (*LoggingInterceptor)(nil)
	_ messaging.Interceptor = (*RetryInterceptor)(nil)
	_ messaging.Interceptor = (*CircuitBreakerInterceptor)(nil)
	_ messaging.Interceptor = (*RateLimitInterceptor)(nil)
)
