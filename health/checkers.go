package health

import (
	"context"
	"time"

	"github.com/glimte/mmate-pubsub/internal/reliability"
)

// Connection is anything that knows whether its broker connection is up
type Connection interface {
	IsConnected() bool
}

// ConnectionChecker reports unhealthy while disconnected
type ConnectionChecker struct {
	conn Connection
}

func NewConnectionChecker(conn Connection) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string { return "rabbitmq" }

func (c *ConnectionChecker) Check(context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Name: c.Name(), Timestamp: start}
	if c.conn.IsConnected() {
		res.Status = StatusHealthy
		res.Message = "connected"
	} else {
		res.Status = StatusUnhealthy
		res.Message = "not connected"
	}
	res.Duration = time.Since(start)
	return res
}

// SubscriptionLister lists active subscription keys
type SubscriptionLister interface {
	Subscriptions(ctx context.Context) ([]string, error)
}

// SubscriptionChecker reports the number of active subscriptions. A closed
// subscriber is unhealthy.
type SubscriptionChecker struct {
	subscriber SubscriptionLister
}

func NewSubscriptionChecker(subscriber SubscriptionLister) *SubscriptionChecker {
	return &SubscriptionChecker{subscriber: subscriber}
}

func (c *SubscriptionChecker) Name() string { return "subscriptions" }

func (c *SubscriptionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Name: c.Name(), Timestamp: start}

	keys, err := c.subscriber.Subscriptions(ctx)
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = "subscriber unavailable"
		res.Error = err.Error()
	} else {
		res.Status = StatusHealthy
		res.Details = map[string]any{"active": len(keys)}
	}
	res.Duration = time.Since(start)
	return res
}

// CircuitBreakerChecker reports degraded while the circuit is not closed
type CircuitBreakerChecker struct {
	name    string
	breaker *reliability.CircuitBreaker
}

func NewCircuitBreakerChecker(name string, breaker *reliability.CircuitBreaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{name: name, breaker: breaker}
}

func (c *CircuitBreakerChecker) Name() string { return c.name }

func (c *CircuitBreakerChecker) Check(context.Context) CheckResult {
	start := time.Now()
	state := c.breaker.State()
	res := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   map[string]any{"state": state.String()},
	}
	if state != reliability.StateClosed {
		res.Status = StatusDegraded
		res.Message = "circuit " + state.String()
	}
	res.Duration = time.Since(start)
	return res
}
