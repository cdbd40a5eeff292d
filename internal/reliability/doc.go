// Package reliability provides the failure-handling primitives used around the
// broker round trips.
//
//   - CircuitBreaker: fails publishes fast while the broker keeps rejecting them
//   - Retry policies: exponential backoff and fixed delay, driven by Retry
//
// Publishing is never retried internally. Retry policies pace connection
// establishment and reconnection, and back the optional handler retry
// interceptor.
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return ch.Publish(ctx, exchange, key, false, msg)
//	})
package reliability
