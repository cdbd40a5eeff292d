// Package interceptors provides messaging.Interceptor implementations for
// cross-cutting concerns around subscription handlers.
//
// Interceptors run in the order they are passed to messaging.WithInterceptors,
// the first one outermost:
//
//	subscriber := messaging.NewSubscriber(factory,
//		messaging.WithInterceptors(
//			interceptors.NewLoggingInterceptor(logger),
//			interceptors.NewRateLimitInterceptor(rate.NewLimiter(100, 10)),
//			interceptors.NewRetryInterceptor(reliability.NewFixedDelay(time.Second, 3)),
//		))
//
// An error returned from an interceptor counts as a handler failure and is
// settled by the subscription's ack policy.
package interceptors
