package messaging

import (
	"context"
	"encoding/json"
)

// Interceptor wraps the invocation of a resolved handler. Interceptors see
// the decoded payload and decide whether and how to call next.
type Interceptor interface {
	Intercept(ctx context.Context, topic string, message json.RawMessage, next HandlerFunc) error
}

// InterceptorFunc adapts a function to Interceptor
type InterceptorFunc func(ctx context.Context, topic string, message json.RawMessage, next HandlerFunc) error

func (f InterceptorFunc) Intercept(ctx context.Context, topic string, message json.RawMessage, next HandlerFunc) error {
	return f(ctx, topic, message, next)
}

// WithInterceptors adds interceptors around every handler call. The first
// one is outermost. They do not take part in subscription identity.
func WithInterceptors(interceptors ...Interceptor) SubscriberOption {
	return func(s *Subscriber) {
		s.interceptors = append(s.interceptors, interceptors...)
	}
}

func chain(topic string, interceptors []Interceptor, handler HandlerFunc) HandlerFunc {
	for i := len(interceptors) - 1; i >= 0; i-- {
		next, interceptor := handler, interceptors[i]
		handler = func(ctx context.Context, message json.RawMessage) error {
			return interceptor.Intercept(ctx, topic, message, next)
		}
	}
	return handler
}
