package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"weak"

	"github.com/google/uuid"
)

// HandlerFunc handles the raw message carried by an envelope.
type HandlerFunc func(ctx context.Context, message json.RawMessage) error

// Subscription ties a topic to a handler. Handlers bound to a receiver hold it
// through a weak pointer, so a subscription never extends the receiver's
// lifetime.
type Subscription struct {
	consumerTag string
	topic       string
	key         string
	static      bool

	mu       sync.RWMutex
	resolve  func() (HandlerFunc, bool)
	disposed bool
}

// NewSubscription creates a subscription for a plain function handler.
//
// Two closures created from the same function literal share an identity, so
// subscribing both to one topic yields a single subscription. Method values
// are rejected with ErrBoundMethodValue since they capture their receiver
// strongly; use NewMethodSubscription for those.
func NewSubscription(topic string, handler HandlerFunc) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidArgument)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", ErrInvalidArgument)
	}
	name := funcName(handler)
	if strings.HasSuffix(name, "-fm") {
		return nil, fmt.Errorf("%w: %s", ErrBoundMethodValue, name)
	}

	return &Subscription{
		consumerTag: newConsumerTag(),
		topic:       topic,
		key:         subscriptionKey(topic, name, reflect.TypeOf(handler), 0),
		static:      true,
		resolve: func() (HandlerFunc, bool) {
			return handler, true
		},
	}, nil
}

// NewMethodSubscription creates a subscription for method on target. method is
// normally a method expression such as (*OrderService).Handle. target is held
// weakly.
func NewMethodSubscription[T any](topic string, target *T, method func(*T, context.Context, json.RawMessage) error) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidArgument)
	}
	if target == nil {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidArgument)
	}
	if method == nil {
		return nil, fmt.Errorf("%w: method is required", ErrInvalidArgument)
	}

	receiver := reflect.ValueOf(target).Pointer()
	ref := weak.Make(target)

	return &Subscription{
		consumerTag: newConsumerTag(),
		topic:       topic,
		key:         subscriptionKey(topic, funcName(method), reflect.TypeOf(method), receiver),
		resolve: func() (HandlerFunc, bool) {
			t := ref.Value()
			if t == nil {
				return nil, false
			}
			return func(ctx context.Context, message json.RawMessage) error {
				return method(t, ctx, message)
			}, true
		},
	}, nil
}

// ConsumerTag is the broker consumer tag, unique per subscription
func (s *Subscription) ConsumerTag() string { return s.consumerTag }

// Topic returns the subscribed topic
func (s *Subscription) Topic() string { return s.topic }

// Key identifies the subscription in a registry. It is derived from the topic
// and the handler identity.
func (s *Subscription) Key() string { return s.key }

// IsStatic reports whether the handler has no receiver
func (s *Subscription) IsStatic() bool { return s.static }

// ResolveHandler returns the handler bound to a strong receiver reference for
// the duration of one call. It fails once the receiver was collected or the
// subscription was disposed.
func (s *Subscription) ResolveHandler() (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return nil, false
	}
	return s.resolve()
}

// Alive reports whether the handler can still be resolved
func (s *Subscription) Alive() bool {
	_, ok := s.ResolveHandler()
	return ok
}

// Dispose drops the handler reference. It is idempotent.
func (s *Subscription) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.resolve = nil
}

func funcName(fn any) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return "unknown"
	}
	return f.Name()
}

func subscriptionKey(topic, name string, signature reflect.Type, receiver uintptr) string {
	h := fnv.New64a()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(signature.String()))
	return fmt.Sprintf("%s:%016x:%x", topic, h.Sum64(), receiver)
}

func newConsumerTag() string {
	return "mmate-" + uuid.NewString()
}
