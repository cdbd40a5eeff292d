package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-pubsub/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"
)

// DefaultPrefetchCount is used when a subscription does not set one
const DefaultPrefetchCount = 10

// Subscriber manages subscriptions, each consuming on its own channel.
// Registry changes are serialized; deliveries for one subscription are handled
// one at a time while different subscriptions run concurrently.
type Subscriber struct {
	factory      ChannelFactory
	logger       *slog.Logger
	metrics      MetricsCollector
	interceptors []Interceptor

	sem     *semaphore.Weighted
	entries map[string]*CacheEntry
	closed  atomic.Bool
}

// SubscriberOption configures a Subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSubscriberMetrics sets the metrics collector
func WithSubscriberMetrics(metrics MetricsCollector) SubscriberOption {
	return func(s *Subscriber) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// NewSubscriber creates a subscriber drawing channels from factory
func NewSubscriber(factory ChannelFactory, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		factory: factory,
		logger:  slog.Default(),
		metrics: NoOpMetricsCollector{},
		sem:     semaphore.NewWeighted(1),
		entries: make(map[string]*CacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a function handler for topic and returns the
// subscription key. Subscribing the same function to the same topic again
// returns the existing key without opening a new consumer.
func (s *Subscriber) Subscribe(ctx context.Context, topic string, handler HandlerFunc, args SubscriberArgs) (string, error) {
	if s.closed.Load() {
		return "", ErrSubscriberClosed
	}
	sub, err := NewSubscription(topic, handler)
	if err != nil {
		return "", err
	}
	return s.register(ctx, sub, args)
}

// SubscribeMethod registers method on target for topic. target is held
// weakly: once it is collected, deliveries are nacked instead of handled.
func SubscribeMethod[T any](ctx context.Context, s *Subscriber, topic string, target *T, method func(*T, context.Context, json.RawMessage) error, args SubscriberArgs) (string, error) {
	if s.closed.Load() {
		return "", ErrSubscriberClosed
	}
	sub, err := NewMethodSubscription(topic, target, method)
	if err != nil {
		return "", err
	}
	return s.register(ctx, sub, args)
}

// Unsubscribe disposes the subscription stored under key. It reports false
// when no such subscription exists.
func (s *Subscriber) Unsubscribe(ctx context.Context, key string) (bool, error) {
	if s.closed.Load() {
		return false, ErrSubscriberClosed
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	entry, ok := s.entries[key]
	delete(s.entries, key)
	s.sem.Release(1)

	if !ok {
		return false, nil
	}

	topic := entry.Topic()
	entry.Dispose(ctx)
	s.metrics.RecordSubscription(topic, false)
	s.logger.Info("unsubscribed", "topic", topic, "key", key)
	return true, nil
}

// Subscriptions returns the keys of all registered subscriptions
func (s *Subscriber) Subscriptions(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrSubscriberClosed
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close disposes every subscription. When ctx is already done, or ends while
// waiting for the registry, entries are released without contacting the
// broker. Close is idempotent.
func (s *Subscriber) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.logger.Warn("subscriber closing without broker cleanup", "error", err)
		go func() {
			_ = s.sem.Acquire(context.Background(), 1)
			entries := s.takeEntries()
			s.sem.Release(1)
			s.drain(ctx, entries)
		}()
		return err
	}
	entries := s.takeEntries()
	s.sem.Release(1)

	s.drain(ctx, entries)
	return ctx.Err()
}

// takeEntries empties the registry. The caller holds the semaphore.
func (s *Subscriber) takeEntries() map[string]*CacheEntry {
	entries := s.entries
	s.entries = make(map[string]*CacheEntry)
	return entries
}

// drain disposes entries already removed from the registry. It runs without
// the semaphore so running handlers can still reach the subscriber.
func (s *Subscriber) drain(ctx context.Context, entries map[string]*CacheEntry) {
	for key, entry := range entries {
		topic := entry.Topic()
		if ctx.Err() != nil {
			entry.Release()
		} else {
			entry.Dispose(ctx)
		}
		s.metrics.RecordSubscription(topic, false)
		s.logger.Debug("subscription closed", "topic", topic, "key", key)
	}
	s.logger.Info("subscriber closed", "subscriptions", len(entries))
}

func (s *Subscriber) register(ctx context.Context, sub *Subscription, args SubscriberArgs) (string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		sub.Dispose()
		return "", err
	}
	key, stale, err := s.registerLocked(ctx, sub, args)
	s.sem.Release(1)

	if stale != nil {
		stale.Dispose(ctx)
		s.logger.Debug("replaced stale subscription", "topic", sub.Topic(), "key", sub.Key())
	}
	return key, err
}

// registerLocked runs with the semaphore held. A stale entry it removed is
// returned for disposal once the semaphore is released.
func (s *Subscriber) registerLocked(ctx context.Context, sub *Subscription, args SubscriberArgs) (string, *CacheEntry, error) {
	if s.closed.Load() {
		sub.Dispose()
		return "", nil, ErrSubscriberClosed
	}

	key := sub.Key()
	existing, ok := s.entries[key]
	if ok {
		if current := existing.Subscription(); current != nil && current.Alive() {
			sub.Dispose()
			return key, nil, nil
		}
		// The receiver behind this key was collected and its address reused.
		delete(s.entries, key)
		s.metrics.RecordSubscription(sub.Topic(), false)
	}

	entry, err := s.open(ctx, sub, args)
	if err != nil {
		sub.Dispose()
		return "", existing, err
	}
	s.entries[key] = entry
	s.metrics.RecordSubscription(sub.Topic(), true)
	s.logger.Info("subscribed",
		"topic", sub.Topic(),
		"key", key,
		"consumerTag", sub.ConsumerTag())
	return key, existing, nil
}

func (s *Subscriber) open(ctx context.Context, sub *Subscription, args SubscriberArgs) (*CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := s.factory.CreateChannel(ctx, sub.Topic())
	if err != nil {
		return nil, fmt.Errorf("failed to create channel for %s: %w", sub.Topic(), err)
	}

	opts := deliveryOptions{
		policy:  args.AckPolicy(),
		timeout: args.HandlerTimeout(),
	}
	queue := args.QueueName(sub.Topic())

	if err := ch.Qos(args.PrefetchCount(DefaultPrefetchCount)); err != nil {
		_ = ch.Close("qos failed")
		return nil, fmt.Errorf("failed to set qos for %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, sub.ConsumerTag(), opts.policy.AutoAck, args.Exclusive())
	if err != nil {
		_ = ch.Close("consume failed")
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	entry := newCacheEntry(sub, ch, s.logger)
	go s.consume(entry, sub, deliveries, opts)
	return entry, nil
}

type deliveryOptions struct {
	policy  AckPolicy
	timeout time.Duration
}

func (s *Subscriber) consume(entry *CacheEntry, sub *Subscription, deliveries <-chan amqp.Delivery, opts deliveryOptions) {
	defer entry.stopped()

	for d := range deliveries {
		if !entry.begin() {
			// Disposed entries leave deliveries to the broker's redelivery.
			continue
		}
		s.dispatch(entry, sub, d, opts)
		entry.end()
	}
	s.logger.Debug("consume loop stopped", "topic", sub.Topic(), "consumerTag", sub.ConsumerTag())
}

func (s *Subscriber) dispatch(entry *CacheEntry, sub *Subscription, d amqp.Delivery, opts deliveryOptions) {
	start := time.Now()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if opts.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), opts.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	outcome, settlement := s.process(ctx, sub, d, opts.policy)
	if entry.Disposed() {
		// The channel is gone or going; the broker redelivers.
		settlement = Settlement{}
	}

	if err := settlement.Apply(d); err != nil {
		s.logger.Error("failed to settle delivery",
			"topic", sub.Topic(),
			"deliveryTag", d.DeliveryTag,
			"error", err)
	}
	s.metrics.RecordDelivery(sub.Topic(), outcome, settlement.Action, time.Since(start))
}

func (s *Subscriber) process(ctx context.Context, sub *Subscription, d amqp.Delivery, policy AckPolicy) (DeliveryOutcome, Settlement) {
	envelope, err := contracts.DecodeEnvelope(d.Body)
	if err != nil {
		s.logger.Error("failed to decode delivery",
			"topic", sub.Topic(),
			"deliveryTag", d.DeliveryTag,
			"error", err)
		return OutcomeDecodeFailed, policy.OnDecodeFailure()
	}

	handler, ok := sub.ResolveHandler()
	if !ok {
		s.logger.Warn("handler no longer available",
			"topic", sub.Topic(),
			"messageId", envelope.MessageID,
			"error", ErrHandlerUnresolved)
		return OutcomeUnresolved, policy.OnUnresolved()
	}

	handler = chain(sub.Topic(), s.interceptors, handler)
	if err := invoke(ctx, handler, envelope.Message); err != nil {
		s.logger.Error("handler failed",
			"topic", sub.Topic(),
			"messageId", envelope.MessageID,
			"correlationId", envelope.CorrelationID,
			"error", err)
		return OutcomeHandlerFailed, policy.OnFailure()
	}
	return OutcomeHandled, policy.OnSuccess()
}

func invoke(ctx context.Context, handler HandlerFunc, message json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, message)
}
