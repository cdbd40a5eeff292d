// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pubsub wires a RabbitMQ connection, a publisher and a subscriber
// together from a Config.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-pubsub/health"
	"github.com/glimte/mmate-pubsub/internal/rabbitmq"
	"github.com/glimte/mmate-pubsub/internal/reliability"
	"github.com/glimte/mmate-pubsub/messaging"
	rabbitmqTransport "github.com/glimte/mmate-pubsub/transports/rabbitmq"
)

// transport is what the client needs from a broker connection
type transport interface {
	messaging.ChannelFactory
	Pooled() messaging.ChannelFactory
	Connect(ctx context.Context) error
	IsConnected() bool
	Close() error
}

// Client provides the main entry point for mmate-pubsub
type Client struct {
	transport  transport
	publisher  *messaging.Publisher
	subscriber *messaging.Subscriber
	breaker    *reliability.CircuitBreaker
	health     *health.Registry
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewClient connects to the broker described by cfg and declares its topology.
// The initial connect is retried cfg.ConnectRetries times.
func NewClient(ctx context.Context, cfg Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := newClientConfig(cfg, options)

	tr, err := rabbitmqTransport.NewTransport(cfg.URL, transportOptions(cfg, cc.logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	err = reliability.Retry(ctx, cc.connectPolicy, func() error {
		err := tr.Connect(ctx)
		if err != nil {
			cc.logger.Warn("connect failed", "url", rabbitmq.SanitizeURL(cfg.URL), "error", err)
		}
		return err
	})
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return newClient(tr, cfg, cc), nil
}

// NewClientFromFile loads a YAML config and connects
func NewClientFromFile(ctx context.Context, path string, options ...ClientOption) (*Client, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return NewClient(ctx, cfg, options...)
}

func newClient(tr transport, cfg Config, cc *clientConfig) *Client {
	c := &Client{transport: tr, logger: cc.logger}

	pubOpts := []messaging.PublisherOption{
		messaging.WithPublisherLogger(cc.logger),
		messaging.WithPublishTimeout(cfg.PublishTimeout),
	}
	subOpts := []messaging.SubscriberOption{
		messaging.WithSubscriberLogger(cc.logger),
		messaging.WithInterceptors(cc.interceptors...),
	}
	if cc.metrics != nil {
		pubOpts = append(pubOpts, messaging.WithPublisherMetrics(cc.metrics))
		subOpts = append(subOpts, messaging.WithSubscriberMetrics(cc.metrics))
	}
	if cfg.CircuitBreaker.Enabled {
		c.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("publish"),
			reliability.WithFailureThreshold(cfg.CircuitBreaker.FailureThreshold),
			reliability.WithTimeout(cfg.CircuitBreaker.Timeout),
			reliability.WithStateListener(c),
		)
		pubOpts = append(pubOpts, messaging.WithCircuitBreaker(c.breaker))
	}

	c.publisher = messaging.NewPublisher(tr.Pooled(), pubOpts...)
	c.subscriber = messaging.NewSubscriber(tr, subOpts...)

	c.health = health.NewRegistry(
		health.NewConnectionChecker(tr),
		health.NewSubscriptionChecker(c.subscriber),
	)
	if c.breaker != nil {
		c.health.Register(health.NewCircuitBreakerChecker("publishCircuit", c.breaker))
	}
	return c
}

func transportOptions(cfg Config, logger *slog.Logger) []rabbitmqTransport.TransportOption {
	opts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithTransportLogger(logger),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithConnectionName(cfg.ConnectionName),
			rabbitmq.WithHeartbeat(cfg.Heartbeat),
			rabbitmq.WithConnectTimeout(cfg.ConnectTimeout),
			rabbitmq.WithReconnectDelay(cfg.ReconnectDelay),
			rabbitmq.WithMaxRetries(cfg.MaxReconnectAttempts),
		),
		rabbitmqTransport.WithPoolOptions(
			rabbitmq.WithMaxSize(cfg.ChannelPool.MaxSize),
			rabbitmq.WithMinSize(cfg.ChannelPool.MinSize),
			rabbitmq.WithIdleTimeout(cfg.ChannelPool.IdleTimeout),
		),
		rabbitmqTransport.WithTopology(cfg.Topology()),
	}
	if cfg.AutoDeclareExchangeType != "" {
		opts = append(opts, rabbitmqTransport.WithAutoDeclare(cfg.AutoDeclareExchangeType))
	}
	return opts
}

// Publisher returns the underlying publisher
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Subscriber returns the underlying subscriber
func (c *Client) Subscriber() *messaging.Subscriber {
	return c.subscriber
}

// IsConnected reports whether the broker connection is up
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

// Health runs the connection, subscription and circuit breaker checks
func (c *Client) Health(ctx context.Context) health.Report {
	return c.health.Check(ctx)
}

// HealthRegistry exposes the checks, e.g. to add application checks or to
// serve them with health.NewHandler.
func (c *Client) HealthRegistry() *health.Registry {
	return c.health
}

// Publish sends message to topic. See messaging.Publisher.Publish.
func (c *Client) Publish(ctx context.Context, topic string, message any, args messaging.PublisherArgs) error {
	return c.publisher.Publish(ctx, topic, message, args)
}

// Subscribe registers handler for topic and returns the subscription key
func (c *Client) Subscribe(ctx context.Context, topic string, handler messaging.HandlerFunc, args messaging.SubscriberArgs) (string, error) {
	return c.subscriber.Subscribe(ctx, topic, handler, args)
}

// SubscribeMethod registers a method of target without keeping target alive
func SubscribeMethod[T any](ctx context.Context, c *Client, topic string, target *T, method func(*T, context.Context, json.RawMessage) error, args messaging.SubscriberArgs) (string, error) {
	return messaging.SubscribeMethod(ctx, c.subscriber, topic, target, method, args)
}

// Unsubscribe removes the subscription with key
func (c *Client) Unsubscribe(ctx context.Context, key string) (bool, error) {
	return c.subscriber.Unsubscribe(ctx, key)
}

// Close disposes all subscriptions, then the publisher, then the connection.
// It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		if err := c.subscriber.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("subscriber: %w", err))
		}
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
		if err := c.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport: %w", err))
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// OnStateChange logs publish circuit transitions
func (c *Client) OnStateChange(name string, from, to reliability.State, reason string) {
	c.logger.Warn("circuit breaker state changed",
		"name", name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
}

type clientConfig struct {
	logger        *slog.Logger
	metrics       messaging.MetricsCollector
	interceptors  []messaging.Interceptor
	connectPolicy reliability.RetryPolicy
}

func newClientConfig(cfg Config, options []ClientOption) *clientConfig {
	cc := &clientConfig{
		logger:        slog.Default(),
		connectPolicy: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2, cfg.ConnectRetries),
	}
	for _, opt := range options {
		opt(cc)
	}
	return cc
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for every component of the client
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets a metrics collector for publishing and deliveries
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(c *clientConfig) {
		c.metrics = metrics
	}
}

// WithInterceptors wraps every subscription handler, first one outermost
func WithInterceptors(interceptors ...messaging.Interceptor) ClientOption {
	return func(c *clientConfig) {
		c.interceptors = append(c.interceptors, interceptors...)
	}
}

// WithConnectRetryPolicy replaces the initial connect retry policy
func WithConnectRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(c *clientConfig) {
		if policy != nil {
			c.connectPolicy = policy
		}
	}
}
