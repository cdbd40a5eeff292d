package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-pubsub/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher wraps messages in envelopes and publishes them. Each call uses its
// own channel, closed before the call returns.
type Publisher struct {
	factory        ChannelFactory
	envelopes      *EnvelopeFactory
	logger         *slog.Logger
	metrics        MetricsCollector
	circuitBreaker *reliability.CircuitBreaker
	publishTimeout time.Duration
	closed         atomic.Bool
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *Publisher) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

// WithEnvelopeFactory replaces the envelope factory
func WithEnvelopeFactory(factory *EnvelopeFactory) PublisherOption {
	return func(p *Publisher) {
		if factory != nil {
			p.envelopes = factory
		}
	}
}

// WithCircuitBreaker guards publishing with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) PublisherOption {
	return func(p *Publisher) {
		p.circuitBreaker = cb
	}
}

// WithPublishTimeout bounds calls whose context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// NewPublisher creates a publisher drawing channels from factory
func NewPublisher(factory ChannelFactory, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		factory:   factory,
		envelopes: NewEnvelopeFactory(),
		logger:    slog.Default(),
		metrics:   NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends message to topic, once per routing key in args. The
// destination defaults to topic and can be overridden with ArgDestination.
// The first broker error aborts the remaining routing keys and is returned
// as is.
func (p *Publisher) Publish(ctx context.Context, topic string, message any, args PublisherArgs) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidArgument)
	}
	if message == nil {
		return fmt.Errorf("%w: message is required", ErrInvalidArgument)
	}

	if _, ok := ctx.Deadline(); !ok && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	envelope, err := p.envelopes.CreateEnvelope(message, args)
	if err != nil {
		return err
	}
	publishing, err := p.envelopes.CreatePublishing(envelope, args)
	if err != nil {
		return err
	}

	destination := args.Destination(topic)
	keys := args.RoutingKeys()
	mandatory := args.Mandatory()

	start := time.Now()
	send := func() error {
		return p.publish(ctx, destination, keys, mandatory, publishing)
	}
	if p.circuitBreaker != nil {
		err = p.circuitBreaker.Execute(ctx, send)
	} else {
		err = send()
	}
	p.metrics.RecordPublish(destination, len(keys), time.Since(start), err)

	if err != nil {
		return err
	}
	p.logger.Debug("message published",
		"destination", destination,
		"messageId", envelope.MessageID,
		"routingKeys", len(keys))
	return nil
}

func (p *Publisher) publish(ctx context.Context, destination string, keys []string, mandatory bool, msg amqp.Publishing) error {
	ch, err := p.factory.CreateChannel(ctx, destination)
	if err != nil {
		p.logger.Error("failed to obtain publish channel", "destination", destination, "error", err)
		return err
	}
	defer func() {
		if err := ch.Close("publish completed"); err != nil {
			p.logger.Debug("failed to close publish channel", "destination", destination, "error", err)
		}
	}()

	for _, key := range keys {
		if err := ch.Publish(ctx, destination, key, mandatory, msg); err != nil {
			p.logger.Error("failed to publish message",
				"destination", destination,
				"routingKey", key,
				"messageId", msg.MessageId,
				"error", err)
			return err
		}
	}
	return nil
}

// Close marks the publisher closed. Channels are per call so nothing is held.
func (p *Publisher) Close() error {
	p.closed.Store(true)
	return nil
}
