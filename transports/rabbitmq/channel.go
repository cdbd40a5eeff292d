package rabbitmq

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-pubsub/internal/rabbitmq"
	"github.com/glimte/mmate-pubsub/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the part of *amqp.Channel the adapter relies on
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
	IsClosed() bool
}

// channel adapts an AMQP channel to messaging.Channel
type channel struct {
	ch     amqpChannel
	logger *slog.Logger
}

var _ messaging.Channel = (*channel)(nil)

// Publish reports broker failures as *rabbitmq.PublishError, which unwraps to
// the amqp091 error.
func (c *channel) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	if err := c.ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg); err != nil {
		return &rabbitmq.PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  mandatory,
			Err:        err,
		}
	}
	return nil
}

func (c *channel) Qos(prefetchCount int) error {
	return c.ch.Qos(prefetchCount, 0, false)
}

func (c *channel) Consume(queue, consumerTag string, autoAck, exclusive bool) (<-chan amqp.Delivery, error) {
	deliveries, err := c.ch.Consume(queue, consumerTag, autoAck, exclusive, false, false, nil)
	if err != nil {
		return nil, &rabbitmq.ConsumerError{
			Queue:       queue,
			ConsumerTag: consumerTag,
			Op:          "consume",
			Err:         err,
		}
	}
	return deliveries, nil
}

func (c *channel) Cancel(consumerTag string) error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Cancel(consumerTag, false)
}

// Close closes the AMQP channel. AMQP has no close reason on the client
// side, so it is only logged.
func (c *channel) Close(reason string) error {
	if c.ch.IsClosed() {
		return nil
	}
	c.logger.Debug("closing channel", "reason", reason)
	return c.ch.Close()
}

// pooledChannel hands its channel back to the pool instead of closing it
type pooledChannel struct {
	channel
	release func()
	once    sync.Once
}

func (c *pooledChannel) Close(reason string) error {
	c.once.Do(func() {
		c.logger.Debug("returning channel to pool", "reason", reason)
		c.release()
	})
	return nil
}

// Consume fails on pooled channels; they are only used for publishing.
func (c *pooledChannel) Consume(queue, consumerTag string, _, _ bool) (<-chan amqp.Delivery, error) {
	return nil, &rabbitmq.ConsumerError{
		Queue:       queue,
		ConsumerTag: consumerTag,
		Op:          "consume",
		Err:         errPooledConsume,
	}
}
