package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of a broker channel used by publishers and
// subscribers.
type Channel interface {
	// Publish sends msg to exchange using routingKey
	Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error
	// Qos limits the number of unacknowledged deliveries
	Qos(prefetchCount int) error
	// Consume starts delivering messages from queue. The returned channel is
	// closed when the consumer is cancelled or the channel closes.
	Consume(queue, consumerTag string, autoAck, exclusive bool) (<-chan amqp.Delivery, error)
	// Cancel stops the consumer identified by consumerTag
	Cancel(consumerTag string) error
	// Close releases the channel. reason is informational.
	Close(reason string) error
}

// ChannelFactory creates channels bound to a destination.
type ChannelFactory interface {
	CreateChannel(ctx context.Context, destination string) (Channel, error)
}

// ChannelFactoryFunc adapts a function to ChannelFactory
type ChannelFactoryFunc func(ctx context.Context, destination string) (Channel, error)

// CreateChannel calls f
func (f ChannelFactoryFunc) CreateChannel(ctx context.Context, destination string) (Channel, error) {
	return f(ctx, destination)
}
