package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-pubsub/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockChannel records publish calls
type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	args := m.Called(exchange, routingKey, mandatory, msg)
	return args.Error(0)
}

func (m *mockChannel) Qos(prefetchCount int) error {
	args := m.Called(prefetchCount)
	return args.Error(0)
}

func (m *mockChannel) Consume(queue, consumerTag string, autoAck, exclusive bool) (<-chan amqp.Delivery, error) {
	args := m.Called(queue, consumerTag, autoAck, exclusive)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan amqp.Delivery), args.Error(1)
}

func (m *mockChannel) Cancel(consumerTag string) error {
	args := m.Called(consumerTag)
	return args.Error(0)
}

func (m *mockChannel) Close(reason string) error {
	args := m.Called(reason)
	return args.Error(0)
}

// mockAcknowledger stands in for the broker side of a delivery
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// consumeChannel is a consuming channel whose delivery stream ends on Cancel
// or Close, like a broker channel.
type consumeChannel struct {
	deliveries chan amqp.Delivery

	mu          sync.Mutex
	qos         int
	queue       string
	consumerTag string
	autoAck     bool
	exclusive   bool
	cancelled   []string
	closeReason []string
	qosErr      error
	consumeErr  error
	once        sync.Once
}

func newConsumeChannel() *consumeChannel {
	return &consumeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (c *consumeChannel) Publish(context.Context, string, string, bool, amqp.Publishing) error {
	return nil
}

func (c *consumeChannel) Qos(prefetchCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = prefetchCount
	return c.qosErr
}

func (c *consumeChannel) Consume(queue, consumerTag string, autoAck, exclusive bool) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	c.queue, c.consumerTag, c.autoAck, c.exclusive = queue, consumerTag, autoAck, exclusive
	return c.deliveries, nil
}

func (c *consumeChannel) Cancel(consumerTag string) error {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, consumerTag)
	c.mu.Unlock()
	c.stop()
	return nil
}

func (c *consumeChannel) Close(reason string) error {
	c.mu.Lock()
	c.closeReason = append(c.closeReason, reason)
	c.mu.Unlock()
	c.stop()
	return nil
}

func (c *consumeChannel) stop() {
	c.once.Do(func() { close(c.deliveries) })
}

func (c *consumeChannel) cancelCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

func (c *consumeChannel) closeCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closeReason...)
}

// channelFactory hands out prepared channels in order
type channelFactory struct {
	mu           sync.Mutex
	channels     []Channel
	destinations []string
	err          error
}

func newChannelFactory(channels ...Channel) *channelFactory {
	return &channelFactory{channels: channels}
}

func (f *channelFactory) CreateChannel(_ context.Context, destination string) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destinations = append(f.destinations, destination)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.channels) == 0 {
		return newConsumeChannel(), nil
	}
	ch := f.channels[0]
	f.channels = f.channels[1:]
	return ch, nil
}

func (f *channelFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destinations)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func envelopeBody(t *testing.T, message any, id string) []byte {
	t.Helper()
	env, err := contracts.NewEnvelope(message, id, "", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	body, err := env.Encode()
	require.NoError(t, err)
	return body
}

func delivery(ack amqp.Acknowledger, tag uint64, body []byte) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}
