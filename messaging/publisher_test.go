package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-pubsub/contracts"
	"github.com/glimte/mmate-pubsub/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

func newTestPublisher(factory ChannelFactory, opts ...PublisherOption) *Publisher {
	envelopes := NewEnvelopeFactory(
		WithClock(fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}),
		WithIDGenerator(func() string { return "generated-id" }),
	)
	opts = append([]PublisherOption{
		WithPublisherLogger(quietLogger()),
		WithEnvelopeFactory(envelopes),
	}, opts...)
	return NewPublisher(factory, opts...)
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes once per routing key with the same body", func(t *testing.T) {
		ch := &mockChannel{}
		var bodies [][]byte
		ch.On("Publish", "orders", mock.Anything, false, mock.Anything).
			Run(func(args mock.Arguments) {
				bodies = append(bodies, args.Get(3).(amqp.Publishing).Body)
			}).
			Return(nil).Twice()
		ch.On("Close", "publish completed").Return(nil).Once()

		p := newTestPublisher(newChannelFactory(ch))
		err := p.Publish(ctx, "orders", orderPlaced{OrderID: "o-1", Amount: 12.5}, PublisherArgs{
			ArgRoutingKeys: []string{"new", "audit"},
		})

		require.NoError(t, err)
		ch.AssertExpectations(t)
		ch.AssertCalled(t, "Publish", "orders", "new", false, mock.Anything)
		ch.AssertCalled(t, "Publish", "orders", "audit", false, mock.Anything)
		require.Len(t, bodies, 2)
		assert.Equal(t, bodies[0], bodies[1])

		env, err := contracts.DecodeEnvelope(bodies[0])
		require.NoError(t, err)
		assert.Equal(t, "generated-id", env.MessageID)
		assert.True(t, env.Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
		order, err := contracts.DecodeMessage[orderPlaced](env.Message)
		require.NoError(t, err)
		assert.Equal(t, orderPlaced{OrderID: "o-1", Amount: 12.5}, order)
	})

	t.Run("defaults to a single empty routing key on the topic", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Publish", "orders", "", false, mock.Anything).Return(nil).Once()
		ch.On("Close", "publish completed").Return(nil).Once()
		factory := newChannelFactory(ch)

		p := newTestPublisher(factory)
		require.NoError(t, p.Publish(ctx, "orders", "hello", nil))

		ch.AssertExpectations(t)
		assert.Equal(t, []string{"orders"}, factory.destinations)
	})

	t.Run("destination and mandatory come from args", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Publish", "billing", "invoice", true, mock.Anything).Return(nil).Once()
		ch.On("Close", "publish completed").Return(nil).Once()
		factory := newChannelFactory(ch)

		p := newTestPublisher(factory)
		err := p.Publish(ctx, "orders", "hello", PublisherArgs{
			ArgDestination: "billing",
			ArgRoutingKeys: "invoice",
			ArgMandatory:   true,
		})

		require.NoError(t, err)
		ch.AssertExpectations(t)
		assert.Equal(t, []string{"billing"}, factory.destinations)
	})

	t.Run("first broker error aborts remaining keys", func(t *testing.T) {
		boom := errors.New("channel closed")
		ch := &mockChannel{}
		ch.On("Publish", "orders", "a", false, mock.Anything).Return(nil).Once()
		ch.On("Publish", "orders", "b", false, mock.Anything).Return(boom).Once()
		ch.On("Close", "publish completed").Return(nil).Once()

		p := newTestPublisher(newChannelFactory(ch))
		err := p.Publish(ctx, "orders", "hello", PublisherArgs{
			ArgRoutingKeys: []string{"a", "b", "c"},
		})

		assert.Same(t, boom, err)
		ch.AssertExpectations(t)
		ch.AssertNotCalled(t, "Publish", "orders", "c", false, mock.Anything)
	})

	t.Run("channel close error does not fail the publish", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Publish", "orders", "", false, mock.Anything).Return(nil).Once()
		ch.On("Close", "publish completed").Return(errors.New("already closed")).Once()

		p := newTestPublisher(newChannelFactory(ch))
		assert.NoError(t, p.Publish(ctx, "orders", "hello", nil))
	})

	t.Run("factory error is returned", func(t *testing.T) {
		factory := newChannelFactory()
		factory.err = errors.New("connection lost")

		p := newTestPublisher(factory)
		err := p.Publish(ctx, "orders", "hello", nil)
		assert.EqualError(t, err, "connection lost")
	})

	t.Run("rejects missing topic and message", func(t *testing.T) {
		factory := newChannelFactory()
		p := newTestPublisher(factory)

		assert.ErrorIs(t, p.Publish(ctx, "", "hello", nil), ErrInvalidArgument)
		assert.ErrorIs(t, p.Publish(ctx, "orders", nil, nil), ErrInvalidArgument)
		assert.Zero(t, factory.calls())
	})

	t.Run("rejects payloads that encode to null", func(t *testing.T) {
		factory := newChannelFactory()
		p := newTestPublisher(factory)

		assert.ErrorIs(t, p.Publish(ctx, "orders", (*orderPlaced)(nil), nil), contracts.ErrNilMessage)
		assert.ErrorIs(t, p.Publish(ctx, "orders", json.RawMessage("null"), nil), contracts.ErrNilMessage)
		assert.Zero(t, factory.calls())
	})

	t.Run("closed publisher refuses to publish", func(t *testing.T) {
		factory := newChannelFactory()
		p := newTestPublisher(factory)
		require.NoError(t, p.Close())

		assert.ErrorIs(t, p.Publish(ctx, "orders", "hello", nil), ErrPublisherClosed)
		assert.Zero(t, factory.calls())
	})

	t.Run("open circuit short-circuits the broker", func(t *testing.T) {
		factory := newChannelFactory()
		factory.err = errors.New("connection lost")
		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1), reliability.WithTimeout(time.Hour))

		p := newTestPublisher(factory, WithCircuitBreaker(cb))
		require.Error(t, p.Publish(ctx, "orders", "hello", nil))

		err := p.Publish(ctx, "orders", "hello", nil)
		var cbErr *reliability.CircuitBreakerError
		assert.ErrorAs(t, err, &cbErr)
		assert.Equal(t, 1, factory.calls())
	})

	t.Run("records publish metrics", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Publish", "orders", mock.Anything, false, mock.Anything).Return(nil)
		ch.On("Close", "publish completed").Return(nil)
		failing := newChannelFactory(ch)
		metrics := NewCounterMetricsCollector()

		p := newTestPublisher(failing, WithPublisherMetrics(metrics))
		require.NoError(t, p.Publish(ctx, "orders", "hello", nil))
		failing.err = errors.New("down")
		require.Error(t, p.Publish(ctx, "orders", "hello", nil))

		snap := metrics.Snapshot()
		assert.Equal(t, int64(1), snap.Published)
		assert.Equal(t, int64(1), snap.PublishFailures)
	})

	t.Run("publish timeout applies when ctx has no deadline", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Publish", "orders", "", false, mock.Anything).Return(nil).Once()
		ch.On("Close", "publish completed").Return(nil).Once()
		var deadline bool
		factory := ChannelFactoryFunc(func(ctx context.Context, _ string) (Channel, error) {
			_, deadline = ctx.Deadline()
			return ch, nil
		})

		p := newTestPublisher(factory, WithPublishTimeout(time.Second))
		require.NoError(t, p.Publish(ctx, "orders", "hello", nil))
		assert.True(t, deadline)
	})
}
