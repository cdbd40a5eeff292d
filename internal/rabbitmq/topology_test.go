package rabbitmq

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTopologyChannel struct {
	mock.Mock
}

func (m *mockTopologyChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete).Error(0)
}

func (m *mockTopologyChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ret := m.Called(name, durable, autoDelete, exclusive)
	return amqp.Queue{Name: name}, ret.Error(0)
}

func (m *mockTopologyChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange).Error(0)
}

func ordersTopology() Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{{Name: "orders", Type: amqp.ExchangeTopic, Durable: true}},
		Queues:    []QueueDeclaration{{Name: "orders.audit", Durable: true}},
		Bindings:  []Binding{{Queue: "orders.audit", Exchange: "orders", RoutingKey: "#"}},
	}
}

func TestTopologyValidate(t *testing.T) {
	assert.NoError(t, ordersTopology().Validate())
	assert.NoError(t, Topology{}.Validate())

	bad := []Topology{
		{Exchanges: []ExchangeDeclaration{{Type: amqp.ExchangeTopic}}},
		{Exchanges: []ExchangeDeclaration{{Name: "orders", Type: "round-robin"}}},
		{Bindings: []Binding{{Queue: "q"}}},
	}
	for _, topology := range bad {
		assert.ErrorIs(t, topology.Validate(), ErrInvalidTopology)
	}
}

func TestTopologyManager(t *testing.T) {
	t.Run("declares exchanges, queues and bindings", func(t *testing.T) {
		ch := &mockTopologyChannel{}
		ch.On("ExchangeDeclare", "orders", "topic", true, false).Return(nil).Once()
		ch.On("QueueDeclare", "orders.audit", true, false, false).Return(nil).Once()
		ch.On("QueueBind", "orders.audit", "#", "orders").Return(nil).Once()

		tm := NewTopologyManager(WithTopologyLogger(quietLogger()))
		require.NoError(t, tm.DeclareTopology(ch, ordersTopology(), 1))
		ch.AssertExpectations(t)

		// Already declared on this generation.
		require.NoError(t, tm.EnsureExchange(ch, "orders", 1))
		ch.AssertNumberOfCalls(t, "ExchangeDeclare", 1)
	})

	t.Run("broker failures become topology errors", func(t *testing.T) {
		boom := errors.New("precondition failed")
		ch := &mockTopologyChannel{}
		ch.On("ExchangeDeclare", "orders", "topic", true, false).Return(nil)
		ch.On("QueueDeclare", "orders.audit", true, false, false).Return(boom)

		tm := NewTopologyManager(WithTopologyLogger(quietLogger()))
		err := tm.DeclareTopology(ch, ordersTopology(), 1)

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue", topoErr.Component)
		assert.ErrorIs(t, err, boom)
		ch.AssertNotCalled(t, "QueueBind", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("invalid topology is rejected before the broker", func(t *testing.T) {
		ch := &mockTopologyChannel{}
		tm := NewTopologyManager()
		err := tm.DeclareTopology(ch, Topology{Exchanges: []ExchangeDeclaration{{Name: "x", Type: "bogus"}}}, 1)

		assert.ErrorIs(t, err, ErrInvalidTopology)
		ch.AssertNotCalled(t, "ExchangeDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("registered exchanges are declared once per generation", func(t *testing.T) {
		ch := &mockTopologyChannel{}
		ch.On("ExchangeDeclare", "orders", "fanout", false, true).Return(nil).Twice()

		tm := NewTopologyManager(WithTopologyLogger(quietLogger()))
		tm.Register(ExchangeDeclaration{Name: "orders", Type: amqp.ExchangeFanout, AutoDelete: true})

		require.NoError(t, tm.EnsureExchange(ch, "orders", 1))
		require.NoError(t, tm.EnsureExchange(ch, "orders", 1))
		require.NoError(t, tm.EnsureExchange(ch, "orders", 2))
		ch.AssertExpectations(t)
	})

	t.Run("failed declaration is retried next time", func(t *testing.T) {
		ch := &mockTopologyChannel{}
		ch.On("ExchangeDeclare", "orders", "topic", true, false).Return(errors.New("closed")).Once()
		ch.On("ExchangeDeclare", "orders", "topic", true, false).Return(nil).Once()

		tm := NewTopologyManager(WithTopologyLogger(quietLogger()))
		tm.Register(ExchangeDeclaration{Name: "orders", Type: amqp.ExchangeTopic, Durable: true})

		assert.Error(t, tm.EnsureExchange(ch, "orders", 1))
		assert.NoError(t, tm.EnsureExchange(ch, "orders", 1))
		ch.AssertExpectations(t)
	})

	t.Run("unknown and default exchanges are left alone", func(t *testing.T) {
		ch := &mockTopologyChannel{}
		tm := NewTopologyManager()

		assert.NoError(t, tm.EnsureExchange(ch, "", 1))
		assert.NoError(t, tm.EnsureExchange(ch, "billing", 1))
		ch.AssertNotCalled(t, "ExchangeDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("auto declare covers unknown exchanges", func(t *testing.T) {
		ch := &mockTopologyChannel{}
		ch.On("ExchangeDeclare", "billing", "topic", true, false).Return(nil).Once()
		tm := NewTopologyManager(WithAutoDeclare(amqp.ExchangeTopic), WithTopologyLogger(quietLogger()))

		assert.NoError(t, tm.EnsureExchange(ch, "billing", 1))
		assert.NoError(t, tm.EnsureExchange(ch, "billing", 1))
		assert.NoError(t, tm.EnsureExchange(ch, "", 1))
		ch.AssertExpectations(t)
	})
}
