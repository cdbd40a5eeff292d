package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyChannel is the part of a channel used to declare topology.
// *amqp.Channel implements it.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

var exchangeKinds = map[string]bool{
	amqp.ExchangeDirect:  true,
	amqp.ExchangeFanout:  true,
	amqp.ExchangeTopic:   true,
	amqp.ExchangeHeaders: true,
}

// Validate checks names and exchange kinds
func (t Topology) Validate() error {
	for _, e := range t.Exchanges {
		if e.Name == "" {
			return fmt.Errorf("%w: exchange name is required", ErrInvalidTopology)
		}
		if !exchangeKinds[e.Type] {
			return fmt.Errorf("%w: exchange %s has unknown type %q", ErrInvalidTopology, e.Name, e.Type)
		}
	}
	for _, b := range t.Bindings {
		if b.Queue == "" || b.Exchange == "" {
			return fmt.Errorf("%w: binding needs a queue and an exchange", ErrInvalidTopology)
		}
	}
	return nil
}

// TopologyManager declares exchanges, queues and bindings. Exchanges it knows
// about are also declared lazily, once per connection generation, the first
// time a channel for them is requested.
type TopologyManager struct {
	logger   *slog.Logger
	autoKind string

	mu        sync.Mutex
	exchanges map[string]ExchangeDeclaration
	declared  map[string]uint64
}

// TopologyOption configures a TopologyManager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		if logger != nil {
			tm.logger = logger
		}
	}
}

// WithAutoDeclare makes EnsureExchange declare unknown destinations as durable
// exchanges of the given kind. By default unknown destinations are assumed to
// exist.
func WithAutoDeclare(kind string) TopologyOption {
	return func(tm *TopologyManager) {
		tm.autoKind = kind
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		logger:    slog.Default(),
		exchanges: make(map[string]ExchangeDeclaration),
		declared:  make(map[string]uint64),
	}
	for _, opt := range options {
		opt(tm)
	}
	return tm
}

// Register remembers exchange declarations for lazy declaration
func (tm *TopologyManager) Register(exchanges ...ExchangeDeclaration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, e := range exchanges {
		tm.exchanges[e.Name] = e
	}
}

// DeclareTopology declares every element of topology on ch and registers its
// exchanges
func (tm *TopologyManager) DeclareTopology(ch TopologyChannel, topology Topology, generation uint64) error {
	if err := topology.Validate(); err != nil {
		return err
	}
	tm.Register(topology.Exchanges...)

	for _, exchange := range topology.Exchanges {
		if err := declareExchange(ch, exchange); err != nil {
			return err
		}
		tm.markDeclared(exchange.Name, generation)
	}

	for _, queue := range topology.Queues {
		if _, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments); err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
		}
	}

	for _, binding := range topology.Bindings {
		if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments); err != nil {
			return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "declare", Err: err}
		}
	}

	tm.logger.Info("topology declared",
		"exchanges", len(topology.Exchanges),
		"queues", len(topology.Queues),
		"bindings", len(topology.Bindings))
	return nil
}

// DeclareTopologyWith declares topology on a channel borrowed from pool
func (tm *TopologyManager) DeclareTopologyWith(ctx context.Context, pool *ChannelPool, topology Topology, generation uint64) error {
	return pool.Execute(ctx, func(ch *amqp.Channel) error {
		return tm.DeclareTopology(ch, topology, generation)
	})
}

// EnsureExchange declares the exchange called name on ch unless it was
// already declared on this connection generation. The default exchange and
// unknown names are left alone unless auto declaration is enabled.
func (tm *TopologyManager) EnsureExchange(ch TopologyChannel, name string, generation uint64) error {
	if name == "" {
		return nil
	}

	tm.mu.Lock()
	decl, known := tm.exchanges[name]
	if !known && tm.autoKind != "" {
		decl, known = ExchangeDeclaration{Name: name, Type: tm.autoKind, Durable: true}, true
	}
	if !known || tm.declared[name] == generation {
		tm.mu.Unlock()
		return nil
	}
	tm.mu.Unlock()

	if err := declareExchange(ch, decl); err != nil {
		return err
	}
	tm.markDeclared(name, generation)
	tm.logger.Debug("exchange declared", "exchange", name, "type", decl.Type, "generation", generation)
	return nil
}

func (tm *TopologyManager) markDeclared(name string, generation uint64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.declared[name] = generation
}

func declareExchange(ch TopologyChannel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
	}
	return nil
}
