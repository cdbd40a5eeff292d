package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-pubsub/internal/rabbitmq"
	"github.com/glimte/mmate-pubsub/messaging"
)

var (
	// ErrNotConnected is returned before Connect succeeded
	ErrNotConnected = errors.New("transport: not connected")

	errPooledConsume = errors.New("transport: pooled channels cannot consume")
)

const topologyRedeclareTimeout = 30 * time.Second

// Transport is the RabbitMQ implementation of messaging.ChannelFactory
type Transport struct {
	manager  *rabbitmq.ConnectionManager
	topology *rabbitmq.TopologyManager
	declare  rabbitmq.Topology
	logger   *slog.Logger
	poolOpts []rabbitmq.ChannelPoolOption

	mu          sync.Mutex
	pool        *rabbitmq.ChannelPool
	declaredGen uint64
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	Topology          rabbitmq.Topology
	AutoDeclareKind   string
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithTopology declares topology on every (re)connect
func WithTopology(topology rabbitmq.Topology) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Topology = topology
	}
}

// WithAutoDeclare declares unknown destinations as durable exchanges of kind
func WithAutoDeclare(kind string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.AutoDeclareKind = kind
	}
}

// WithTransportLogger sets the logger for the transport and its connection
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a transport for url. It does not dial; call Connect.
func NewTransport(url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	if err := cfg.Topology.Validate(); err != nil {
		return nil, err
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithPoolLogger(cfg.Logger)}, cfg.PoolOptions...)
	topoOpts := []rabbitmq.TopologyOption{rabbitmq.WithTopologyLogger(cfg.Logger)}
	if cfg.AutoDeclareKind != "" {
		topoOpts = append(topoOpts, rabbitmq.WithAutoDeclare(cfg.AutoDeclareKind))
	}

	t := &Transport{
		manager:  rabbitmq.NewConnectionManager(url, connOpts...),
		topology: rabbitmq.NewTopologyManager(topoOpts...),
		declare:  cfg.Topology,
		logger:   cfg.Logger,
		poolOpts: poolOpts,
	}
	t.topology.Register(cfg.Topology.Exchanges...)
	t.manager.AddStateListener(t)
	return t, nil
}

// Connect dials the broker, opens the publish pool and declares topology.
// A single dial is attempted.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.manager.Connect(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	if t.pool == nil {
		pool, err := rabbitmq.NewChannelPool(t.manager, t.poolOpts...)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("failed to create channel pool: %w", err)
		}
		t.pool = pool
	}
	t.mu.Unlock()

	return t.declareTopology(ctx)
}

// CreateChannel opens a dedicated channel and makes sure a configured
// exchange named destination exists.
func (t *Transport) CreateChannel(ctx context.Context, destination string) (messaging.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := t.manager.Channel()
	if err != nil {
		return nil, err
	}
	if err := t.topology.EnsureExchange(ch, destination, t.manager.Generation()); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &channel{ch: ch, logger: t.logger}, nil
}

// Pooled returns a factory whose channels come from the shared pool and are
// returned to it on Close. Pooled channels cannot consume.
func (t *Transport) Pooled() messaging.ChannelFactory {
	return messaging.ChannelFactoryFunc(t.createPooledChannel)
}

func (t *Transport) createPooledChannel(ctx context.Context, destination string) (messaging.Channel, error) {
	t.mu.Lock()
	pool := t.pool
	t.mu.Unlock()
	if pool == nil {
		return nil, ErrNotConnected
	}

	pc, err := pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.topology.EnsureExchange(pc.Channel, destination, t.manager.Generation()); err != nil {
		pool.Put(pc)
		return nil, err
	}
	return &pooledChannel{
		channel: channel{ch: pc.Channel, logger: t.logger.With("channelId", pc.ID())},
		release: func() { pool.Put(pc) },
	}, nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close closes the pool and the connection
func (t *Transport) Close() error {
	t.manager.RemoveStateListener(t)

	t.mu.Lock()
	pool := t.pool
	t.pool = nil
	t.mu.Unlock()

	if pool != nil {
		_ = pool.Close()
	}
	return t.manager.Close()
}

// OnConnected re-declares topology after a reconnect
func (t *Transport) OnConnected() {
	ctx, cancel := context.WithTimeout(context.Background(), topologyRedeclareTimeout)
	defer cancel()
	if err := t.declareTopology(ctx); err != nil {
		t.logger.Error("failed to redeclare topology", "error", err)
	}
}

// OnDisconnected logs the lost connection
func (t *Transport) OnDisconnected(err error) {
	t.logger.Warn("transport disconnected", "error", err)
}

// OnReconnecting logs reconnect attempts
func (t *Transport) OnReconnecting(attempt int) {
	t.logger.Debug("transport reconnecting", "attempt", attempt)
}

func (t *Transport) declareTopology(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pool == nil {
		return nil
	}
	gen := t.manager.Generation()
	if gen == t.declaredGen || isEmpty(t.declare) {
		return nil
	}
	if err := t.topology.DeclareTopologyWith(ctx, t.pool, t.declare, gen); err != nil {
		return err
	}
	t.declaredGen = gen
	return nil
}

func isEmpty(topology rabbitmq.Topology) bool {
	return len(topology.Exchanges) == 0 && len(topology.Queues) == 0 && len(topology.Bindings) == 0
}
