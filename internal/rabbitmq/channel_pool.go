package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelSource opens raw channels. ConnectionManager implements it.
type ChannelSource interface {
	Channel() (*amqp.Channel, error)
}

// ChannelPool keeps a bounded set of reusable channels
type ChannelPool struct {
	source         ChannelSource
	logger         *slog.Logger
	maxSize        int
	minSize        int
	idleTimeout    time.Duration
	acquireTimeout time.Duration
	reapInterval   time.Duration

	mu          sync.Mutex
	idle        chan *PooledChannel
	closed      bool
	activeCount int
	stop        chan struct{}
}

// PooledChannel wraps a channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	lastUsed time.Time
	id       string
}

// ID identifies the channel in logs
func (pc *PooledChannel) ID() string { return pc.id }

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the number of channels kept open while idle
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets how long a surplus channel may stay unused
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithAcquireTimeout bounds how long Get waits for a channel when the pool is
// exhausted
func WithAcquireTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.acquireTimeout = timeout
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		if logger != nil {
			cp.logger = logger
		}
	}
}

// NewChannelPool creates a pool and opens the minimum number of channels
func NewChannelPool(source ChannelSource, options ...ChannelPoolOption) (*ChannelPool, error) {
	if source == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		source:         source,
		logger:         slog.Default(),
		maxSize:        10,
		minSize:        2,
		idleTimeout:    5 * time.Minute,
		acquireTimeout: 5 * time.Second,
		reapInterval:   time.Minute,
		stop:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.idle = make(chan *PooledChannel, pool.maxSize)

	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.open()
		if err != nil {
			pool.Close()
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		pool.idle <- ch
	}

	go pool.reapIdle()

	return pool, nil
}

// Get takes an idle channel or opens a new one while under the maximum.
// Otherwise it waits for a channel to be returned.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if err := cp.checkOpen(); err != nil {
		return nil, err
	}

	select {
	case ch, ok := <-cp.idle:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		return cp.revive(ctx, ch)
	default:
	}

	cp.mu.Lock()
	if cp.activeCount < cp.maxSize {
		cp.mu.Unlock()
		return cp.openContext(ctx)
	}
	cp.mu.Unlock()

	timer := time.NewTimer(cp.acquireTimeout)
	defer timer.Stop()

	select {
	case ch, ok := <-cp.idle:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		return cp.revive(ctx, ch)
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
	case <-timer.C:
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
	}
}

// Put returns a channel to the pool. Closed channels are dropped and surplus
// channels are closed.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if ch.Channel.IsClosed() {
		cp.activeCount--
		return
	}
	if cp.closed {
		cp.activeCount--
		_ = ch.Channel.Close()
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.idle <- ch:
	default:
		cp.activeCount--
		_ = ch.Channel.Close()
	}
}

// Execute runs fn with a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch.Channel)
}

// Size returns the number of open channels, idle or in use
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Close closes idle channels. Channels still in use are closed when returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true
	close(cp.stop)
	close(cp.idle)

	for ch := range cp.idle {
		cp.activeCount--
		if !ch.Channel.IsClosed() {
			_ = ch.Channel.Close()
		}
	}
	return nil
}

func (cp *ChannelPool) checkOpen() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return ErrChannelPoolClosed
	}
	return nil
}

// revive hands out ch, replacing it when the broker closed it meanwhile
func (cp *ChannelPool) revive(ctx context.Context, ch *PooledChannel) (*PooledChannel, error) {
	if !ch.Channel.IsClosed() {
		ch.lastUsed = time.Now()
		return ch, nil
	}
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
	cp.logger.Debug("discarding closed pooled channel", "channelId", ch.id)
	return cp.openContext(ctx)
}

func (cp *ChannelPool) openContext(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}
	return cp.open()
}

func (cp *ChannelPool) open() (*PooledChannel, error) {
	ch, err := cp.source.Channel()
	if err != nil {
		return nil, err
	}

	pooled := &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       uuid.NewString(),
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return pooled, nil
}

// reapIdle closes channels unused for longer than the idle timeout while the
// pool is above its minimum size
func (cp *ChannelPool) reapIdle() {
	ticker := time.NewTicker(cp.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cp.stop:
			return
		case <-ticker.C:
			cp.reap(time.Now().Add(-cp.idleTimeout))
		}
	}
}

func (cp *ChannelPool) reap(cutoff time.Time) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return
	}

	var keep []*PooledChannel
	reaped := 0
drain:
	for {
		select {
		case ch := <-cp.idle:
			if ch.Channel.IsClosed() {
				cp.activeCount--
				continue
			}
			if ch.lastUsed.Before(cutoff) && cp.activeCount > cp.minSize {
				_ = ch.Channel.Close()
				cp.activeCount--
				reaped++
				continue
			}
			keep = append(keep, ch)
		default:
			break drain
		}
	}
	for _, ch := range keep {
		cp.idle <- ch
	}
	if reaped > 0 {
		cp.logger.Debug("reaped idle channels", "count", reaped, "remaining", cp.activeCount)
	}
}
