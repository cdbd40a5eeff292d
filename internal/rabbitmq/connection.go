package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-pubsub/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 5 * time.Minute
	defaultConnectTimeout = 30 * time.Second
	defaultHeartbeat      = 10 * time.Second
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

type dialFunc func(url string, config amqp.Config) (*amqp.Connection, error)

// ConnectionManager manages the broker connection with automatic reconnection
type ConnectionManager struct {
	url            string
	connectionName string
	heartbeat      time.Duration
	connectTimeout time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger
	dial           dialFunc

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	notifyClose chan *amqp.Error
	generation  atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the initial reconnection delay. Later attempts back
// off exponentially.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts, -1 for no
// limit
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(heartbeat time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = heartbeat
	}
}

// WithConnectionName sets the connection_name client property shown by the
// broker's management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		heartbeat:      defaultHeartbeat,
		connectTimeout: defaultConnectTimeout,
		reconnectDelay: defaultReconnectDelay,
		maxRetries:     -1,
		logger:         slog.Default(),
		dial:           amqp.DialConfig,
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection. It makes a single attempt; the
// caller decides whether to retry.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	select {
	case <-cm.done:
		return ErrConnectionClosed
	default:
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	if _, err := amqp.ParseURI(cm.url); err != nil {
		return cm.connectionError("connect", fmt.Errorf("%w: %v", ErrInvalidConfiguration, err), 1)
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return cm.connectionError("connect", err, 1)
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect(cm.notifyClose)
	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// Channel opens a new channel on the live connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// Generation increases every time a connection is established. Server side
// state tied to a connection must be re-declared when it changes.
func (cm *ConnectionManager) Generation() uint64 {
	return cm.generation.Load()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnecting and closes the connection. It is idempotent.
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		defer cm.mu.Unlock()
		cm.isConnected = false
		if cm.conn != nil {
			err = cm.conn.Close()
			cm.conn = nil
		}
	})
	return err
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	config := amqp.Config{
		Heartbeat:  cm.heartbeat,
		Properties: amqp.NewConnectionProperties(),
	}
	if cm.connectionName != "" {
		config.Properties.SetClientConnectionName(cm.connectionName)
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url, config)
		resultCh <- result{conn, err}
	}()

	select {
	case r := <-resultCh:
		return r.conn, r.err
	case <-connCtx.Done():
		go func() {
			// Close a connection that arrives after we gave up on it.
			if r := <-resultCh; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with cm.mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.generation.Add(1)
}

func (cm *ConnectionManager) connectionError(op string, err error, attempts int) *ConnectionError {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
}

// handleReconnect waits for the connection to drop and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	for {
		select {
		case err, ok := <-notifyClose:
			if !ok && err == nil {
				// A clean close by us closes the notify channel too.
				select {
				case <-cm.done:
					return
				default:
				}
			}
			cm.logger.Error("connection closed", "error", err)

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			var cause error
			if err != nil {
				cause = err
			}
			cm.notifyDisconnected(cause)

			next, ok := cm.reconnect()
			if !ok {
				return
			}
			notifyClose = next

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect dials until it succeeds, the retry budget runs out or the
// manager is closed. It returns the close notifications of the new
// connection.
func (cm *ConnectionManager) reconnect() (chan *amqp.Error, bool) {
	backoff := reliability.NewExponentialBackoff(cm.reconnectDelay, maxReconnectDelay, 2, cm.maxRetries)
	start := time.Now()

	for attempt := 1; ; attempt++ {
		select {
		case <-cm.done:
			return nil, false
		default:
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", attempt,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt)

		conn, err := cm.dialContext(context.Background())
		if err == nil {
			cm.mu.Lock()
			select {
			case <-cm.done:
				cm.mu.Unlock()
				_ = conn.Close()
				return nil, false
			default:
			}
			cm.attach(conn)
			notifyClose := cm.notifyClose
			cm.mu.Unlock()

			cm.logger.Info("successfully reconnected to RabbitMQ",
				"attempts", attempt,
				"duration", time.Since(start))
			cm.notifyConnected()
			return notifyClose, true
		}

		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(start))
			cm.notifyDisconnected(cm.connectionError("reconnect", ErrMaxRetriesExceeded, attempt))
			return nil, false
		}

		delay := backoff.NextDelay(attempt - 1)
		cm.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", delay)

		select {
		case <-time.After(delay):
		case <-cm.done:
			return nil, false
		}
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
