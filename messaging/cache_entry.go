package messaging

import (
	"context"
	"log/slog"
	"sync"
)

// CacheEntry owns the dedicated channel and consume loop of one subscription
type CacheEntry struct {
	logger *slog.Logger
	topic  string

	mu           sync.Mutex
	subscription *Subscription
	channel      Channel
	disposed     bool
	busy         bool

	done     chan struct{}
	stopOnce sync.Once
}

func newCacheEntry(subscription *Subscription, channel Channel, logger *slog.Logger) *CacheEntry {
	return &CacheEntry{
		logger:       logger,
		topic:        subscription.Topic(),
		subscription: subscription,
		channel:      channel,
		done:         make(chan struct{}),
	}
}

// Topic returns the subscribed topic
func (e *CacheEntry) Topic() string { return e.topic }

// Subscription returns the subscription, nil after disposal
func (e *CacheEntry) Subscription() *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscription
}

// Disposed reports whether the entry has been disposed or released
func (e *CacheEntry) Disposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// Dispose cancels the consumer, closes the channel and waits for the consume
// loop to exit or ctx to end. It does not wait while a handler is running on
// this entry; that handler may be the caller, and its delivery is left
// unsettled. Broker errors are logged and otherwise ignored. Calling Dispose
// more than once is a no-op.
func (e *CacheEntry) Dispose(ctx context.Context) {
	sub, ch, busy, ok := e.detach()
	if !ok {
		return
	}

	if ch != nil {
		tag := sub.ConsumerTag()
		if err := ch.Cancel(tag); err != nil {
			e.logger.Debug("failed to cancel consumer",
				"consumerTag", tag,
				"topic", sub.Topic(),
				"error", err)
		}
		if err := ch.Close("subscription disposed"); err != nil {
			e.logger.Debug("failed to close subscription channel",
				"consumerTag", tag,
				"topic", sub.Topic(),
				"error", err)
		}
	}
	sub.Dispose()

	if busy {
		return
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		e.logger.Warn("consume loop did not stop before deadline",
			"topic", sub.Topic(),
			"error", ctx.Err())
	}
}

// Release drops the subscription and channel without talking to the broker.
// It never blocks.
func (e *CacheEntry) Release() {
	sub, _, _, ok := e.detach()
	if !ok {
		return
	}
	sub.Dispose()
}

func (e *CacheEntry) detach() (*Subscription, Channel, bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return nil, nil, false, false
	}
	e.disposed = true
	sub, ch := e.subscription, e.channel
	e.subscription, e.channel = nil, nil
	return sub, ch, e.busy, true
}

// begin marks a handler call in flight. It fails once the entry is disposed.
func (e *CacheEntry) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return false
	}
	e.busy = true
	return true
}

func (e *CacheEntry) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy = false
}

func (e *CacheEntry) stopped() {
	e.stopOnce.Do(func() { close(e.done) })
}

// Done is closed when the consume loop has exited
func (e *CacheEntry) Done() <-chan struct{} {
	return e.done
}
