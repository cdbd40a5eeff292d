package messaging

import (
	"sync"
	"time"
)

// DeliveryOutcome describes how a delivery was processed
type DeliveryOutcome string

const (
	OutcomeHandled       DeliveryOutcome = "handled"
	OutcomeHandlerFailed DeliveryOutcome = "handlerFailed"
	OutcomeDecodeFailed  DeliveryOutcome = "decodeFailed"
	OutcomeUnresolved    DeliveryOutcome = "unresolved"
)

// MetricsCollector receives publish and delivery measurements
type MetricsCollector interface {
	// RecordPublish records one publish call across all its routing keys
	RecordPublish(destination string, routingKeys int, duration time.Duration, err error)
	// RecordDelivery records a processed delivery and how it was settled
	RecordDelivery(topic string, outcome DeliveryOutcome, action SettleAction, duration time.Duration)
	// RecordSubscription records a subscription being opened or closed
	RecordSubscription(topic string, active bool)
}

// NoOpMetricsCollector discards everything
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordPublish(string, int, time.Duration, error) {}

func (NoOpMetricsCollector) RecordDelivery(string, DeliveryOutcome, SettleAction, time.Duration) {}

func (NoOpMetricsCollector) RecordSubscription(string, bool) {}

// MetricsSnapshot is a point in time copy of CounterMetricsCollector
type MetricsSnapshot struct {
	Published           int64
	PublishFailures     int64
	Deliveries          map[DeliveryOutcome]int64
	Acks                int64
	Nacks               int64
	Unsettled           int64
	ActiveSubscriptions int64
	TotalHandleTime     time.Duration
}

// CounterMetricsCollector keeps in-memory counters
type CounterMetricsCollector struct {
	mu   sync.Mutex
	snap MetricsSnapshot
}

// NewCounterMetricsCollector creates an empty collector
func NewCounterMetricsCollector() *CounterMetricsCollector {
	return &CounterMetricsCollector{
		snap: MetricsSnapshot{Deliveries: make(map[DeliveryOutcome]int64)},
	}
}

func (c *CounterMetricsCollector) RecordPublish(_ string, _ int, _ time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.snap.PublishFailures++
		return
	}
	c.snap.Published++
}

func (c *CounterMetricsCollector) RecordDelivery(_ string, outcome DeliveryOutcome, action SettleAction, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Deliveries[outcome]++
	c.snap.TotalHandleTime += duration
	switch action {
	case SettleAck:
		c.snap.Acks++
	case SettleNack:
		c.snap.Nacks++
	default:
		c.snap.Unsettled++
	}
}

func (c *CounterMetricsCollector) RecordSubscription(_ string, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if active {
		c.snap.ActiveSubscriptions++
	} else {
		c.snap.ActiveSubscriptions--
	}
}

// Snapshot returns a copy of the current counters
func (c *CounterMetricsCollector) Snapshot() MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.snap
	out.Deliveries = make(map[DeliveryOutcome]int64, len(c.snap.Deliveries))
	for k, v := range c.snap.Deliveries {
		out.Deliveries[k] = v
	}
	return out
}
