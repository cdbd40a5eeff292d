package messaging

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestPublisherArgs(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var args PublisherArgs

		assert.Equal(t, "orders", args.Destination("orders"))
		assert.Equal(t, []string{""}, args.RoutingKeys())
		assert.False(t, args.Mandatory())
		assert.Equal(t, amqp.Persistent, args.DeliveryMode())
		assert.Zero(t, args.Priority())
		assert.Empty(t, args.Expiration())
		assert.Nil(t, args.Headers())
		_, ok := args.Timestamp()
		assert.False(t, ok)
	})

	t.Run("routing keys accept several shapes", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b"}, PublisherArgs{ArgRoutingKeys: []string{"a", "b"}}.RoutingKeys())
		assert.Equal(t, []string{"a", "b"}, PublisherArgs{ArgRoutingKeys: "a, b"}.RoutingKeys())
		assert.Equal(t, []string{"a"}, PublisherArgs{ArgRoutingKeys: []any{"a", 3}}.RoutingKeys())
		assert.Equal(t, []string{""}, PublisherArgs{ArgRoutingKeys: []string{}}.RoutingKeys())
	})

	t.Run("lenient typing", func(t *testing.T) {
		args := PublisherArgs{
			ArgMandatory:  "true",
			ArgPersistent: false,
			ArgPriority:   float64(5),
			ArgExpiration: 1500 * time.Millisecond,
		}
		assert.True(t, args.Mandatory())
		assert.Equal(t, amqp.Transient, args.DeliveryMode())
		assert.Equal(t, uint8(5), args.Priority())
		assert.Equal(t, "1500", args.Expiration())
	})

	t.Run("ill typed values fall back", func(t *testing.T) {
		args := PublisherArgs{
			ArgMandatory:   42,
			ArgDestination: 7,
			ArgPriority:    "high",
		}
		assert.False(t, args.Mandatory())
		assert.Equal(t, "orders", args.Destination("orders"))
		assert.Zero(t, args.Priority())
	})

	t.Run("priority is clamped", func(t *testing.T) {
		assert.Equal(t, uint8(255), PublisherArgs{ArgPriority: 1000}.Priority())
		assert.Zero(t, PublisherArgs{ArgPriority: -1}.Priority())
	})

	t.Run("expiration passes numeric strings through", func(t *testing.T) {
		assert.Equal(t, "60000", PublisherArgs{ArgExpiration: "60000"}.Expiration())
		assert.Equal(t, "60000", PublisherArgs{ArgExpiration: "1m"}.Expiration())
	})

	t.Run("headers are copied", func(t *testing.T) {
		src := map[string]any{"tenant": "acme"}
		headers := PublisherArgs{ArgHeaders: src}.Headers()
		headers["extra"] = 1

		assert.Equal(t, amqp.Table{"tenant": "acme", "extra": 1}, headers)
		assert.Len(t, src, 1)
	})

	t.Run("timestamp", func(t *testing.T) {
		ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		got, ok := PublisherArgs{ArgTimestamp: ts}.Timestamp()
		assert.True(t, ok)
		assert.Equal(t, ts, got)

		got, ok = PublisherArgs{ArgTimestamp: "2024-01-02T03:04:05Z"}.Timestamp()
		assert.True(t, ok)
		assert.True(t, ts.Equal(got))
	})
}

func TestSubscriberArgs(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var args SubscriberArgs

		assert.Equal(t, "orders", args.QueueName("orders"))
		assert.Equal(t, DefaultPrefetchCount, args.PrefetchCount(DefaultPrefetchCount))
		assert.False(t, args.Exclusive())
		assert.Zero(t, args.HandlerTimeout())
		assert.Equal(t, DefaultAckPolicy(), args.AckPolicy())
	})

	t.Run("ack policy flags", func(t *testing.T) {
		args := SubscriberArgs{
			ArgAutoAck:          true,
			ArgAckOnSuccess:     false,
			ArgAckMultiple:      true,
			ArgNackOnFailure:    "false",
			ArgNackMultiple:     true,
			ArgRequeueOnFailure: false,
		}
		assert.Equal(t, AckPolicy{
			AutoAck:      true,
			AckMultiple:  true,
			NackMultiple: true,
		}, args.AckPolicy())
	})

	t.Run("handler timeout accepts durations and milliseconds", func(t *testing.T) {
		assert.Equal(t, time.Second, SubscriberArgs{ArgHandlerTimeout: time.Second}.HandlerTimeout())
		assert.Equal(t, 250*time.Millisecond, SubscriberArgs{ArgHandlerTimeout: "250ms"}.HandlerTimeout())
		assert.Equal(t, 250*time.Millisecond, SubscriberArgs{ArgHandlerTimeout: 250}.HandlerTimeout())
	})

	t.Run("negative prefetch falls back", func(t *testing.T) {
		assert.Equal(t, 10, SubscriberArgs{ArgPrefetchCount: -4}.PrefetchCount(10))
		assert.Equal(t, 0, SubscriberArgs{ArgPrefetchCount: 0}.PrefetchCount(10))
	})
}
