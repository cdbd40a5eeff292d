package messaging

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher argument keys
const (
	ArgDestination     = "destination"
	ArgRoutingKeys     = "routingKeys"
	ArgMandatory       = "mandatory"
	ArgContentType     = "contentType"
	ArgContentEncoding = "contentEncoding"
	ArgCorrelationID   = "correlationId"
	ArgMessageID       = "messageId"
	ArgPersistent      = "persistent"
	ArgPriority        = "priority"
	ArgExpiration      = "expiration"
	ArgHeaders         = "headers"
	ArgReplyTo         = "replyTo"
	ArgTimestamp       = "timestamp"
	ArgType            = "type"
	ArgUserID          = "userId"
	ArgAppID           = "appId"
	ArgClusterID       = "clusterId"
)

// Subscriber argument keys
const (
	ArgQueueName        = "queueName"
	ArgAutoAck          = "autoAck"
	ArgAckOnSuccess     = "ackOnSuccess"
	ArgAckMultiple      = "ackMultiple"
	ArgNackOnFailure    = "nackOnFailure"
	ArgNackMultiple     = "nackMultiple"
	ArgRequeueOnFailure = "requeueOnFailure"
	ArgPrefetchCount    = "prefetchCount"
	ArgExclusive        = "exclusive"
	ArgHandlerTimeout   = "handlerTimeout"
)

// PublisherArgs carries transport knobs for a single publish call. Values are
// read leniently: ill-typed entries fall back to their default.
type PublisherArgs map[string]any

// Destination returns the destination override, or topic
func (a PublisherArgs) Destination(topic string) string {
	return lookupString(a, ArgDestination, topic)
}

// RoutingKeys returns the routing keys to publish to, one empty key by default
func (a PublisherArgs) RoutingKeys() []string {
	keys := lookupStrings(a, ArgRoutingKeys)
	if len(keys) == 0 {
		return []string{""}
	}
	return keys
}

// Mandatory returns the AMQP mandatory flag
func (a PublisherArgs) Mandatory() bool {
	return lookupBool(a, ArgMandatory, false)
}

// MessageID returns the caller supplied message id
func (a PublisherArgs) MessageID() string {
	return lookupString(a, ArgMessageID, "")
}

// CorrelationID returns the caller supplied correlation id
func (a PublisherArgs) CorrelationID() string {
	return lookupString(a, ArgCorrelationID, "")
}

// Timestamp returns the caller supplied publish time
func (a PublisherArgs) Timestamp() (time.Time, bool) {
	v, ok := a[ArgTimestamp]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

// Headers returns a copy of the headers table
func (a PublisherArgs) Headers() amqp.Table {
	return lookupTable(a, ArgHeaders)
}

// DeliveryMode maps the persistent flag, true by default
func (a PublisherArgs) DeliveryMode() uint8 {
	if lookupBool(a, ArgPersistent, true) {
		return amqp.Persistent
	}
	return amqp.Transient
}

// Priority returns the message priority clamped to 0..255
func (a PublisherArgs) Priority() uint8 {
	p := lookupInt(a, ArgPriority, 0)
	if p < 0 {
		return 0
	}
	if p > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(p)
}

// Expiration returns the per-message TTL in milliseconds as AMQP expects it
func (a PublisherArgs) Expiration() string {
	v, ok := a[ArgExpiration]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		if _, err := strconv.ParseUint(s, 10, 64); err == nil {
			return s
		}
	}
	d := lookupDuration(a, ArgExpiration, 0)
	if d <= 0 {
		return ""
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// String returns a string valued argument
func (a PublisherArgs) String(key string) string {
	return lookupString(a, key, "")
}

// SubscriberArgs carries consumer and acknowledgment knobs for a subscription
type SubscriberArgs map[string]any

// QueueName returns the queue to consume from, or def
func (a SubscriberArgs) QueueName(def string) string {
	return lookupString(a, ArgQueueName, def)
}

// AckPolicy builds the acknowledgment policy from the flags
func (a SubscriberArgs) AckPolicy() AckPolicy {
	def := DefaultAckPolicy()
	return AckPolicy{
		AutoAck:          lookupBool(a, ArgAutoAck, def.AutoAck),
		AckOnSuccess:     lookupBool(a, ArgAckOnSuccess, def.AckOnSuccess),
		AckMultiple:      lookupBool(a, ArgAckMultiple, def.AckMultiple),
		NackOnFailure:    lookupBool(a, ArgNackOnFailure, def.NackOnFailure),
		NackMultiple:     lookupBool(a, ArgNackMultiple, def.NackMultiple),
		RequeueOnFailure: lookupBool(a, ArgRequeueOnFailure, def.RequeueOnFailure),
	}
}

// PrefetchCount returns the QoS prefetch count
func (a SubscriberArgs) PrefetchCount(def int) int {
	n := lookupInt(a, ArgPrefetchCount, def)
	if n < 0 {
		return def
	}
	return n
}

// Exclusive returns the exclusive consumer flag
func (a SubscriberArgs) Exclusive() bool {
	return lookupBool(a, ArgExclusive, false)
}

// HandlerTimeout bounds a single handler invocation, zero means unbounded
func (a SubscriberArgs) HandlerTimeout() time.Duration {
	return lookupDuration(a, ArgHandlerTimeout, 0)
}

func lookupString(m map[string]any, key, def string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	return def
}

func lookupStrings(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case string:
		if t == "" {
			return []string{""}
		}
		parts := strings.Split(t, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func lookupBool(m map[string]any, key string, def bool) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}

func lookupInt(m map[string]any, key string, def int) int {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int8:
		return int(t)
	case int16:
		return int(t)
	case int32:
		return int(t)
	case int64:
		return int(t)
	case uint8:
		return int(t)
	case uint16:
		return int(t)
	case uint32:
		return int(t)
	case float64:
		if t == math.Trunc(t) {
			return int(t)
		}
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

func lookupDuration(m map[string]any, key string, def time.Duration) time.Duration {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case time.Duration:
		return t
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	case int:
		return time.Duration(t) * time.Millisecond
	case int64:
		return time.Duration(t) * time.Millisecond
	case float64:
		return time.Duration(t * float64(time.Millisecond))
	}
	return def
}

func lookupTable(m map[string]any, key string) amqp.Table {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	table := amqp.Table{}
	switch t := v.(type) {
	case amqp.Table:
		for k, val := range t {
			table[k] = val
		}
	case map[string]any:
		for k, val := range t {
			table[k] = val
		}
	case map[string]string:
		for k, val := range t {
			table[k] = val
		}
	default:
		return nil
	}
	return table
}
