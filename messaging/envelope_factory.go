package messaging

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-pubsub/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/trickstertwo/xclock"
)

const (
	// DefaultContentType is set on every publishing unless overridden
	DefaultContentType = "application/json"
	// ClusterIDHeader carries the legacy cluster-id property
	ClusterIDHeader = "x-cluster-id"
)

// Clock supplies envelope timestamps. xclock.Clock satisfies it.
type Clock interface {
	Now() time.Time
}

// EnvelopeFactory builds envelopes and their AMQP publishings
type EnvelopeFactory struct {
	clock Clock
	newID func() string
}

// EnvelopeFactoryOption configures an EnvelopeFactory
type EnvelopeFactoryOption func(*EnvelopeFactory)

// WithClock sets the clock used for envelope timestamps
func WithClock(clock Clock) EnvelopeFactoryOption {
	return func(f *EnvelopeFactory) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// WithIDGenerator sets the message id generator
func WithIDGenerator(gen func() string) EnvelopeFactoryOption {
	return func(f *EnvelopeFactory) {
		if gen != nil {
			f.newID = gen
		}
	}
}

// NewEnvelopeFactory creates a factory using the default clock and random
// UUIDs for message ids.
func NewEnvelopeFactory(opts ...EnvelopeFactoryOption) *EnvelopeFactory {
	f := &EnvelopeFactory{
		clock: xclock.Default(),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateEnvelope wraps message. The message id and correlation id come from
// args when present.
func (f *EnvelopeFactory) CreateEnvelope(message any, args PublisherArgs) (*contracts.Envelope, error) {
	messageID := args.MessageID()
	if messageID == "" {
		messageID = f.newID()
	}
	timestamp, ok := args.Timestamp()
	if !ok {
		timestamp = f.clock.Now()
	}
	return contracts.NewEnvelope(message, messageID, args.CorrelationID(), timestamp)
}

// CreatePublishing encodes envelope and maps the publish arguments onto AMQP
// message properties.
func (f *EnvelopeFactory) CreatePublishing(envelope *contracts.Envelope, args PublisherArgs) (amqp.Publishing, error) {
	body, err := envelope.Encode()
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode envelope %s: %w", envelope.MessageID, err)
	}

	headers := args.Headers()
	if clusterID := args.String(ArgClusterID); clusterID != "" {
		if headers == nil {
			headers = amqp.Table{}
		}
		headers[ClusterIDHeader] = clusterID
	}

	contentType := args.String(ArgContentType)
	if contentType == "" {
		contentType = DefaultContentType
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     contentType,
		ContentEncoding: args.String(ArgContentEncoding),
		DeliveryMode:    args.DeliveryMode(),
		Priority:        args.Priority(),
		CorrelationId:   envelope.CorrelationID,
		ReplyTo:         args.String(ArgReplyTo),
		Expiration:      args.Expiration(),
		MessageId:       envelope.MessageID,
		Timestamp:       envelope.Timestamp.Truncate(time.Second),
		Type:            args.String(ArgType),
		UserId:          args.String(ArgUserID),
		AppId:           args.String(ArgAppID),
		Body:            body,
	}, nil
}
