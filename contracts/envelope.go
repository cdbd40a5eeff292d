package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps a payload for transport
type Envelope struct {
	Message       json.RawMessage `json:"message"`
	MessageID     string          `json:"messageId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEnvelope encodes message and wraps it with the given identifiers.
func NewEnvelope(message any, messageID, correlationID string, timestamp time.Time) (*Envelope, error) {
	if message == nil {
		return nil, ErrNilMessage
	}
	if messageID == "" {
		return nil, ErrMissingMessageID
	}

	raw, ok := message.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(message)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message: %w", err)
		}
	}
	// typed nil pointers and raw nulls would never decode on the other side
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrNilMessage
	}

	return &Envelope{
		Message:       raw,
		MessageID:     messageID,
		CorrelationID: correlationID,
		Timestamp:     timestamp.UTC(),
	}, nil
}

// Encode serializes the envelope to its wire form
func (e *Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return body, nil
}

// Decode unmarshals the wrapped message into v
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Message, v); err != nil {
		return fmt.Errorf("failed to unmarshal message %s: %w", e.MessageID, err)
	}
	return nil
}

// DecodeEnvelope parses a delivery body.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformedEnvelope)
	}

	var envelope Envelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.MessageID == "" {
		return nil, fmt.Errorf("%w: missing messageId", ErrMalformedEnvelope)
	}
	if len(envelope.Message) == 0 || bytes.Equal(envelope.Message, []byte("null")) {
		return nil, fmt.Errorf("%w: missing message", ErrMalformedEnvelope)
	}
	return &envelope, nil
}

// DecodeMessage unmarshals a raw message into a value of type T
func DecodeMessage[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return v, nil
}
