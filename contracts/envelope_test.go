package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	ID    string   `json:"id"`
	Items []string `json:"items"`
	Total float64  `json:"total"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	messages := []any{
		map[string]any{"id": "a"},
		map[string]any{"id": "b", "qty": 3.0, "tags": []any{"x", "y"}, "nested": map[string]any{"ok": true}},
		"plain string",
		42.5,
		[]any{1.0, "two", nil},
		true,
	}

	for _, m := range messages {
		envelope, err := NewEnvelope(m, "msg-1", "corr-1", ts)
		require.NoError(t, err)

		body, err := envelope.Encode()
		require.NoError(t, err)

		decoded, err := DecodeEnvelope(body)
		require.NoError(t, err)

		var got any
		require.NoError(t, decoded.Decode(&got))
		assert.Equal(t, m, got)
		assert.Equal(t, "msg-1", decoded.MessageID)
		assert.Equal(t, "corr-1", decoded.CorrelationID)
		assert.True(t, ts.Equal(decoded.Timestamp))
	}
}

func TestEnvelopeTypedRoundTrip(t *testing.T) {
	in := orderPlaced{ID: "o-1", Items: []string{"book", "pen"}, Total: 12.75}

	envelope, err := NewEnvelope(in, "msg-2", "", time.Now())
	require.NoError(t, err)
	body, err := envelope.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(body)
	require.NoError(t, err)

	out, err := DecodeMessage[orderPlaced](decoded.Message)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Empty(t, decoded.CorrelationID)
}

func TestEnvelopeWireFormat(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	envelope, err := NewEnvelope(map[string]string{"id": "a"}, "m", "c", ts)
	require.NoError(t, err)

	body, err := envelope.Encode()
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"message":{"id":"a"},"messageId":"m","correlationId":"c","timestamp":"2024-01-02T03:04:05Z"}`,
		string(body))
}

func TestNewEnvelopeValidation(t *testing.T) {
	_, err := NewEnvelope(nil, "id", "", time.Now())
	assert.ErrorIs(t, err, ErrNilMessage)

	_, err = NewEnvelope("x", "", "", time.Now())
	assert.ErrorIs(t, err, ErrMissingMessageID)

	_, err = NewEnvelope(make(chan int), "id", "", time.Now())
	assert.Error(t, err)
}

func TestNewEnvelopeRejectsNullPayloads(t *testing.T) {
	type order struct{ ID string }

	for name, message := range map[string]any{
		"typed nil pointer": (*order)(nil),
		"nil map":           map[string]string(nil),
		"raw null":          json.RawMessage("null"),
		"padded raw null":   json.RawMessage(" null\n"),
		"empty raw":         json.RawMessage{},
	} {
		t.Run(name, func(t *testing.T) {
			envelope, err := NewEnvelope(message, "id", "", time.Now())
			assert.ErrorIs(t, err, ErrNilMessage)
			assert.Nil(t, envelope)
		})
	}
}

func TestNewEnvelopeKeepsRawMessage(t *testing.T) {
	raw := json.RawMessage(`{"id":"raw"}`)
	envelope, err := NewEnvelope(raw, "id", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, raw, envelope.Message)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	bodies := map[string]string{
		"empty":         ``,
		"not json":      `hello`,
		"array":         `[1,2,3]`,
		"truncated":     `{"message":{"id":"a"`,
		"no message id": `{"message":{"id":"a"}}`,
		"no message":    `{"messageId":"m"}`,
		"null message":  `{"messageId":"m","message":null}`,
		"bad timestamp": `{"messageId":"m","message":1,"timestamp":"yesterday"}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(body))
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestDecodeMessageTypeMismatch(t *testing.T) {
	_, err := DecodeMessage[orderPlaced](json.RawMessage(`"not an object"`))
	assert.Error(t, err)
}
