// Package contracts defines the wire envelope exchanged between publishers and
// subscribers.
//
// Every published payload is wrapped in an Envelope carrying the message id, an
// optional correlation id and the publish timestamp. The envelope is encoded as a
// JSON object:
//
//	{"message": {...}, "messageId": "...", "correlationId": "...", "timestamp": "..."}
//
// Decoding is strict about structure: a body that is not a JSON object, lacks a
// message id or carries no message is reported as ErrMalformedEnvelope.
package contracts
