package messaging

import "errors"

var (
	// ErrPublisherClosed is returned by operations on a closed publisher
	ErrPublisherClosed = errors.New("messaging: publisher is closed")
	// ErrSubscriberClosed is returned by operations on a closed subscriber
	ErrSubscriberClosed = errors.New("messaging: subscriber is closed")
	// ErrInvalidArgument reports a missing or malformed argument
	ErrInvalidArgument = errors.New("messaging: invalid argument")
	// ErrBoundMethodValue is returned when a method value is passed as a
	// plain handler. Use SubscribeMethod instead so the receiver is held weakly.
	ErrBoundMethodValue = errors.New("messaging: bound method value cannot be referenced weakly")
	// ErrHandlerUnresolved reports that a subscription's handler is no longer
	// reachable
	ErrHandlerUnresolved = errors.New("messaging: handler could not be resolved")
)
