package contracts

import "errors"

var (
	ErrNilMessage        = errors.New("contracts: message cannot be nil")
	ErrMissingMessageID  = errors.New("contracts: message id cannot be empty")
	ErrMalformedEnvelope = errors.New("contracts: malformed envelope")
)
