package state

import "errors"

var (
	ErrMissingRecord      = errors.New("state: missing record")
	ErrStalePrice         = errors.New("state: stale oracle price")
	ErrLowConfidencePrice = errors.New("state: oracle confidence too wide")
	ErrZeroPrice          = errors.New("state: oracle price is zero")
	ErrInvalidWeights     = errors.New("state: invalid risk weights")
	ErrAccountNotFound    = errors.New("state: account not found")
	ErrInvalidTransition  = errors.New("state: invalid liquidation state transition")
)
