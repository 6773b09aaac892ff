package pool

import "errors"

var (
	// ErrPoolExhausted is backpressure: no eligible unit exists right now.
	// Callers decide whether to retry, queue, or deny.
	ErrPoolExhausted = errors.New("pool exhausted")

	ErrUnknownTier = errors.New("unknown tier")

	ErrTargetOutOfRange = errors.New("target size out of range")
)
