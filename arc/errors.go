package arc

import "errors"

var (
	ErrMalformed        = errors.New("arc: malformed header")
	ErrChainTooLong     = errors.New("arc: chain exceeds maximum instance count")
	ErrInvalidInstance  = errors.New("arc: non-contiguous or duplicate instance")
	ErrInvalidCV        = errors.New("arc: invalid chain validation value")
	ErrHasHeaderTag     = errors.New("arc: ARC-Seal must not carry an h= tag")
	ErrIncompleteSet    = errors.New("arc: instance missing AAR, AMS, or AS")
	ErrNoKeyFound       = errors.New("arc: no ARC domain key found at selector")
)

// MaxInstances bounds the chain length a verifier will walk, per
// spec.md §4.5's guard against unbounded chains.
const MaxInstances = 50
