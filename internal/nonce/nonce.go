// Package nonce tracks consumed receipt nonces for replay protection.
//
// A nonce, once accepted, can never be accepted again for the lifetime of
// the retention window. MarkUsed is an atomic check-and-set: two concurrent
// calls with the same nonce yield exactly one success and one ErrAlreadyUsed.
package nonce

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyUsed signals a replay attempt. Never retried, never ignored.
	ErrAlreadyUsed = errors.New("nonce: already used")
)

// DefaultRetention is how long consumed nonces are remembered.
const DefaultRetention = 24 * time.Hour

// Ledger records consumed nonces.
type Ledger interface {
	// HasBeenUsed reports whether the nonce was already consumed.
	HasBeenUsed(ctx context.Context, nonce string) (bool, error)

	// MarkUsed consumes the nonce. Returns ErrAlreadyUsed if it was
	// consumed before (within the retention window).
	MarkUsed(ctx context.Context, nonce string, now time.Time) error

	// EvictExpired removes entries older than the retention window and
	// returns how many were removed.
	EvictExpired(ctx context.Context, now time.Time) (int, error)
}
