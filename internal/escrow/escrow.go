// Package escrow defines the client boundary to the external escrow and
// payment-routing service.
//
// The gateway never moves funds itself: it asks the escrow service to lock
// a payer's budget against an intent, queries lock status, and instructs
// settlement or refund. Refund is idempotent on the escrow side — refunding
// an already-refunded intent is a no-op success, which the sweep relies on.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEscrowUnavailable = errors.New("escrow: service unavailable")
	ErrInsufficientFunds = errors.New("escrow: payer has insufficient funds")
	ErrSettlementFailed  = errors.New("escrow: settlement failed")
	ErrRefundFailed      = errors.New("escrow: refund failed")
	ErrIntentUnknown     = errors.New("escrow: intent unknown")
)

// State is the escrow-side view of an intent's funds.
type State string

const (
	StateLocked   State = "LOCKED"
	StateSettled  State = "SETTLED"
	StateRefunded State = "REFUNDED"
	StateUnknown  State = "UNKNOWN"
)

// TxRef identifies an escrow-side transaction (opaque to the gateway).
type TxRef string

// Status is the result of a lock-status query.
type Status struct {
	State  State `json:"state"`
	Amount int64 `json:"amount"` // micro-units currently locked/settled
}

// Client is the escrow service boundary. All methods are blocking I/O and
// must not be called while holding intent-level locks.
type Client interface {
	// CreateIntent registers a payment intent with the escrow service so
	// the payer can lock funds against it.
	CreateIntent(ctx context.Context, id, payer string, amount int64, expiry time.Time) (TxRef, error)

	// GetStatus reports the escrow-side state of an intent.
	GetStatus(ctx context.Context, id string) (Status, error)

	// Settle transfers amount to the recipient and releases the remainder
	// of the lock back to the payer.
	Settle(ctx context.Context, id, recipient string, amount int64, targetChain string) (TxRef, error)

	// Refund releases the full lock back to the payer. Idempotent: a second
	// refund of the same intent succeeds without effect.
	Refund(ctx context.Context, id string) (TxRef, error)
}
