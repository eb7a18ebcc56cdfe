// Package intent owns payment intent records and their state machine.
//
// Lifecycle:
//
//	PENDING ──escrow lock──▶ LOCKED ──evidence accepted──▶ PROCESSING
//	PROCESSING ──receipt validated + reconciled──▶ SETTLED
//	PROCESSING ──backing/reconciliation/settlement failure──▶ REFUNDED
//	PENDING/LOCKED/PROCESSING ──expiry sweep──▶ REFUNDED
//
// SETTLED, REFUNDED, and EXPIRED are terminal. The registry is the only
// component that mutates intent state; every transition goes through a
// guarded registry operation, and a transition attempted from a terminal
// state is rejected with ErrInvalidTransition.
package intent

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrIntentNotFound    = errors.New("intent: not found")
	ErrInvalidTransition = errors.New("intent: invalid state transition")
	ErrIntentExpired     = errors.New("intent: expired")
	ErrNotLocked         = errors.New("intent: escrow has not locked funds")
	ErrInsufficientLock  = errors.New("intent: escrow lock below required budget")
	ErrAlreadyProcessing = errors.New("intent: backing request already dispatched")
	ErrInvalidAmount     = errors.New("intent: invalid amount")
)

// State represents an intent's position in the lifecycle.
type State string

const (
	StatePending    State = "PENDING"
	StateLocked     State = "LOCKED"
	StateProcessing State = "PROCESSING"
	StateSettled    State = "SETTLED"
	StateRefunded   State = "REFUNDED"
	StateExpired    State = "EXPIRED"
)

// Terminal returns true if no further transitions are allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateSettled, StateRefunded, StateExpired:
		return true
	}
	return false
}

// Intent is a budgeted, time-bounded authorization to pay for one request.
type Intent struct {
	ID             string          `json:"intentId"`
	Payer          string          `json:"payerReference,omitempty"`
	LockedAmount   int64           `json:"lockedAmount"` // micro-units, band max
	State          State           `json:"state"`
	Expiry         time.Time       `json:"expiry"`
	Endpoint       string          `json:"endpoint"`
	RequestPayload json.RawMessage `json:"requestPayload,omitempty"`
	SettledAmount  int64           `json:"settledAmount,omitempty"` // set at most once, on SETTLED
	Dispatched     bool            `json:"dispatched"`              // backing call sent while PROCESSING
	EscrowTx       string          `json:"escrowTx,omitempty"`      // payer's lock transaction
	RefundReason   string          `json:"refundReason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// IsExpired returns true once the intent is past its expiry.
func (i *Intent) IsExpired(now time.Time) bool {
	return !i.Expiry.IsZero() && now.After(i.Expiry)
}

// SettlementRecord is the outcome of a successful settlement.
type SettlementRecord struct {
	IntentID      string `json:"intentId"`
	SettledAmount int64  `json:"settledAmount"`
	RefundAmount  int64  `json:"refundAmount"` // lockedAmount - settledAmount
	SettledTx     string `json:"settledTx"`
}

// AuditRecord is one entry in the per-intent audit trail.
type AuditRecord struct {
	ID       string    `json:"id"`
	IntentID string    `json:"intentId"`
	Event    string    `json:"event"` // challenge, evidence, dispatch, settle, refund, sweep
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}
