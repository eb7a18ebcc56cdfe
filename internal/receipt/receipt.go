// Package receipt implements signed usage receipts and their verification.
//
// A receipt is the provider's claim of actual usage for one settled request.
// It binds to a payment intent, carries a single-use nonce, and is signed by
// the provider over a canonical serialization of its fields. A receipt is
// consumed exactly once: only a fully valid receipt burns its nonce.
package receipt

import (
	"errors"
	"time"
)

// Validation errors, one per check in the validation sequence. Signature and
// replay failures are permanent rejections — they are never retried.
var (
	ErrIncompleteReceipt = errors.New("receipt: missing or malformed required field")
	ErrIntentMismatch    = errors.New("receipt: intent binding mismatch")
	ErrInvalidSignature  = errors.New("receipt: signature verification failed")
	ErrReplayedNonce     = errors.New("receipt: nonce already consumed")
	ErrStaleOrFuture     = errors.New("receipt: issued timestamp outside accepted window")
	ErrAmountOutOfBounds = errors.New("receipt: used amount out of bounds")
)

// Freshness bounds for issuedAt.
const (
	DefaultMaxPastAge    = time.Hour
	DefaultMaxFutureSkew = 5 * time.Minute
)

// Receipt is a signed provider claim of usage for one intent.
type Receipt struct {
	IntentID       string `json:"intentId"`
	UsedAmount     int64  `json:"usedAmount"`     // micro-units, must be (0, lockedAmount]
	UsageMetric    int64  `json:"usageMetric"`    // metered units claimed (e.g. token count)
	IssuerIdentity string `json:"issuerIdentity"` // provider signing address (0x…)
	Nonce          string `json:"nonce"`          // single-use, hex
	IssuedAt       int64  `json:"issuedAt"`       // unix seconds
	Signature      string `json:"signature"`      // hex, 65 bytes (r‖s‖v)
}

// ValidatedReceipt is a receipt that passed every validation check and whose
// nonce has been consumed. Only validated receipts reach reconciliation.
type ValidatedReceipt struct {
	IntentID    string
	UsedAmount  int64
	UsageMetric int64
	Issuer      string
	Nonce       string
	IssuedAt    time.Time
}

// signingPayload is the canonical struct serialized for signing. Field order
// is lexicographic by JSON field name; the signature itself is excluded.
// encoding/json marshals struct fields in declaration order, which pins the
// byte layout.
type signingPayload struct {
	IntentID       string `json:"intentId"`
	IssuedAt       int64  `json:"issuedAt"`
	IssuerIdentity string `json:"issuerIdentity"`
	Nonce          string `json:"nonce"`
	UsageMetric    int64  `json:"usageMetric"`
	UsedAmount     int64  `json:"usedAmount"`
}
