package receipt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meterd/x402gw/internal/nonce"
)

// ExpectedIntent is the intent-side data a receipt must be checked against.
type ExpectedIntent struct {
	IntentID     string
	LockedAmount int64 // micro-units
}

// Validator verifies receipts in a fixed sequence, short-circuiting on the
// first failing check. On success — and only on success — the nonce is
// consumed through the ledger.
type Validator struct {
	ledger        nonce.Ledger
	maxPastAge    time.Duration
	maxFutureSkew time.Duration
	now           func() time.Time
}

// NewValidator creates a receipt validator. Zero durations fall back to the
// package defaults (1h past, 5m future skew).
func NewValidator(ledger nonce.Ledger, maxPastAge, maxFutureSkew time.Duration) *Validator {
	if maxPastAge <= 0 {
		maxPastAge = DefaultMaxPastAge
	}
	if maxFutureSkew <= 0 {
		maxFutureSkew = DefaultMaxFutureSkew
	}
	return &Validator{
		ledger:        ledger,
		maxPastAge:    maxPastAge,
		maxFutureSkew: maxFutureSkew,
		now:           time.Now,
	}
}

// WithClock overrides the time source (tests).
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate runs the full validation sequence:
//
//  1. structural completeness and intent binding
//  2. signature against the trusted issuer
//  3. nonce freshness
//  4. issuedAt within [now-maxPastAge, now+maxFutureSkew]
//  5. usedAmount in (0, lockedAmount]
//
// A rejected receipt never consumes its nonce; an already-consumed nonce is
// itself the rejection reason.
func (v *Validator) Validate(ctx context.Context, r *Receipt, expected ExpectedIntent, trustedIssuer string) (*ValidatedReceipt, error) {
	// 1. Structural completeness.
	if r == nil {
		return nil, fmt.Errorf("%w: nil receipt", ErrIncompleteReceipt)
	}
	switch {
	case r.IntentID == "":
		return nil, fmt.Errorf("%w: intentId", ErrIncompleteReceipt)
	case r.Nonce == "":
		return nil, fmt.Errorf("%w: nonce", ErrIncompleteReceipt)
	case r.IssuerIdentity == "":
		return nil, fmt.Errorf("%w: issuerIdentity", ErrIncompleteReceipt)
	case r.Signature == "":
		return nil, fmt.Errorf("%w: signature", ErrIncompleteReceipt)
	case r.IssuedAt <= 0:
		return nil, fmt.Errorf("%w: issuedAt", ErrIncompleteReceipt)
	}
	if r.IntentID != expected.IntentID {
		return nil, fmt.Errorf("%w: receipt is for intent %s", ErrIntentMismatch, r.IntentID)
	}

	// 2. Signature.
	if err := VerifySignature(r, trustedIssuer); err != nil {
		return nil, err
	}

	// 3. Nonce freshness (read-only; consumption happens after all checks).
	used, err := v.ledger.HasBeenUsed(ctx, r.Nonce)
	if err != nil {
		return nil, fmt.Errorf("receipt: nonce lookup: %w", err)
	}
	if used {
		return nil, ErrReplayedNonce
	}

	// 4. Timestamp bounds.
	now := v.now()
	issued := time.Unix(r.IssuedAt, 0)
	if issued.Before(now.Add(-v.maxPastAge)) || issued.After(now.Add(v.maxFutureSkew)) {
		return nil, fmt.Errorf("%w: issued %s", ErrStaleOrFuture, issued.UTC().Format(time.RFC3339))
	}

	// 5. Amount bounds.
	if r.UsedAmount <= 0 || r.UsedAmount > expected.LockedAmount {
		return nil, fmt.Errorf("%w: used %d, locked %d", ErrAmountOutOfBounds, r.UsedAmount, expected.LockedAmount)
	}

	// All checks passed — burn the nonce. A concurrent validation of the
	// same receipt loses here and is reported as a replay.
	if err := v.ledger.MarkUsed(ctx, r.Nonce, now); err != nil {
		if errors.Is(err, nonce.ErrAlreadyUsed) {
			return nil, ErrReplayedNonce
		}
		return nil, fmt.Errorf("receipt: nonce consume: %w", err)
	}

	return &ValidatedReceipt{
		IntentID:    r.IntentID,
		UsedAmount:  r.UsedAmount,
		UsageMetric: r.UsageMetric,
		Issuer:      r.IssuerIdentity,
		Nonce:       r.Nonce,
		IssuedAt:    issued,
	}, nil
}
