// Package gateway implements the x402 pay-per-request flow in front of
// metered endpoints.
//
// A request without payment evidence is answered with a 402 challenge
// naming a fresh intent and the budget to lock. The retried request
// carries a Payment-Evidence header; the gateway verifies the escrow
// lock, proxies the call upstream, validates the provider's signed usage
// receipt, reconciles the claim against an independent metering oracle,
// and settles. Every failure after funds are locked triggers a refund —
// a rejected receipt never leaves money stranded.
package gateway

import (
	"errors"

	"github.com/meterd/x402gw/internal/reconcile"
)

// EvidenceHeader carries the client's proof of escrow lock on retry.
const EvidenceHeader = "Payment-Evidence"

var (
	ErrBadEvidence    = errors.New("gateway: malformed payment evidence")
	ErrEndpointBound  = errors.New("gateway: evidence presented for a different endpoint")
	ErrUpstreamFailed = errors.New("gateway: backing service call failed")
	ErrMissingReceipt = errors.New("gateway: backing service returned no usage receipt")
)

// Funds-status codes surfaced alongside every payment failure so the
// payer knows whether their money is safe.
const (
	FundsNoCharge      = "no_charge"      // nothing was ever locked
	FundsHeld          = "held"           // lock intact, retry or expiry will resolve it
	FundsRefunded      = "refunded"       // lock released back to payer
	FundsRefundPending = "refund_pending" // refund failed, sweep will retry
	FundsSettled       = "settled"        // provider was paid
)

// FundsError wraps a payment-path failure with funds-state context so
// clients always learn whether the lock was released and what to do next.
type FundsError struct {
	Err         error
	Code        string // machine-readable failure reason
	FundsStatus string // one of the Funds* codes
	Recovery    string // human-readable next step
	IntentID    string
	HTTPStatus  int
}

func (e *FundsError) Error() string { return e.Err.Error() }
func (e *FundsError) Unwrap() error { return e.Err }

// PaymentEvidence is the JSON body of the Payment-Evidence header.
type PaymentEvidence struct {
	IntentID string `json:"intentId"`
	EscrowTx string `json:"escrowTx"`
}

// ReconcileRules maps endpoint prefixes to pricing rules for usage
// reconciliation. Longest matching prefix wins; unmatched endpoints get
// the default rule.
type ReconcileRules struct {
	Rules   map[string]reconcile.PricingRule
	Default reconcile.PricingRule
}

// Match returns the rule for an endpoint.
func (r ReconcileRules) Match(endpoint string) reconcile.PricingRule {
	best := ""
	for prefix := range r.Rules {
		if len(prefix) > len(best) && hasPrefix(endpoint, prefix) {
			best = prefix
		}
	}
	if best == "" {
		return r.Default
	}
	return r.Rules[best]
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
