// Package reconcile cross-checks provider-claimed usage against an
// independent metering oracle before settlement is authorized.
//
// The oracle's usage is priced component by component (e.g. prompt and
// completion token categories, each with its own rate). The provider's
// claim is accepted when it falls within a relative tolerance of the
// independently computed cost — and the claim, not the computed figure,
// is what gets settled. A claim outside tolerance blocks settlement;
// it signals provider fraud or oracle disagreement and must escalate to
// the dispute path, never silently clamp.
package reconcile

import (
	"errors"
	"fmt"
	"math"
)

// maxReconcilable bounds the amounts entering the basis-point comparison
// so diff*10000 cannot overflow int64.
const maxReconcilable = math.MaxInt64 / 10_000

var (
	// ErrUsageMismatch means the claim is outside tolerance of the computed cost.
	ErrUsageMismatch = errors.New("reconcile: claimed usage outside tolerance")
	// ErrUnpricedComponent means the oracle reported a usage component the
	// pricing rule has no rate for.
	ErrUnpricedComponent = errors.New("reconcile: no rate for usage component")
	// ErrInvalidClaim means the claimed amount is not a positive integer.
	ErrInvalidClaim = errors.New("reconcile: invalid claimed amount")
)

// Tolerance presets in basis points of the computed cost.
const (
	StrictToleranceBps   = 100 // 1%: strict financial settlement
	EstimateToleranceBps = 500 // 5%: AI token-count estimation noise
)

// Usage is the metering oracle's independent report: metered units per
// priced component (e.g. {"prompt": 60, "completion": 30}).
type Usage struct {
	Components map[string]int64 `json:"components"`
}

// PricingRule prices oracle usage and bounds the accepted claim drift.
type PricingRule struct {
	// Rates maps component name → micro-units per metered unit.
	Rates map[string]int64 `json:"rates"`
	// ToleranceBps is the relative tolerance in basis points.
	ToleranceBps int64 `json:"toleranceBps"`
}

// ComputedCost derives the independent cost of the oracle usage: metered
// units × unit price, summed across components.
func ComputedCost(usage Usage, rule PricingRule) (int64, error) {
	var total int64
	for component, units := range usage.Components {
		rate, ok := rule.Rates[component]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnpricedComponent, component)
		}
		total += units * rate
	}
	return total, nil
}

// Reconcile compares the provider's claimed amount against the cost computed
// from oracle usage. Within tolerance it returns the claim as the settlement
// amount (provider attribution is preserved; bounded estimation noise is
// tolerated). Outside tolerance it returns ErrUsageMismatch.
//
// The boundary is inclusive: |claimed - computed| == tolerance passes.
func Reconcile(claimed int64, oracle Usage, rule PricingRule) (int64, error) {
	if claimed <= 0 || claimed > maxReconcilable {
		return 0, fmt.Errorf("%w: %d", ErrInvalidClaim, claimed)
	}

	computed, err := ComputedCost(oracle, rule)
	if err != nil {
		return 0, err
	}
	if computed > maxReconcilable {
		return 0, fmt.Errorf("%w: computed cost %d out of reconcilable range",
			ErrUsageMismatch, computed)
	}

	diff := claimed - computed
	if diff < 0 {
		diff = -diff
	}

	// Tolerances above 100% are a configuration mistake; the cap also
	// keeps the cross-multiplication below within int64.
	bps := rule.ToleranceBps
	if bps > 10_000 {
		bps = 10_000
	}

	// diff * 10000 <= toleranceBps * computed, in integer arithmetic.
	if diff*10_000 > bps*computed {
		return 0, fmt.Errorf("%w: claimed %d, computed %d, tolerance %d bps",
			ErrUsageMismatch, claimed, computed, rule.ToleranceBps)
	}

	return claimed, nil
}
