package reconcile

import (
	"errors"
	"testing"
)

func aiRule(toleranceBps int64) PricingRule {
	return PricingRule{
		Rates:        map[string]int64{"prompt": 50, "completion": 100},
		ToleranceBps: toleranceBps,
	}
}

func TestReconcile_ClaimWithinTolerance(t *testing.T) {
	// Oracle: 60 prompt + 45 completion units → 60*50 + 45*100 = 7500.
	oracle := Usage{Components: map[string]int64{"prompt": 60, "completion": 45}}

	settled, err := Reconcile(7500, oracle, aiRule(EstimateToleranceBps))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if settled != 7500 {
		t.Errorf("expected settlement of claimed 7500, got %d", settled)
	}
}

func TestReconcile_SettlesClaimNotComputed(t *testing.T) {
	oracle := Usage{Components: map[string]int64{"prompt": 100}} // computed = 5000
	claimed := int64(5100)                                       // 2% over, within 5%

	settled, err := Reconcile(claimed, oracle, aiRule(EstimateToleranceBps))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if settled != claimed {
		t.Errorf("expected provider claim %d to be settled, got %d", claimed, settled)
	}
}

func TestReconcile_ToleranceBoundary(t *testing.T) {
	// computed = 10000, 1% tolerance → |diff| of exactly 100 passes, 101 fails.
	oracle := Usage{Components: map[string]int64{"prompt": 200}}
	rule := aiRule(StrictToleranceBps)

	if _, err := Reconcile(10_100, oracle, rule); err != nil {
		t.Errorf("claim at exact tolerance should pass, got %v", err)
	}
	if _, err := Reconcile(9_900, oracle, rule); err != nil {
		t.Errorf("claim at exact lower tolerance should pass, got %v", err)
	}
	if _, err := Reconcile(10_101, oracle, rule); !errors.Is(err, ErrUsageMismatch) {
		t.Errorf("claim one unit past tolerance should fail, got %v", err)
	}
}

func TestReconcile_MismatchBlocksSettlement(t *testing.T) {
	oracle := Usage{Components: map[string]int64{"prompt": 10}} // computed = 500

	_, err := Reconcile(5000, oracle, aiRule(EstimateToleranceBps))
	if !errors.Is(err, ErrUsageMismatch) {
		t.Fatalf("expected ErrUsageMismatch, got %v", err)
	}
}

func TestReconcile_UnpricedComponent(t *testing.T) {
	oracle := Usage{Components: map[string]int64{"images": 3}}

	_, err := Reconcile(100, oracle, aiRule(EstimateToleranceBps))
	if !errors.Is(err, ErrUnpricedComponent) {
		t.Fatalf("expected ErrUnpricedComponent, got %v", err)
	}
}

func TestReconcile_InvalidClaim(t *testing.T) {
	oracle := Usage{Components: map[string]int64{"prompt": 10}}

	for _, claimed := range []int64{0, -5} {
		if _, err := Reconcile(claimed, oracle, aiRule(EstimateToleranceBps)); !errors.Is(err, ErrInvalidClaim) {
			t.Errorf("Reconcile(%d) expected ErrInvalidClaim, got %v", claimed, err)
		}
	}
}

func TestReconcile_ZeroComputedRejectsPositiveClaim(t *testing.T) {
	oracle := Usage{Components: map[string]int64{}}

	_, err := Reconcile(100, oracle, aiRule(EstimateToleranceBps))
	if !errors.Is(err, ErrUsageMismatch) {
		t.Fatalf("expected ErrUsageMismatch when oracle reports no usage, got %v", err)
	}
}

func TestReconcile_OversizedAmountsRejected(t *testing.T) {
	oracle := Usage{Components: map[string]int64{"prompt": 60}}

	// A claim past the reconcilable bound must fail cleanly, not wrap
	// around in the basis-point comparison.
	if _, err := Reconcile(maxReconcilable+1, oracle, aiRule(StrictToleranceBps)); !errors.Is(err, ErrInvalidClaim) {
		t.Errorf("oversized claim: err = %v, want ErrInvalidClaim", err)
	}

	// Same bound on the computed side.
	huge := Usage{Components: map[string]int64{"prompt": maxReconcilable}}
	rule := PricingRule{Rates: map[string]int64{"prompt": 2}, ToleranceBps: StrictToleranceBps}
	if _, err := Reconcile(1000, huge, rule); !errors.Is(err, ErrUsageMismatch) {
		t.Errorf("oversized computed cost: err = %v, want ErrUsageMismatch", err)
	}

	// The bound itself still reconciles.
	exact := Usage{Components: map[string]int64{"prompt": maxReconcilable / 50}}
	if _, err := Reconcile((maxReconcilable/50)*50, exact, aiRule(StrictToleranceBps)); err != nil {
		t.Errorf("claim at bound: err = %v, want nil", err)
	}
}

func TestComputedCost(t *testing.T) {
	oracle := Usage{Components: map[string]int64{"prompt": 60, "completion": 30}}
	got, err := ComputedCost(oracle, aiRule(0))
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(60*50 + 30*100); got != want {
		t.Errorf("ComputedCost = %d, want %d", got, want)
	}
}
