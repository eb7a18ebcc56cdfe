package receipt

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/meterd/x402gw/internal/idgen"
	"github.com/meterd/x402gw/internal/nonce"
)

func newIssuer(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	return key, addr
}

func signedReceipt(t *testing.T, key *ecdsa.PrivateKey, issuer, intentID string, used int64) *Receipt {
	t.Helper()
	r := &Receipt{
		IntentID:       intentID,
		UsedAmount:     used,
		UsageMetric:    90,
		IssuerIdentity: issuer,
		Nonce:          idgen.Hex(16),
		IssuedAt:       time.Now().Unix(),
	}
	sig, err := Sign(r, key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	r.Signature = sig
	return r
}

func newValidator() *Validator {
	return NewValidator(nonce.NewMemoryLedger(0), 0, 0)
}

func TestValidate_HappyPath(t *testing.T) {
	key, issuer := newIssuer(t)
	r := signedReceipt(t, key, issuer, "int_1", 7500)
	v := newValidator()

	vr, err := v.Validate(context.Background(), r, ExpectedIntent{IntentID: "int_1", LockedAmount: 10_000}, issuer)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if vr.UsedAmount != 7500 {
		t.Errorf("expected usedAmount 7500, got %d", vr.UsedAmount)
	}
	if vr.Issuer != issuer {
		t.Errorf("expected issuer %s, got %s", issuer, vr.Issuer)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	v := newValidator()
	_, issuer := newIssuer(t)

	_, err := v.Validate(context.Background(), &Receipt{IntentID: "int_1"}, ExpectedIntent{IntentID: "int_1", LockedAmount: 100}, issuer)
	if !errors.Is(err, ErrIncompleteReceipt) {
		t.Fatalf("expected ErrIncompleteReceipt, got %v", err)
	}
}

func TestValidate_IntentMismatch(t *testing.T) {
	key, issuer := newIssuer(t)
	r := signedReceipt(t, key, issuer, "int_other", 100)
	v := newValidator()

	_, err := v.Validate(context.Background(), r, ExpectedIntent{IntentID: "int_1", LockedAmount: 1000}, issuer)
	if !errors.Is(err, ErrIntentMismatch) {
		t.Fatalf("expected ErrIntentMismatch, got %v", err)
	}
}

func TestValidate_WrongSigner(t *testing.T) {
	key, issuer := newIssuer(t)
	_, otherIssuer := newIssuer(t)
	r := signedReceipt(t, key, issuer, "int_1", 100)
	v := newValidator()

	_, err := v.Validate(context.Background(), r, ExpectedIntent{IntentID: "int_1", LockedAmount: 1000}, otherIssuer)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestValidate_TamperedFieldBreaksSignature(t *testing.T) {
	key, issuer := newIssuer(t)
	r := signedReceipt(t, key, issuer, "int_1", 100)
	r.UsedAmount = 1 // tamper after signing
	v := newValidator()

	_, err := v.Validate(context.Background(), r, ExpectedIntent{IntentID: "int_1", LockedAmount: 1000}, issuer)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestValidate_ReplayedNonce(t *testing.T) {
	key, issuer := newIssuer(t)
	r := signedReceipt(t, key, issuer, "int_1", 100)
	v := newValidator()
	expected := ExpectedIntent{IntentID: "int_1", LockedAmount: 1000}

	if _, err := v.Validate(context.Background(), r, expected, issuer); err != nil {
		t.Fatalf("first Validate failed: %v", err)
	}
	_, err := v.Validate(context.Background(), r, expected, issuer)
	if !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("expected ErrReplayedNonce, got %v", err)
	}
}

func TestValidate_StaleReceipt(t *testing.T) {
	key, issuer := newIssuer(t)
	r := signedReceipt(t, key, issuer, "int_1", 100)
	r.IssuedAt = time.Now().Add(-2 * time.Hour).Unix()
	sig, _ := Sign(r, key)
	r.Signature = sig
	v := newValidator()

	_, err := v.Validate(context.Background(), r, ExpectedIntent{IntentID: "int_1", LockedAmount: 1000}, issuer)
	if !errors.Is(err, ErrStaleOrFuture) {
		t.Fatalf("expected ErrStaleOrFuture, got %v", err)
	}
}

func TestValidate_FutureReceipt(t *testing.T) {
	key, issuer := newIssuer(t)
	r := signedReceipt(t, key, issuer, "int_1", 100)
	r.IssuedAt = time.Now().Add(10 * time.Minute).Unix()
	sig, _ := Sign(r, key)
	r.Signature = sig
	v := newValidator()

	_, err := v.Validate(context.Background(), r, ExpectedIntent{IntentID: "int_1", LockedAmount: 1000}, issuer)
	if !errors.Is(err, ErrStaleOrFuture) {
		t.Fatalf("expected ErrStaleOrFuture, got %v", err)
	}
}

func TestValidate_AmountExceedsLocked(t *testing.T) {
	key, issuer := newIssuer(t)
	r := signedReceipt(t, key, issuer, "int_1", 5000)
	v := newValidator()

	_, err := v.Validate(context.Background(), r, ExpectedIntent{IntentID: "int_1", LockedAmount: 1000}, issuer)
	if !errors.Is(err, ErrAmountOutOfBounds) {
		t.Fatalf("expected ErrAmountOutOfBounds, got %v", err)
	}
}

func TestValidate_RejectionDoesNotBurnNonce(t *testing.T) {
	key, issuer := newIssuer(t)
	ledger := nonce.NewMemoryLedger(0)
	v := NewValidator(ledger, 0, 0)

	// Rejected on amount bounds.
	r := signedReceipt(t, key, issuer, "int_1", 5000)
	_, err := v.Validate(context.Background(), r, ExpectedIntent{IntentID: "int_1", LockedAmount: 1000}, issuer)
	if !errors.Is(err, ErrAmountOutOfBounds) {
		t.Fatalf("expected ErrAmountOutOfBounds, got %v", err)
	}

	used, _ := ledger.HasBeenUsed(context.Background(), r.Nonce)
	if used {
		t.Error("rejected receipt must not consume its nonce")
	}
}

func TestCanonicalPayload_FieldOrder(t *testing.T) {
	r := &Receipt{
		IntentID:       "int_1",
		UsedAmount:     7500,
		UsageMetric:    90,
		IssuerIdentity: "0xABC",
		Nonce:          "n1",
		IssuedAt:       1700000000,
	}
	payload, err := CanonicalPayload(r)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"intentId":"int_1","issuedAt":1700000000,"issuerIdentity":"0xabc","nonce":"n1","usageMetric":90,"usedAmount":7500}`
	if string(payload) != want {
		t.Errorf("canonical payload mismatch:\n got %s\nwant %s", payload, want)
	}
}
