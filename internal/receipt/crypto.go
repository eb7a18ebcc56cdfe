package receipt

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// CanonicalPayload returns the deterministic byte serialization that is
// signed: canonical JSON of the receipt fields excluding the signature,
// ordered lexicographically by field name.
func CanonicalPayload(r *Receipt) ([]byte, error) {
	return json.Marshal(signingPayload{
		IntentID:       r.IntentID,
		IssuedAt:       r.IssuedAt,
		IssuerIdentity: strings.ToLower(r.IssuerIdentity),
		Nonce:          r.Nonce,
		UsageMetric:    r.UsageMetric,
		UsedAmount:     r.UsedAmount,
	})
}

// hashPayload applies the EIP-191 personal-message prefix and keccak hashes
// the canonical payload.
func hashPayload(payload []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(payload))
	return crypto.Keccak256([]byte(prefix), payload)
}

// Sign computes the issuer signature over the receipt's canonical payload
// and returns it hex-encoded. Used by providers and by test fixtures.
func Sign(r *Receipt, key *ecdsa.PrivateKey) (string, error) {
	payload, err := CanonicalPayload(r)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(hashPayload(payload), key)
	if err != nil {
		return "", fmt.Errorf("receipt: sign: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverIssuer recovers the signing address from the receipt signature.
func RecoverIssuer(r *Receipt) (string, error) {
	sigHex := strings.TrimPrefix(r.Signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrInvalidSignature, len(sig))
	}

	// Ethereum signatures carry v = 27/28; Ecrecover expects 0/1.
	if sig[64] >= 27 {
		s := make([]byte, 65)
		copy(s, sig)
		s[64] -= 27
		sig = s
	}

	payload, err := CanonicalPayload(r)
	if err != nil {
		return "", err
	}
	pubKeyBytes, err := crypto.Ecrecover(hashPayload(payload), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// VerifySignature checks that the receipt was signed by trustedIssuer and
// that the claimed issuer identity matches the recovered signer.
func VerifySignature(r *Receipt, trustedIssuer string) error {
	recovered, err := RecoverIssuer(r)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, trustedIssuer) {
		return fmt.Errorf("%w: signer %s is not the trusted issuer", ErrInvalidSignature, recovered)
	}
	if !strings.EqualFold(recovered, r.IssuerIdentity) {
		return fmt.Errorf("%w: claimed issuer does not match signer", ErrInvalidSignature)
	}
	return nil
}
