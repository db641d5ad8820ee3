package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix
// allows the canonical form to change without colliding with old digests.
const (
	DomainOperationSet = "ledgerwrite/opset/v1"
	DomainIntent       = "ledgerwrite/intent/v1"
	DomainAttempt      = "ledgerwrite/attempt/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data). The separator
// removes ambiguity at the domain/data boundary.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns the content digest of the operation set. Two sets with the
// same operations in the same order and the same authority share a digest.
func (s OperationSet) Digest() (string, error) {
	obj := Obj(
		F("authority", String(s.authority)),
		F("operations", s.Array()),
	)
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("operation set digest: %w", err)
	}
	return hashWithDomain(DomainOperationSet, canonical), nil
}

// IntentID identifies one execution of a write intent. The nonce makes
// two deliberate identical writes (e.g. two transfers of the same amount)
// distinct while a retry of the same execution keeps its id.
func IntentID(username string, set OperationSet, nonce string) (string, error) {
	digest, err := set.Digest()
	if err != nil {
		return "", err
	}
	obj := Obj(
		F("username", String(username)),
		F("opset", String(digest)),
		F("nonce", String(nonce)),
	)
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("intent id: %w", err)
	}
	return hashWithDomain(DomainIntent, canonical), nil
}

// AttemptID identifies one provider attempt within an intent execution.
func AttemptID(intentID string, provider ProviderID, index int) string {
	obj := Obj(
		F("intent", String(intentID)),
		F("provider", String(provider)),
		F("index", Int(index)),
	)
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		// Only strings and ints above; cannot fail.
		panic(err)
	}
	return hashWithDomain(DomainAttempt, canonical)
}

// MustDigest is Digest that panics. Tests only.
func MustDigest(s OperationSet) string {
	d, err := s.Digest()
	if err != nil {
		panic(err)
	}
	return d
}

// ID returns the transaction id: the first 20 bytes of SHA-256 over the
// canonical transaction, hex encoded.
func (t Transaction) ID() (string, error) {
	canonical, err := MarshalCanonical(t.Object())
	if err != nil {
		return "", fmt.Errorf("transaction id: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:20]), nil
}
