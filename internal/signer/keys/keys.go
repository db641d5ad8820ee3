// Package keys encodes and decodes ledger keys and produces recoverable
// secp256k1 signatures over transaction digests.
//
// Private keys use Wallet Import Format (base58check with a 0x80 version
// byte). Public keys are "STM" followed by base58 of the compressed point
// and a 4-byte RIPEMD-160 checksum.
package keys

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // ledger key checksum is defined over RIPEMD-160

	"github.com/roach88/ledgerwrite/internal/ir"
)

// PublicKeyPrefix is the address prefix of the main network.
const PublicKeyPrefix = "STM"

const wifVersion = 0x80

var (
	// ErrChecksum is returned when a key's embedded checksum does not match.
	ErrChecksum = errors.New("keys: checksum mismatch")

	// ErrFormat is returned for strings that are not keys at all.
	ErrFormat = errors.New("keys: malformed key")
)

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PublicKey is a secp256k1 verification key.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// ParseWIF decodes a Wallet Import Format private key.
func ParseWIF(wif string) (*PrivateKey, error) {
	raw, err := base58.Decode(strings.TrimSpace(wif))
	if err != nil || len(raw) != 1+32+4 {
		return nil, ErrFormat
	}
	if raw[0] != wifVersion {
		return nil, fmt.Errorf("%w: unexpected version byte 0x%02x", ErrFormat, raw[0])
	}
	payload, sum := raw[:33], raw[33:]
	if !bytes.Equal(doubleSHA256(payload)[:4], sum) {
		return nil, ErrChecksum
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(payload[1:])}, nil
}

// FromSeed derives a role key from an account password the way wallets do:
// sha256(username + role + password).
func FromSeed(username string, role ir.Authority, password string) *PrivateKey {
	sum := sha256.Sum256([]byte(username + string(role) + password))
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(sum[:])}
}

// WIF encodes the key in Wallet Import Format.
func (k *PrivateKey) WIF() string {
	payload := append([]byte{wifVersion}, k.key.Serialize()...)
	return base58.Encode(append(payload, doubleSHA256(payload)[:4]...))
}

// PublicKey returns the matching public key.
func (k *PrivateKey) PublicKey() PublicKey {
	return PublicKey{key: k.key.PubKey()}
}

// SignDigest returns a hex encoded 65-byte compact recoverable signature.
func (k *PrivateKey) SignDigest(digest [32]byte) string {
	return hex.EncodeToString(ecdsa.SignCompact(k.key, digest[:], true))
}

// ParsePublicKey decodes a prefixed public key string.
func ParsePublicKey(s string) (PublicKey, error) {
	if !strings.HasPrefix(s, PublicKeyPrefix) {
		return PublicKey{}, fmt.Errorf("%w: missing %s prefix", ErrFormat, PublicKeyPrefix)
	}
	raw, err := base58.Decode(s[len(PublicKeyPrefix):])
	if err != nil || len(raw) != 33+4 {
		return PublicKey{}, ErrFormat
	}
	point, sum := raw[:33], raw[33:]
	if !bytes.Equal(ripemd(point)[:4], sum) {
		return PublicKey{}, ErrChecksum
	}
	pub, err := secp256k1.ParsePubKey(point)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return PublicKey{key: pub}, nil
}

// String returns the prefixed base58 form.
func (p PublicKey) String() string {
	if p.key == nil {
		return ""
	}
	point := p.key.SerializeCompressed()
	return PublicKeyPrefix + base58.Encode(append(point, ripemd(point)[:4]...))
}

// Equal reports whether both keys are the same point.
func (p PublicKey) Equal(o PublicKey) bool {
	if p.key == nil || o.key == nil {
		return p.key == o.key
	}
	return p.key.IsEqual(o.key)
}

// Recover returns the public key that produced sigHex over digest.
func Recover(digest [32]byte, sigHex string) (PublicKey, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return PublicKey{}, fmt.Errorf("keys: signature is not hex: %w", err)
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return PublicKey{}, fmt.Errorf("keys: recover: %w", err)
	}
	return PublicKey{key: pub}, nil
}

// SigningDigest is sha256(chainID || canonical transaction). chainID is
// the hex chain identifier from configuration.
func SigningDigest(chainID string, tx ir.Transaction) ([32]byte, error) {
	chain, err := hex.DecodeString(chainID)
	if err != nil {
		return [32]byte{}, fmt.Errorf("keys: chain id is not hex: %w", err)
	}
	canonical, err := ir.MarshalCanonical(tx.Object())
	if err != nil {
		return [32]byte{}, fmt.Errorf("keys: encode transaction: %w", err)
	}
	return sha256.Sum256(append(chain, canonical...)), nil
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}

func ripemd(b []byte) []byte {
	h := ripemd160.New()
	h.Write(b)
	return h.Sum(nil)
}
