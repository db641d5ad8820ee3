package signer

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/ledgerwrite/internal/ids"
)

// PairingScheme prefixes deep links that hand a pairing request to a
// signer app, by link or QR code.
const PairingScheme = "has://auth_req/"

// PairingRequest is an outstanding pairing. Key never leaves this process
// except inside the deep link shown to the user.
type PairingRequest struct {
	Username string
	UUID     string
	Key      [SessionKeySize]byte
	Host     string
}

type pairingPayload struct {
	Account string `json:"account"`
	UUID    string `json:"uuid"`
	Key     string `json:"key"`
	Host    string `json:"host,omitempty"`
}

// PairingAck is the signer app's acceptance of a pairing request.
type PairingAck struct {
	UUID   string `json:"uuid"`
	Token  string `json:"token"`
	Expire int64  `json:"expire"` // unix milliseconds
}

// NewPairingRequest creates a pairing with a fresh random session key.
func NewPairingRequest(username, host string, gen ids.Generator) (*PairingRequest, error) {
	if username == "" {
		return nil, errors.New("pairing: username is required")
	}
	if gen == nil {
		gen = ids.UUIDv7{}
	}
	req := &PairingRequest{Username: username, UUID: gen.Generate(), Host: host}
	if _, err := rand.Read(req.Key[:]); err != nil {
		return nil, fmt.Errorf("pairing: generate key: %w", err)
	}
	return req, nil
}

// DeepLink encodes the request as has://auth_req/<base64 json>.
func (r *PairingRequest) DeepLink() (string, error) {
	body, err := json.Marshal(pairingPayload{
		Account: r.Username,
		UUID:    r.UUID,
		Key:     hex.EncodeToString(r.Key[:]),
		Host:    r.Host,
	})
	if err != nil {
		return "", fmt.Errorf("pairing: encode: %w", err)
	}
	return PairingScheme + base64.StdEncoding.EncodeToString(body), nil
}

// ParseDeepLink is the signer app's side of DeepLink.
func ParseDeepLink(link string) (*PairingRequest, error) {
	encoded, ok := strings.CutPrefix(link, PairingScheme)
	if !ok {
		return nil, fmt.Errorf("pairing: link must start with %s", PairingScheme)
	}
	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("pairing: decode link: %w", err)
	}
	var p pairingPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("pairing: decode payload: %w", err)
	}
	key, err := hex.DecodeString(p.Key)
	if err != nil || len(key) != SessionKeySize {
		return nil, errors.New("pairing: malformed key")
	}
	req := &PairingRequest{Username: p.Account, UUID: p.UUID, Host: p.Host}
	copy(req.Key[:], key)
	return req, nil
}

// CompletePairing turns the peer's acknowledgement into a Session over ch.
func CompletePairing(req *PairingRequest, ack PairingAck, ch SessionChannel, now time.Time) (*Session, error) {
	if ack.UUID != req.UUID {
		return nil, fmt.Errorf("pairing: acknowledgement is for %q, expected %q", ack.UUID, req.UUID)
	}
	if ack.Token == "" {
		return nil, errors.New("pairing: acknowledgement carries no token")
	}
	expires := time.UnixMilli(ack.Expire)
	if !expires.After(now) {
		return nil, ErrSessionExpired
	}
	return NewSession(req.Username, ack.Token, req.Key, expires, ch)
}
